// Package containers starts the Docker services integration tests run
// against, using testcontainers-go:
//
//   - MySQL 8.0 for the gorm repositories
//   - Eclipse Mosquitto for telemetry ingest and alert publishing
//   - ntfy as a shoutrrr push target
//
// Shared containers are usually started in TestMain:
//
//	var mysqlServer *containers.MySQLContainer
//
//	func TestMain(m *testing.M) {
//	    var err error
//	    mysqlServer, err = containers.NewMySQLContainer(context.Background())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    _ = mysqlServer.Terminate(context.Background())
//	    os.Exit(code)
//	}
//
// Every file in this package and every test using it carries the
// integration build tag:
//
//	go test -tags=integration ./...
package containers
