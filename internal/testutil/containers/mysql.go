//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/hydrowatch/hydrowatch/internal/conf"
)

const (
	mysqlImage    = "mysql:8.0"
	mysqlDatabase = "hydrowatch_test"
	mysqlUser     = "hydrowatch"
	mysqlPassword = "hydrowatch"
)

// MySQL identifier rules: letters, digits, underscore, dollar; no leading digit.
var validTableNameRe = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

// MySQLContainer is a MySQL 8 server for repository integration tests.
type MySQLContainer struct {
	container *mysql.MySQLContainer
	db        *sql.DB
	settings  conf.MySQLSettings
}

// NewMySQLContainer starts MySQL and opens a raw connection used for
// resetting tables between tests.
func NewMySQLContainer(ctx context.Context) (*MySQLContainer, error) {
	container, err := mysql.Run(ctx, mysqlImage,
		mysql.WithDatabase(mysqlDatabase),
		mysql.WithUsername(mysqlUser),
		mysql.WithPassword(mysqlPassword),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start MySQL container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	settings := conf.MySQLSettings{
		Host:     host,
		Port:     port.Int(),
		Username: mysqlUser,
		Password: mysqlPassword,
		Database: mysqlDatabase,
	}

	db, err := sql.Open("mysql", settings.DSN())
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &MySQLContainer{container: container, db: db, settings: settings}, nil
}

// Settings returns connection settings for datastore.Open.
func (c *MySQLContainer) Settings() conf.DatabaseSettings {
	return conf.DatabaseSettings{Type: conf.DatabaseMySQL, MySQL: c.settings}
}

// Addr returns host:port of the server.
func (c *MySQLContainer) Addr() string {
	return c.settings.Host + ":" + strconv.Itoa(c.settings.Port)
}

// Reset truncates tables with foreign key checks disabled.
func (c *MySQLContainer) Reset(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		if !validTableNameRe.MatchString(table) {
			return fmt.Errorf("invalid table name: %q", table)
		}
	}

	// Session variables are per connection, so pin one.
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return fmt.Errorf("failed to disable foreign key checks: %w", err)
	}
	for _, table := range tables {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE `%s`", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return fmt.Errorf("failed to enable foreign key checks: %w", err)
	}
	return nil
}

// Terminate closes the connection and removes the container.
func (c *MySQLContainer) Terminate(ctx context.Context) error {
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
	if c.container == nil {
		return nil
	}
	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}
