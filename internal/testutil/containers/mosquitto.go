//go:build integration

package containers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const mosquittoImage = "eclipse-mosquitto:2.0"

// Mosquitto 2.x refuses anonymous clients unless a listener allows them.
const mosquittoConfig = `listener 1883
allow_anonymous true
`

// MosquittoContainer is an MQTT broker for ingest and publisher tests.
type MosquittoContainer struct {
	container testcontainers.Container
	brokerURL string
}

// NewMosquittoContainer starts an anonymous broker.
func NewMosquittoContainer(ctx context.Context) (*MosquittoContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        mosquittoImage,
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto/config/hydrowatch.conf"},
		Files: []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(mosquittoConfig),
			ContainerFilePath: "/mosquitto/config/hydrowatch.conf",
			FileMode:          0o644,
		}},
		WaitingFor: wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &MosquittoContainer{
		container: container,
		brokerURL: "tcp://" + net.JoinHostPort(host, strconv.Itoa(port.Int())),
	}, nil
}

// BrokerURL returns e.g. "tcp://localhost:32768".
func (c *MosquittoContainer) BrokerURL() string {
	return c.brokerURL
}

// Client connects a raw paho client, for publishing fixtures or observing
// what the code under test sends. The caller disconnects it.
func (c *MosquittoContainer) Client(clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect timeout for client %s", clientID)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect client %s: %w", clientID, err)
	}
	return client, nil
}

// Terminate stops and removes the container.
func (c *MosquittoContainer) Terminate(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	return c.container.Terminate(ctx)
}
