//go:build integration

package containers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
)

const ntfyImage = "binwiederhier/ntfy:latest"

// NtfyContainer is an ntfy push server used as a shoutrrr delivery target.
type NtfyContainer struct {
	container testcontainers.Container
	host      string
	port      int
	auth      bool
}

// NtfyMessage is one message polled from a topic.
type NtfyMessage struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
	Title   string `json:"title"`
	Time    int64  `json:"time"`
}

// NewNtfyContainer starts an ntfy server. With auth enabled every topic is
// deny-all until GrantAccess is called.
func NewNtfyContainer(ctx context.Context, auth bool) (*NtfyContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        ntfyImage,
		ExposedPorts: []string{"80/tcp"},
		Cmd:          []string{"serve", "--cache-file=/tmp/ntfy/cache.db"},
		Tmpfs:        map[string]string{"/tmp/ntfy": "rw"},
		WaitingFor: wait.ForHTTP("/v1/health").
			WithPort("80/tcp").
			WithStartupTimeout(30 * time.Second),
	}
	if auth {
		req.Env = map[string]string{
			"NTFY_AUTH_FILE":           "/tmp/ntfy/auth.db",
			"NTFY_AUTH_DEFAULT_ACCESS": "deny-all",
		}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ntfy container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "80")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &NtfyContainer{container: container, host: host, port: port.Int(), auth: auth}, nil
}

// Host returns host:port of the server.
func (c *NtfyContainer) Host() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// AddUser creates a regular user. Requires auth.
func (c *NtfyContainer) AddUser(ctx context.Context, username, password string) error {
	if !c.auth {
		return fmt.Errorf("cannot add user: authentication is not enabled")
	}
	return c.exec(ctx, []string{"ntfy", "user", "add", username},
		tcexec.WithEnv([]string{"NTFY_PASSWORD=" + password}))
}

// GrantAccess grants permission ("ro", "wo" or "rw") on topic. Requires auth.
func (c *NtfyContainer) GrantAccess(ctx context.Context, username, topic, permission string) error {
	if !c.auth {
		return fmt.Errorf("cannot grant access: authentication is not enabled")
	}
	return c.exec(ctx, []string{"ntfy", "access", username, topic, permission})
}

func (c *NtfyContainer) exec(ctx context.Context, cmd []string, opts ...tcexec.ProcessOption) error {
	exitCode, output, err := c.container.Exec(ctx, cmd, opts...)
	if err != nil {
		return fmt.Errorf("exec %s: %w", strings.Join(cmd, " "), err)
	}
	if exitCode != 0 {
		out, _ := io.ReadAll(output)
		return fmt.Errorf("%s exited with %d: %s", strings.Join(cmd[:2], " "), exitCode, out)
	}
	return nil
}

// PollMessages returns the cached messages of topic. An empty username
// polls anonymously.
func (c *NtfyContainer) PollMessages(ctx context.Context, topic, username, password string) ([]NtfyMessage, error) {
	url := fmt.Sprintf("http://%s/%s/json?poll=1", c.Host(), topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d: %s", resp.StatusCode, body)
	}

	// Newline-delimited JSON, one event per line.
	var messages []NtfyMessage
	for line := range strings.SplitSeq(strings.TrimSpace(string(body)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var msg NtfyMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		if msg.ID == "" && msg.Message == "" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Terminate stops and removes the container.
func (c *NtfyContainer) Terminate(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	return c.container.Terminate(ctx)
}
