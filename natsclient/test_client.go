package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultTestImage is the NATS server image NewTestClient starts
const DefaultTestImage = "nats:2.11.7-alpine"

// TestClient is a Client connected to a NATS server running in a container
type TestClient struct {
	Client *Client
	URL    string
}

// NewTestClient starts a NATS container, connects a Client to it and tears
// both down when the test ends. extra options are applied after the defaults.
func NewTestClient(t testing.TB, extra ...ClientOption) *TestClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        DefaultTestImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := serverURL(ctx, container)
	if err != nil {
		t.Fatalf("NATS container address: %v", err)
	}

	opts := append([]ClientOption{WithTimeout(5 * time.Second), WithReconnect(0, 0)}, extra...)
	client, err := NewClient(url, opts...)
	if err != nil {
		t.Fatalf("create NATS client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{Client: client, URL: url}
}

func serverURL(ctx context.Context, container testcontainers.Container) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}
