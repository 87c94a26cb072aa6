// Package testutil provides shared test infrastructure: quiet loggers,
// in-process Redis for unit tests, and containers for integration tests.
//
// Usage in an integration TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartRedis()
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a testcontainers container with the address or DSN
// for connecting to it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartRedis starts a redis:7-alpine container. DSN is a redis:// URL.
// Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartRedis() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container := mustStart(ctx, req)

	host, port := mustEndpoint(ctx, container, "6379")
	return &TestContainer{Container: container, DSN: fmt.Sprintf("redis://%s:%s/0", host, port)}
}

// MustStartPostgres starts a Postgres container for the person directory.
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "haigate",
			"POSTGRES_PASSWORD": "haigate",
			"POSTGRES_DB":       "haigate",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container := mustStart(ctx, req)

	host, port := mustEndpoint(ctx, container, "5432")
	dsn := fmt.Sprintf("postgres://haigate:haigate@%s:%s/haigate?sslmode=disable", host, port)
	return &TestContainer{Container: container, DSN: dsn}
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}
	return container
}

func mustEndpoint(ctx context.Context, container testcontainers.Container, port string) (string, string) {
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return host, mapped.Port()
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// NewMiniRedis starts an in-process Redis and returns it with a connected
// client. Both are torn down when t finishes.
func NewMiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
