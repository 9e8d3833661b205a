//go:build integration

// Package testutil starts throwaway database containers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"
)

const (
	mysqlImage       = "mysql:8.0.36"
	mysqlDatabase    = "outbox"
	mysqlUser        = "root"
	mysqlPassword    = "secret"
	postgresImage    = "postgres:16-alpine"
	postgresDatabase = "outbox"
	postgresUser     = "outbox"
	postgresPassword = "secret"
	redisImage       = "redis:7.4-alpine"
	cliImage         = "alpine:3.20"
	cliPath          = "/cli"
	cliExitTimeout   = 2 * time.Minute
	startupTimeout   = 2 * time.Minute
)

// MySQL is a running MySQL container on its own network.
type MySQL struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	// DSN reaches the server from the host.
	DSN string
	// NetworkDSN reaches the server from another container on Network.
	NetworkDSN string
}

// StartMySQL starts MySQL 8 and skips the test when Docker is unavailable.
func StartMySQL(t *testing.T, ctx context.Context) MySQL {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	port := nat.Port("3306/tcp")
	dsnFor := func(host, port string) string {
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", mysqlUser, mysqlPassword, host, port, mysqlDatabase)
	}
	req := testcontainers.ContainerRequest{
		Image:        mysqlImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": mysqlPassword,
			"MYSQL_DATABASE":      mysqlDatabase,
		},
		Networks: []string{net.Name},
		NetworkAliases: map[string][]string{
			net.Name: {"mysql"},
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return dsnFor(host, port.Port())
		}).WithStartupTimeout(startupTimeout),
	}

	container := start(t, ctx, req, "mysql")
	host, mapped := endpoint(t, ctx, container, port)

	dsn := dsnFor(host, mapped)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return MySQL{
		Container:  container,
		Network:    net,
		DB:         db,
		DSN:        dsn,
		NetworkDSN: dsnFor("mysql", "3306"),
	}
}

// StartPostgres starts PostgreSQL and returns a connection string reachable from the host.
func StartPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()

	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_DB":       postgresDatabase,
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(port),
		).WithDeadline(startupTimeout),
	}

	container := start(t, ctx, req, "postgres")
	host, mapped := endpoint(t, ctx, container, port)

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, host, mapped, postgresDatabase)
}

// StartRedis starts Redis and returns a redis:// URL reachable from the host.
func StartRedis(t *testing.T, ctx context.Context) string {
	t.Helper()

	port := nat.Port("6379/tcp")
	req := testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(startupTimeout),
	}

	container := start(t, ctx, req, "redis")
	host, mapped := endpoint(t, ctx, container, port)

	return fmt.Sprintf("redis://%s:%s/0", host, mapped)
}

// BuildBinary compiles pkg for linux so it can run inside a container.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("resolve working dir: %v", err)
		}
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, string(out))
	}

	return bin
}

// RunCLIContainer runs a binary built by BuildBinary on networkName and returns its exit code and logs.
func RunCLIContainer(t *testing.T, ctx context.Context, networkName, binaryPath string, args []string) (int, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:      cliImage,
		Entrypoint: []string{cliPath},
		Cmd:        args,
		Networks:   []string{networkName},
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      binaryPath,
				ContainerFilePath: cliPath,
				FileMode:          0o755,
			},
		},
		WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	logsReader, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}
	defer logsReader.Close()

	logs, err := io.ReadAll(logsReader)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}

	return state.ExitCode, string(logs)
}

func start(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, name string) testcontainers.Container {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", name, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	return container
}

func endpoint(t *testing.T, ctx context.Context, container testcontainers.Container, port nat.Port) (string, string) {
	t.Helper()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	return host, mapped.Port()
}
