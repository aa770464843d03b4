//go:build integration

// Package testutil starts database containers and runs outboxctl inside a container on the
// same network.
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
	_ "github.com/lib/pq"
)

const (
	databaseName     = "delivery"
	databasePassword = "secret"
	cliImage         = "alpine:3.20"
	cliPath          = "/cli"
	cliExitTimeout   = 2 * time.Minute
	startupTimeout   = 2 * time.Minute
)

// Engine describes a database image and how to reach it.
type Engine struct {
	// Driver is the database/sql driver name and the DELIVERY_DATABASE_DRIVER value.
	Driver string
	Image  string
	Port   nat.Port
	Alias  string
	Env    map[string]string
	DSN    func(host, port string) string
}

var (
	MySQL = Engine{
		Driver: "mysql",
		Image:  "mysql:8.0.36",
		Port:   "3306/tcp",
		Alias:  "mysql",
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": databasePassword,
			"MYSQL_DATABASE":      databaseName,
		},
		DSN: func(host, port string) string {
			return fmt.Sprintf("root:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC", databasePassword, host, port, databaseName)
		},
	}
	Postgres = Engine{
		Driver: "postgres",
		Image:  "postgres:16-alpine",
		Port:   "5432/tcp",
		Alias:  "postgres",
		Env: map[string]string{
			"POSTGRES_USER":     databaseName,
			"POSTGRES_PASSWORD": databasePassword,
			"POSTGRES_DB":       databaseName,
		},
		DSN: func(host, port string) string {
			return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", databaseName, databasePassword, host, port, databaseName)
		},
	}
)

// Database is a running database reachable from the host (DB) and from containers on
// Network (DSN).
type Database struct {
	Engine  Engine
	Network *testcontainers.DockerNetwork
	DB      *sql.DB
	DSN     string
}

// StartDatabase starts engine on a fresh network, skipping the test when Docker is unavailable.
func StartDatabase(t *testing.T, ctx context.Context, engine Engine) Database {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          engine.Image,
			ExposedPorts:   []string{string(engine.Port)},
			Env:            engine.Env,
			Networks:       []string{net.Name},
			NetworkAliases: map[string][]string{net.Name: {engine.Alias}},
			WaitingFor: wait.ForSQL(engine.Port, engine.Driver, func(host string, port nat.Port) string {
				return engine.DSN(host, port.Port())
			}).WithStartupTimeout(startupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", engine.Driver, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, engine.Port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	db, err := sql.Open(engine.Driver, engine.DSN(host, mapped.Port()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return Database{
		Engine:  engine,
		Network: net,
		DB:      db,
		DSN:     engine.DSN(engine.Alias, engine.Port.Port()),
	}
}

// Count runs a single-value integer query.
func (d Database) Count(t *testing.T, ctx context.Context, query string) int {
	t.Helper()
	var n int
	if err := d.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}

	return n
}

// HoursAgo returns an SQL expression for the current time minus hours.
func (d Database) HoursAgo(hours int) string {
	if d.Engine.Driver == Postgres.Driver {
		return fmt.Sprintf("NOW() - INTERVAL '%d hours'", hours)
	}

	return fmt.Sprintf("UTC_TIMESTAMP() - INTERVAL %d HOUR", hours)
}

// BuildBinary compiles pkg as a static linux binary.
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
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+runtime.GOARCH)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, out)
	}

	return bin
}

// RunCLI runs binaryPath with args and env inside a container on db's network, failing the
// test on a non-zero exit. It returns the combined output.
func (d Database) RunCLI(t *testing.T, ctx context.Context, binaryPath string, env map[string]string, args ...string) string {
	t.Helper()

	merged := map[string]string{
		"DELIVERY_DATABASE_DRIVER": d.Engine.Driver,
		"DELIVERY_DATABASE_DSN":    d.DSN,
	}
	for k, v := range env {
		merged[k] = v
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      cliImage,
			Entrypoint: []string{cliPath},
			Cmd:        args,
			Env:        merged,
			Networks:   []string{d.Network.Name},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      binaryPath,
				ContainerFilePath: cliPath,
				FileMode:          0o755,
			}},
			WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	reader, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}
	defer reader.Close()
	logs, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}
	if state.ExitCode != 0 {
		t.Fatalf("outboxctl %v exit code %d: %s", args, state.ExitCode, logs)
	}

	return string(logs)
}
