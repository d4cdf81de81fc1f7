package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"instrumentq/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("Driver_ConfigDir", t.TempDir())
	t.Setenv("Daemon_PausePoll", "5ms")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)

	held := flock.New(filepath.Join(cfg.Driver.ConfigDir, cfg.Server.Name+".lock"))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer held.Unlock()

	err := Run(context.Background(), cfg)
	if !errors.Is(err, ErrServerRunning) {
		t.Fatalf("Run err = %v, want ErrServerRunning", err)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, cfg) }()

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/is_server_live"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became live: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(cfg.Driver.ConfigDir, cfg.Server.Name+".config.toml")); err != nil {
		t.Fatalf("driver config not written: %v", err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	relock := flock.New(filepath.Join(cfg.Driver.ConfigDir, cfg.Server.Name+".lock"))
	if ok, err := relock.TryLock(); err != nil || !ok {
		t.Fatalf("lock not released: %v, %v", ok, err)
	}
	relock.Unlock()
}
