package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/vietddude/mender/internal/control"
	"github.com/vietddude/mender/internal/core/config"
)

func TestGracefulShutdown(t *testing.T) {
	// Memory-backed config: no database URL means in-memory storage, no
	// Redis address means the fallback-only queue.
	cfg := &config.AppConfig{}
	cfg.Server.Port = 18089
	cfg.ApplyDefaults()

	app, err := control.NewApp(cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	base := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)

	// Wait for the HTTP server to come up.
	var healthy bool
	for i := 0; i < 50; i++ {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				healthy = true
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !healthy {
		t.Fatal("Server never became healthy")
	}

	// Push one report through the full path before shutting down.
	report := `{"error_code":"TIMEOUT","error_category":"network","source_ref":"job-e2e-1","context":{"host":"api.example.com"},"enqueue":true}`
	resp, err := http.Post(base+"/api/v1/reports", "application/json", bytes.NewBufferString(report))
	if err != nil {
		t.Fatalf("Ingest request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Ingest status: got %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	// Give the worker pool a moment to pick the task up.
	time.Sleep(500 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	// The port should be free again after shutdown.
	if resp, err := http.Get(base + "/health"); err == nil {
		resp.Body.Close()
		t.Error("Server still answering after Stop")
	}
}
