package tests

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"circles/src/api"
	"circles/src/lib"
)

func TestServerLifecycle(t *testing.T) {
	withRepoRootCWD(t)

	relayPriv, relayPub := generateKeypair(t)
	addr := freeTCPAddr(t)
	cfg := lib.Config{
		StoreDriver:             lib.StoreDriverMemory,
		RelayPubKey:             relayPub,
		RelayPrivKey:            relayPriv,
		HTTPAddr:                addr,
		LogLevel:                "ERROR",
		RateLimitBurst:          30,
		RateLimitPerMinute:      120,
		DefaultVoteExpiryDays:   7,
		MaxVoteExpiryDays:       30,
		DefaultInviteExpiryDays: 7,
		MaxInviteUses:           100,
	}

	srv, err := api.NewServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	baseURL := "http://" + addr
	waitForHTTP(t, baseURL+"/health")

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", health)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/circles", strings.NewReader(`{"name":"Lifecycle"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-User-ID", "owner")
	createResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /circles: %v", err)
	}
	_ = createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /circles status = %d, want %d", createResp.StatusCode, http.StatusCreated)
	}

	metricsResp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", metricsResp.StatusCode, http.StatusOK)
	}
	var counters map[string]uint64
	if err := json.NewDecoder(metricsResp.Body).Decode(&counters); err != nil {
		t.Fatalf("decode /metrics: %v", err)
	}
	if counters["circles_created_total"] != 1 {
		t.Fatalf("circles_created_total = %d, want 1", counters["circles_created_total"])
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for Start to return after shutdown")
	}
}

func withRepoRootCWD(t *testing.T) {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("resolve current test path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(thisFile), ".."))
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir to repo root %q: %v", root, err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(prev)
	})
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("close free-port listener: %v", err)
	}
	return addr
}

func waitForHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for server at %s", url)
}

func TestServerRejectsBadConfig(t *testing.T) {
	withRepoRootCWD(t)

	tests := []struct {
		name string
		cfg  lib.Config
	}{
		{
			name: "bad database url",
			cfg: lib.Config{
				StoreDriver:  lib.StoreDriverPostgres,
				DatabaseURL:  "://bad-url",
				RelayPrivKey: nostr.GeneratePrivateKey(),
				HTTPAddr:     "127.0.0.1:0",
				LogLevel:     "ERROR",
			},
		},
		{
			name: "missing relay key",
			cfg: lib.Config{
				StoreDriver: lib.StoreDriverMemory,
				HTTPAddr:    "127.0.0.1:0",
				LogLevel:    "ERROR",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := api.NewServer(context.Background(), tc.cfg); err == nil {
				t.Fatalf("expected NewServer to fail with invalid config")
			}
		})
	}
}
