package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JoilsonLima1/foodhub09-sub007/server/relay"
	"github.com/JoilsonLima1/foodhub09-sub007/server/storage"
)

func TestRunHashKey(t *testing.T) {
	t.Parallel()

	const key = "operator-key-for-tests-0001"
	var out bytes.Buffer
	if err := runHashKey(strings.NewReader(key+"\n"), &out); err != nil {
		t.Fatalf("runHashKey() = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash = %q", hash)
	}

	// The printed hash must authenticate the key against a relay.
	srv, err := relay.New(relay.Options{
		Store:        storage.NewMemoryStore(),
		OperatorKeys: map[string]string{"tenant-a": hash},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	defer srv.Run(ctx)

	for _, tc := range []struct {
		key  string
		want int
	}{
		{key, http.StatusOK},
		{key + "x", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/agents", nil)
		req.Header.Set("X-Tenant-ID", "tenant-a")
		req.Header.Set("Authorization", "Bearer "+tc.key)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("GET /agents with key %q = %d, want %d", tc.key, rec.Code, tc.want)
		}
	}
}

func TestRunHashKeyRejectsShortKeys(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	for _, in := range []string{"", "short\n", "   padded    \n"} {
		if err := runHashKey(strings.NewReader(in), &out); err == nil {
			t.Errorf("runHashKey(%q) should fail", in)
		}
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed for rejected keys, got %q", out.String())
	}
}

func TestServiceCommandValidation(t *testing.T) {
	t.Parallel()

	err := handleServiceCommand("restart-everything", "")
	if err == nil || !strings.Contains(err.Error(), "unknown service command") {
		t.Fatalf("handleServiceCommand() = %v", err)
	}

	cfg := getServiceConfig("relay.toml")
	if cfg.Name != serviceName {
		t.Errorf("service name = %q", cfg.Name)
	}
	args := strings.Join(cfg.Arguments, " ")
	if !strings.HasPrefix(args, "--service run --config ") || !strings.HasSuffix(args, "relay.toml") {
		t.Errorf("service arguments = %q", args)
	}
	if got := getServiceConfig("").Arguments; len(got) != 2 {
		t.Errorf("arguments without config = %v", got)
	}
}
