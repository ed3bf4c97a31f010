package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://relay", "relay.example.com", "http://"} {
		if _, err := NewClient(Options{BaseURL: u}); err == nil {
			t.Errorf("NewClient(%q) should fail", u)
		}
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	c, _ := NewClient(Options{BaseURL: "https://relay.example.com/api/"})
	if got := c.StreamURL(); got != "wss://relay.example.com/api/agents/stream" {
		t.Errorf("StreamURL = %s", got)
	}
	c, _ = NewClient(Options{BaseURL: "http://127.0.0.1:8080"})
	if got := c.StreamURL(); got != "ws://127.0.0.1:8080/agents/stream" {
		t.Errorf("StreamURL = %s", got)
	}
}

func TestBeginPairingSendsNoCredentials(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pair" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("begin pairing must not send credentials")
		}
		_ = json.NewEncoder(w).Encode(PairToken{Token: "7K2M9P", ExpiresAt: exp})
	})

	tok, err := c.BeginPairing(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.Token != "7K2M9P" || !tok.ExpiresAt.Equal(exp) {
		t.Errorf("token = %+v", tok)
	}
}

func TestConfirmStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusAccepted, ErrPending},
		{http.StatusNotFound, ErrTokenNotFound},
		{http.StatusConflict, ErrTokenConsumed},
		{http.StatusGone, ErrTokenExpired},
	}
	for _, tc := range cases {
		tc := tc
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"code":"X","message":"nope"}`))
		})
		_, err := c.Confirm(context.Background(), ConfirmRequest{Token: "7K2M9P"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestConfirmSuccess(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.Token != "7K2M9P" || req.DeviceID != "dev-1" || req.DeviceName != "Caixa" || req.AgentVersion != "1.2.3" {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(ConfirmResponse{Success: true, DeviceSecret: "s3cret", TenantID: "t-1"})
	})

	resp, err := c.Confirm(context.Background(), ConfirmRequest{Token: "7K2M9P", DeviceID: "dev-1", DeviceName: "Caixa", AgentVersion: "1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DeviceSecret != "s3cret" || resp.TenantID != "t-1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(HeartbeatResponse{Status: "online", LatestVersion: "1.3.0"})
	})

	resp, err := c.Heartbeat(context.Background(), "good", HeartbeatRequest{DeviceID: "dev-1", AgentVersion: "1.2.0"})
	if err != nil || resp.LatestVersion != "1.3.0" {
		t.Fatalf("heartbeat: %+v %v", resp, err)
	}
	if _, err := c.Heartbeat(context.Background(), "revoked", HeartbeatRequest{DeviceID: "dev-1"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.Heartbeat(context.Background(), "", HeartbeatRequest{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty secret: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"INTERNAL","message":"db down"}`, http.StatusServiceUnavailable)
	})
	_, err := c.Heartbeat(context.Background(), "x", HeartbeatRequest{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 || se.Code != "INTERNAL" {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("503 should be transient")
	}

	for _, err := range []error{ErrTokenExpired, ErrTokenConsumed, ErrTokenNotFound, ErrUnauthorized, &StatusError{StatusCode: 400}, nil} {
		if IsTransient(err) {
			t.Errorf("%v should not be transient", err)
		}
	}
	if !IsTransient(errors.New("connection refused")) {
		t.Error("network errors are transient")
	}
}
