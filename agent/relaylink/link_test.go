package relaylink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/agents/stream"
}

func fastOptions(url string) Options {
	return Options{
		URL:            url,
		Secret:         "s3cret",
		DeviceID:       "dev-1",
		Version:        "1.0.0",
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnect:   50 * time.Millisecond,
		PingInterval:   time.Second,
	}
}

func readResult(t *testing.T, conn *ws.Conn) (*ws.Message, ws.CommandResult) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := conn.ReadEnvelope()
		if err != nil {
			t.Errorf("read: %v", err)
			return nil, ws.CommandResult{}
		}
		if msg.Type != ws.MessageTypeCommandResult {
			continue
		}
		var res ws.CommandResult
		if err := msg.Decode(&res); err != nil {
			t.Errorf("decode: %v", err)
		}
		return msg, res
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	printFn := func(context.Context, receipt.Job) ws.CommandResult { return ws.CommandResult{} }
	if _, err := New(Options{Secret: "x", Print: printFn}); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := New(Options{URL: "ws://x", Print: printFn}); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := New(Options{URL: "ws://x", Secret: "x"}); err == nil {
		t.Error("expected error without print handler")
	}
}

func TestPrintThenRemoteUnpair(t *testing.T) {
	t.Parallel()

	served := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(served)
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := ws.UpgradeHTTP(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		hello, err := conn.ReadEnvelope()
		if err != nil || hello.Type != ws.MessageTypeHello {
			t.Errorf("expected hello, got %+v %v", hello, err)
			return
		}
		var h ws.Hello
		if err := hello.Decode(&h); err != nil || h.DeviceID != "dev-1" || h.AgentVersion != "1.0.0" {
			t.Errorf("hello = %+v %v", h, err)
		}

		job := receipt.Job{PaperWidth: 80, Lines: []receipt.Line{{Type: receipt.LineText, Value: "Pedido #42"}}}
		cmd, _ := ws.NewMessage(ws.MessageTypePrint, "job-1", job)
		conn.WriteMessage(cmd, time.Second)
		msg, res := readResult(t, conn)
		if msg == nil || msg.ID != "job-1" || !res.Success || res.Printer != "Caixa" {
			t.Errorf("print result = %+v %+v", msg, res)
		}

		bad := &ws.Message{Type: ws.MessageTypePrint, ID: "job-2"}
		conn.WriteMessage(bad, time.Second)
		msg, res = readResult(t, conn)
		if msg == nil || msg.ID != "job-2" || res.Success || res.Code != "VALIDATION_ERROR" {
			t.Errorf("malformed result = %+v %+v", msg, res)
		}

		unpair, _ := ws.NewMessage(ws.MessageTypeUnpair, "u-1", ws.Unpair{Reason: "removed from dashboard"})
		conn.WriteMessage(unpair, time.Second)
		msg, res = readResult(t, conn)
		if msg == nil || msg.ID != "u-1" || !res.Success {
			t.Errorf("unpair result = %+v %+v", msg, res)
		}
	}))
	defer srv.Close()

	var printed atomic.Int32
	var reason atomic.Value
	opts := fastOptions(wsURL(srv))
	opts.Print = func(_ context.Context, job receipt.Job) ws.CommandResult {
		printed.Add(1)
		if len(job.Lines) != 1 || job.Lines[0].Value != "Pedido #42" || job.PaperWidth != 80 {
			t.Errorf("job = %+v", job)
		}
		return ws.CommandResult{Success: true, Printer: "Caixa"}
	}
	opts.OnRevoked = func(_ context.Context, r string) { reason.Store(r) }
	l, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Run = %v, want ErrRevoked", err)
	}
	<-served
	if printed.Load() != 1 {
		t.Errorf("printed %d jobs", printed.Load())
	}
	if got, _ := reason.Load().(string); got != "removed from dashboard" {
		t.Errorf("revocation reason = %q", got)
	}
	if l.Connected() {
		t.Error("link should report disconnected")
	}
}

func TestUnauthorizedHandshakeRevokes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	var revoked atomic.Int32
	opts := fastOptions(wsURL(srv))
	opts.Print = func(context.Context, receipt.Job) ws.CommandResult { return ws.CommandResult{} }
	opts.OnRevoked = func(context.Context, string) { revoked.Add(1) }
	l, _ := New(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Run = %v", err)
	}
	if revoked.Load() != 1 {
		t.Errorf("OnRevoked ran %d times", revoked.Load())
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	third := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n == 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := ws.UpgradeHTTP(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.ReadEnvelope(); err != nil {
			return
		}
		if n == 1 {
			conn.WriteClose("bye", time.Second)
			return
		}
		close(third)
		// Hold the connection until the client goes away.
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := fastOptions(wsURL(srv))
	opts.Print = func(context.Context, receipt.Job) ws.CommandResult { return ws.CommandResult{} }
	l, _ := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	select {
	case <-third:
	case <-time.After(5 * time.Second):
		t.Fatalf("no third connection, dials = %d", dials.Load())
	}
	deadline := time.Now().Add(2 * time.Second)
	for !l.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !l.Connected() {
		t.Error("link should be connected")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
