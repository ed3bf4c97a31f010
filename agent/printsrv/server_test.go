package printsrv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/certs"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/pairing"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/presence"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printers"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printqueue"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
)

type recordingTransport struct {
	name string
	err  error

	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransport) Name() string    { return r.name }
func (r *recordingTransport) Available() bool { return true }

func (r *recordingTransport) Send(_ context.Context, _ printers.Printer, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte(nil), data...))
	return r.err
}

func (r *recordingTransport) bytesSent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.sent {
		n += len(b)
	}
	return n
}

type fixedState pairing.State

func (s fixedState) State() pairing.State { return pairing.State(s) }

type fakeRenderer struct {
	out printers.Outcome
	err error
}

func (f fakeRenderer) Render(context.Context, receipt.Job) (printers.Outcome, error) {
	return f.out, f.err
}

func newPrintServer(t *testing.T, list []printers.Printer, tr *recordingTransport, opts Options) *Server {
	t.Helper()
	reg := printers.NewRegistry(printers.RegistryOptions{}, printers.StaticDetector{Printers: list})
	_ = reg.Refresh(context.Background())
	opts.Renderer = printers.NewRenderer(reg, printers.RendererOptions{
		Transports: map[string]printers.Transport{tr.name: tr},
	})
	opts.Printers = reg
	s, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, ws.CommandResult) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var res ws.CommandResult
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &res)
	}
	return rec, res
}

const pedido42 = `{"lines":[{"type":"text","value":"Pedido #42"},{"type":"cut"}],"larguraDoPapel":80,"nomeDaImpressora":"Caixa"}`

var caixa = printers.Printer{Name: "Caixa", Transport: printers.TransportTCP, Address: "192.0.2.10:9100", Profile: printers.ProfileESCPOS}

func TestPrintPedido42(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP}
	s := newPrintServer(t, []printers.Printer{caixa}, tr, Options{})

	rec, res := do(t, s.Handler(), http.MethodPost, "/print", pedido42, nil)
	if rec.Code != http.StatusOK || !res.Success || res.Printer != "Caixa" || len(res.Warnings) != 0 {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	want := "\x1b@\x1bt\x13Pedido #42\n\x1bd\x04\x1dV\x01"
	if len(tr.sent) != 1 || string(tr.sent[0]) != want {
		t.Errorf("sent %q, want %q", tr.sent, want)
	}
}

func TestPrintRejectsMalformedJobWithoutPrinting(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP}
	s := newPrintServer(t, []printers.Printer{caixa}, tr, Options{})

	bodies := []string{
		`{"lines":[{"type":"text","value":"ok"},{"type":"barcode","value":"123"}],"larguraDoPapel":80}`,
		`{"lines":[],"larguraDoPapel":80}`,
		`{"lines":[{"type":"text","value":"x"}],"larguraDoPapel":70}`,
		`{"lines":[{"type":"text"`,
		``,
	}
	for _, b := range bodies {
		rec, res := do(t, s.Handler(), http.MethodPost, "/print", b, nil)
		if rec.Code != http.StatusBadRequest || res.Code != CodeValidation || res.Success || res.Message == "" {
			t.Errorf("body %q: status %d %s", b, rec.Code, rec.Body.String())
		}
	}
	if n := tr.bytesSent(); n != 0 {
		t.Errorf("%d bytes reached the printer", n)
	}
}

func TestPrintDefaultsPaperWidth(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP}
	s := newPrintServer(t, []printers.Printer{caixa}, tr, Options{DefaultPaperWidth: 58})

	rec, _ := do(t, s.Handler(), http.MethodPost, "/print", `{"lines":[{"type":"separator"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(string(tr.sent[0]), strings.Repeat("-", 32)+"\n") || strings.Contains(string(tr.sent[0]), strings.Repeat("-", 33)) {
		t.Errorf("expected a 32-column rule, got %q", tr.sent[0])
	}
}

func TestPrintUnknownPrinterWarns(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP}
	s := newPrintServer(t, []printers.Printer{caixa}, tr, Options{})

	body := strings.Replace(pedido42, `"Caixa"`, `"Bar"`, 1)
	rec, res := do(t, s.Handler(), http.MethodPost, "/print", body, nil)
	if rec.Code != http.StatusOK || res.Printer != "Caixa" || len(res.Warnings) == 0 {
		t.Errorf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPrintErrorCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no printer", printers.ErrNoPrinter, http.StatusServiceUnavailable, CodeAgentOffline},
		{"backend", fmt.Errorf("%w: winspool", printers.ErrBackendUnavailable), http.StatusServiceUnavailable, CodeAgentOffline},
		{"io", &printers.PrintError{Printer: "Caixa", Transport: "tcp", Err: errors.New("connection refused")}, http.StatusBadGateway, CodePrintError},
		{"timeout", printqueue.ErrTimeout, http.StatusGatewayTimeout, CodePrintError},
		{"removed", printqueue.ErrPrinterRemoved, http.StatusBadGateway, CodePrintError},
	}
	for _, tc := range cases {
		var notified []string
		s, _ := New(Options{
			Renderer:     fakeRenderer{out: printers.Outcome{Printer: "Caixa"}, err: tc.err},
			OnPrintError: func(p string, _ error) { notified = append(notified, p) },
		})
		rec, res := do(t, s.Handler(), http.MethodPost, "/print", pedido42, nil)
		if rec.Code != tc.status || res.Code != tc.code || res.Success {
			t.Errorf("%s: status %d body %s", tc.name, rec.Code, rec.Body.String())
		}
		if len(notified) != 1 {
			t.Errorf("%s: OnPrintError called %d times", tc.name, len(notified))
		}
	}
}

func TestPrintTransportFailure(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP, err: errors.New("connection refused")}
	s := newPrintServer(t, []printers.Printer{caixa}, tr, Options{})
	rec, res := do(t, s.Handler(), http.MethodPost, "/print", pedido42, nil)
	if rec.Code != http.StatusBadGateway || res.Code != CodePrintError || !strings.Contains(res.Message, "connection refused") {
		t.Errorf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPrintNoPrinters(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP}
	s := newPrintServer(t, nil, tr, Options{})
	rec, res := do(t, s.Handler(), http.MethodPost, "/print", pedido42, nil)
	if rec.Code != http.StatusServiceUnavailable || res.Code != CodeAgentOffline {
		t.Errorf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestNotAgentMode(t *testing.T) {
	t.Parallel()

	s, _ := New(Options{})
	rec, res := do(t, s.Handler(), http.MethodPost, "/print", pedido42, nil)
	if rec.Code != http.StatusConflict || res.Code != CodeNotAgentMode {
		t.Errorf("status %d body %s", rec.Code, rec.Body.String())
	}

	// Plain HTTP with TLS required: health answers, printing is off.
	s, _ = New(Options{RequireTLS: true, Renderer: fakeRenderer{}})
	if s.PrintingEnabled() {
		t.Fatal("printing should be disabled without a certificate")
	}
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health status %d", rec.Code)
	}
	if rec, res := do(t, s.Handler(), http.MethodPost, "/print", pedido42, nil); rec.Code != http.StatusConflict || res.Code != CodeNotAgentMode {
		t.Errorf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHealthReportsPairing(t *testing.T) {
	t.Parallel()

	s, _ := New(Options{Version: "1.2.3", Pairing: fixedState(pairing.StatePaired), Renderer: fakeRenderer{}})
	rec, _ := do(t, s.Handler(), http.MethodGet, "/health", "", nil)
	var h healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || h.Status != "ok" || h.Version != "1.2.3" || !h.Paired || h.PairingState != "PAIRED" || h.TLS || !h.Printing {
		t.Errorf("health = %+v", h)
	}
}

type fixedHeartbeat struct {
	st presence.Status
	ok bool
}

func (h fixedHeartbeat) HeartbeatStatus() (presence.Status, bool) { return h.st, h.ok }

func TestHealthReportsRelayAndPrinters(t *testing.T) {
	t.Parallel()

	reg := printers.NewRegistry(printers.RegistryOptions{}, printers.StaticDetector{Printers: []printers.Printer{caixa}})
	q := printqueue.New(printqueue.Options{})
	defer q.Close()
	beat := fixedHeartbeat{ok: true, st: presence.Status{
		LastSuccess:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RelayStatus:   "online",
		LatestVersion: "1.5.0",
	}}
	s, err := New(Options{Printers: reg, Heartbeat: beat, Queue: q, Pairing: fixedState(pairing.StatePaired)})
	if err != nil {
		t.Fatal(err)
	}

	health := func() healthResponse {
		t.Helper()
		rec, _ := do(t, s.Handler(), http.MethodGet, "/health", "", nil)
		var h healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
			t.Fatal(err)
		}
		return h
	}

	h := health()
	if h.PrintersRefreshed != nil || h.ActivePrinters != 0 {
		t.Errorf("before discovery: refreshed=%v active=%d", h.PrintersRefreshed, h.ActivePrinters)
	}
	if h.Relay == nil || h.Relay.RelayStatus != "online" || h.Relay.LatestVersion != "1.5.0" || !h.Relay.LastSuccess.Equal(beat.st.LastSuccess) {
		t.Errorf("relay = %+v", h.Relay)
	}

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := q.Do(context.Background(), "Caixa", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	h = health()
	if h.PrintersRefreshed == nil || !h.PrintersRefreshed.Equal(reg.LastRefresh()) {
		t.Errorf("printers_refreshed_at = %v, want %v", h.PrintersRefreshed, reg.LastRefresh())
	}
	if h.ActivePrinters != 1 {
		t.Errorf("active_printers = %d", h.ActivePrinters)
	}
}

func TestHealthWithoutSession(t *testing.T) {
	t.Parallel()

	s, _ := New(Options{Heartbeat: fixedHeartbeat{}})
	rec, _ := do(t, s.Handler(), http.MethodGet, "/health", "", nil)
	if strings.Contains(rec.Body.String(), `"relay"`) {
		t.Errorf("relay block should be omitted without a session: %s", rec.Body.String())
	}
}

func TestPrintersEndpoint(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{name: printers.TransportTCP}
	cozinha := caixa
	cozinha.Name = "Cozinha"
	cozinha.Default = true
	s := newPrintServer(t, []printers.Printer{caixa, cozinha}, tr, Options{})

	rec, _ := do(t, s.Handler(), http.MethodGet, "/printers", "", nil)
	var resp printersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Default != "Cozinha" || len(resp.Printers) != 2 || resp.Printers[0].Name != "Caixa" {
		t.Errorf("printers = %+v", resp)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	s, _ := New(Options{
		AllowedOrigins:  []string{"https://app.foodhub09.com.br/", "https://*.lovable.app"},
		AllowDevOrigins: true,
		Renderer:        fakeRenderer{},
	})
	h := s.Handler()

	allowed := []string{"https://app.foodhub09.com.br", "https://preview-1.lovable.app", "http://localhost:5173", "http://127.0.0.1:8080"}
	for _, o := range allowed {
		rec, _ := do(t, h, http.MethodGet, "/health", "", map[string]string{"Origin": o})
		if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != o {
			t.Errorf("origin %s: status %d acao %q", o, rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
		}
	}

	denied := []string{"https://evil.example", "http://app.foodhub09.com.br", "https://lovable.app.evil.example", "http://localhost.evil.example"}
	for _, o := range denied {
		rec, res := do(t, h, http.MethodPost, "/print", pedido42, map[string]string{"Origin": o})
		if rec.Code != http.StatusForbidden || res.Code != CodeForbiddenOrig || rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("origin %s: status %d", o, rec.Code)
		}
	}

	rec, _ := do(t, h, http.MethodOptions, "/print", "", map[string]string{
		"Origin":                                 "https://app.foodhub09.com.br",
		"Access-Control-Request-Method":          "POST",
		"Access-Control-Request-Private-Network": "true",
	})
	if rec.Code != http.StatusNoContent ||
		!strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") ||
		rec.Header().Get("Access-Control-Allow-Private-Network") != "true" {
		t.Errorf("preflight: status %d headers %v", rec.Code, rec.Header())
	}

	if rec, _ := do(t, h, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("request without Origin: status %d", rec.Code)
	}

	s, _ = New(Options{AllowedOrigins: []string{"https://app.foodhub09.com.br"}})
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/health", "", map[string]string{"Origin": "http://localhost:5173"}); rec.Code != http.StatusForbidden {
		t.Errorf("dev origin without allow_dev_origins: status %d", rec.Code)
	}
}

func TestHealthOverHTTPSAndRedirect(t *testing.T) {
	t.Parallel()

	tlsDir := filepath.Join(t.TempDir(), "tls")
	res, err := certs.Ensure(context.Background(), tlsDir, certs.Options{Strategies: []certs.Strategy{certs.InProcess{}}})
	if err != nil || !res.Ready {
		t.Fatalf("Ensure: %+v %v", res, err)
	}

	s, err := New(Options{CertPath: res.CertPath, KeyPath: res.KeyPath, Version: "1.0.0", Renderer: fakeRenderer{}, RequireTLS: true})
	if err != nil {
		t.Fatal(err)
	}
	if !s.TLS() || !s.PrintingEnabled() {
		t.Fatal("expected HTTPS with printing enabled")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	addr := ln.Addr().String()

	pemBytes, err := os.ReadFile(res.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		t.Fatal("cannot parse agent certificate")
	}
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get("https://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health over HTTPS: %v", err)
	}
	var h healthResponse
	_ = json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !h.TLS || h.Status != "ok" {
		t.Errorf("health: status %d body %+v", resp.StatusCode, h)
	}

	resp, err = client.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health over HTTP: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently || resp.Header.Get("Location") != "https://"+addr+"/health" {
		t.Errorf("redirect: status %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if st, code := classify(&receipt.ValidationError{Index: 0, Field: "type", Message: "bad"}); st != 400 || code != CodeValidation {
		t.Errorf("validation = %d %s", st, code)
	}
	if st, code := classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)); st != 504 || code != CodePrintError {
		t.Errorf("deadline = %d %s", st, code)
	}
}
