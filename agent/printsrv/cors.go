package printsrv

import (
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may call the API.
type originPolicy struct {
	exact     map[string]bool
	wildcards []string // "https://*.example.com" is kept as "https://.example.com"
	dev       bool
}

func newOriginPolicy(allowed []string, dev bool) originPolicy {
	p := originPolicy{exact: make(map[string]bool), dev: dev}
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "" {
			continue
		}
		if i := strings.Index(o, "://*."); i > 0 {
			p.wildcards = append(p.wildcards, o[:i+3]+o[i+4:])
			continue
		}
		p.exact[o] = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	o := strings.ToLower(strings.TrimRight(origin, "/"))
	if p.exact[o] {
		return true
	}
	u, err := url.Parse(o)
	if err != nil || u.Host == "" {
		return false
	}
	for _, w := range p.wildcards {
		scheme, suffix, _ := strings.Cut(w, "://")
		if u.Scheme == scheme && strings.HasSuffix(u.Host, suffix) {
			return true
		}
	}
	if p.dev && u.Scheme == "http" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}

// cors echoes allowed origins and answers preflights. Requests without an
// Origin header come from local tools and pass through.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		if !s.origins.allows(origin) {
			s.log.Debug("Rejected request from origin", "origin", origin, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, CodeForbiddenOrig, "origin not allowed")
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			// Chrome asks before a public page may reach a loopback address.
			if r.Header.Get("Access-Control-Request-Private-Network") == "true" {
				h.Set("Access-Control-Allow-Private-Network", "true")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
