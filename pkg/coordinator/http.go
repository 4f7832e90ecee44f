package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oddcrate/twopc/pkg/compression"
)

// HTTPServer is the coordinator's optional, read-only observability
// surface (SPEC_FULL §4.6). It never mutates coordinator state; tx/crash/
// recover remain operator-shell-only.
type HTTPServer struct {
	Coord     *Coordinator
	startedAt time.Time

	router  *chi.Mux
	httpSrv *http.Server

	broadcaster *broadcaster
}

// NewHTTPServer builds the router and installs a broadcaster as the
// coordinator's EventSink so /_events can tap state transitions live.
func NewHTTPServer(coord *Coordinator) *HTTPServer {
	b := newBroadcaster()
	coord.SetEventSink(b)

	s := &HTTPServer{
		Coord:       coord,
		startedAt:   time.Now(),
		router:      chi.NewRouter(),
		broadcaster: b,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Get("/_health", s.handleHealth)
	s.router.Get("/_participants", s.handleParticipants)
	s.router.Get("/_transactions", s.handleTransactions)
	s.router.Get("/_history", s.handleHistory)
	s.router.Get("/_events", s.broadcaster.handleWebSocket)

	return s
}

// ListenAndServe starts the HTTP surface on addr; it blocks until Stop is
// called (via Shutdown) or the listener fails.
func (s *HTTPServer) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP surface.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.broadcaster.closeAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"crashed":        s.Coord.Crashed(),
	})
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Coord.Participants())
}

func (s *HTTPServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Coord.Transactions())
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(s.Coord.History())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch negotiateEncoding(r.Header.Get("Accept-Encoding")) {
	case "zstd":
		writeCompressed(w, body, compression.ZstdConfig(3), "zstd")
	case "gzip":
		writeCompressed(w, body, compression.GzipConfig(6), "gzip")
	case "snappy":
		writeCompressed(w, body, compression.SnappyConfig(), "snappy")
	default:
		w.Write(body)
	}
}

// negotiateEncoding picks an encoding this handler supports from the
// client's Accept-Encoding header by a fixed preference: zstd, then gzip,
// then snappy (snappy trades ratio for speed, so it's the last resort
// rather than the default). The client's order and q-values are ignored.
func negotiateEncoding(acceptEncoding string) string {
	lower := strings.ToLower(acceptEncoding)
	switch {
	case strings.Contains(lower, "zstd"):
		return "zstd"
	case strings.Contains(lower, "gzip"):
		return "gzip"
	case strings.Contains(lower, "snappy"):
		return "snappy"
	default:
		return ""
	}
}

func writeCompressed(w http.ResponseWriter, body []byte, cfg *compression.Config, encoding string) {
	c, err := compression.NewCompressor(cfg)
	if err != nil {
		w.Write(body)
		return
	}
	defer c.Close()
	compressed, err := c.Compress(body)
	if err != nil {
		w.Write(body)
		return
	}
	w.Header().Set("Content-Encoding", encoding)
	w.Write(compressed)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
