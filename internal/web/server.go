// Package web provides an HTTP status server for the heating controller.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/heating-controller/internal/history"
	"github.com/sweeney/heating-controller/internal/predict"
	"github.com/sweeney/heating-controller/internal/schedule"
	"github.com/sweeney/heating-controller/internal/status"
)

// Learning reports the learning state of a room.
type Learning interface {
	RoomStatistics(room string) (history.Statistics, bool)
	ModelInfo(room string) predict.Info
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	learning   Learning
}

// New creates a Server that reads state from the given tracker. learning
// and metrics may be nil.
func New(addr string, tracker *status.Tracker, learning Learning, metrics http.Handler) *Server {
	s := &Server{tracker: tracker, learning: learning}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/rooms/{room}", s.handleRoom)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	name := schedule.ShortRoom(chi.URLParam(r, "room"))
	room, ok := s.tracker.Snapshot().Room(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(formatRoom(room, s.learning))
}
