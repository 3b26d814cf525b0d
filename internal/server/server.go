package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"wormflow/internal/pipeline"
	"wormflow/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes pipeline status over HTTP: recent jobs, discovered
// acquisitions, summary counts, and two live result feeds (SSE and
// websocket) for the lab dashboard.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	server   *http.Server
	hub      *wsHub
	upgrader websocket.Upgrader
}

// NewServer creates a status server.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newWSHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/acquisitions", s.handleAcquisitions).Methods("GET")
	r.HandleFunc("/summary", s.handleSummary).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go s.hub.run(ctx)
	go s.feedHub(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve runs a status server until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleAcquisitions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Acquisitions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	worms, fovs, err := s.store.SummaryCounts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"worm_summaries": worms,
		"fov_summaries":  fovs,
	})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(resultPayload(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// feedHub forwards pipeline results to connected websocket clients.
func (s *Server) feedHub(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(resultPayload(res))
			if err != nil {
				continue
			}
			s.hub.broadcast <- payload
		}
	}
}

// resultPayload flattens a pipeline result for wire transport. Errors don't
// marshal to JSON, so they are rendered as strings.
func resultPayload(res pipeline.Result) map[string]any {
	payload := map[string]any{
		"id":    res.Job.ID,
		"type":  string(res.Job.Type),
		"input": res.Job.InputPath,
		"meta":  res.Meta,
	}
	if res.Error != nil {
		payload["error"] = res.Error.Error()
	}
	return payload
}

// wsHub tracks websocket clients and fans broadcast messages out to them.
type wsHub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func newWSHub(log *slog.Logger) *wsHub {
	return &wsHub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
