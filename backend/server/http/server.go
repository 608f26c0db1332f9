package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/adwski/objectsync/backend/server"
	"github.com/adwski/objectsync/protocol"
	"github.com/rs/zerolog"
)

type RoomService interface {
	ListRooms(ctx context.Context) ([]protocol.RoomInfo, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	// Metrics is served on /metrics when set.
	Metrics    http.Handler
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /healthz", healthz)
	r.HandleFunc("OPTIONS /", corsHandler)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

var preflightHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, OPTIONS"},
	{"Access-Control-Allow-Headers", "Origin, Content-Type, Accept"},
	{"Access-Control-Max-Age", "86400"},
	{"Access-Control-Allow-Credentials", "true"},
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	for _, h := range preflightHeaders {
		w.Header().Set(h[0], h[1])
	}
	w.WriteHeader(http.StatusNoContent)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (srv *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	rooms, err := srv.svc.ListRooms(r.Context())
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to list rooms")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.logger.Trace().Int("rooms", len(rooms)).Msg("rooms listed")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: rooms})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer wg.Done()
	server.Serve(ctx, srv.Server, errc, &srv.logger)
	srv.logger.Debug().Msg("api server stopped")
}
