package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/server"
	"github.com/adwski/objectsync/backend/service"
	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize     = 16 << 10
	defaultWebsocketWriteBufferSize    = 16 << 10
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	maxParticipantLength = 64

	defaultDrainTimeout = 10 * time.Second
)

type (
	Broker interface {
		Connect(ctx context.Context, participant string, wire model.Wire) (*service.Session, error)
		Serve(ctx context.Context, sess *service.Session)
	}

	Config struct {
		Logger     *zerolog.Logger
		Broker     Broker
		ListenAddr string
		// DrainTimeout bounds how long Run waits for sessions to clean up after shutdown.
		DrainTimeout time.Duration
	}

	Server struct {
		svc Broker
		ws  *websocket.Upgrader
		*http.Server

		// connections outlive their upgrade request and end with this context
		connCtx context.Context
		// hijacked connections are invisible to http.Server.Shutdown
		sessions     sync.WaitGroup
		drainTimeout time.Duration
		logger       zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:          cfg.Broker,
		connCtx:      context.Background(),
		drainTimeout: cfg.DrainTimeout,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	if srv.drainTimeout <= 0 {
		srv.drainTimeout = defaultDrainTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.connect)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer wg.Done()
	srv.connCtx = ctx
	server.Serve(ctx, srv.Server, errc, &srv.logger)
	srv.drain()
	srv.logger.Debug().Msg("websocket server stopped")
}

// drain waits until every session has run its disconnect cleanup.
func (srv *Server) drain() {
	done := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(srv.drainTimeout):
		srv.logger.Warn().Dur("timeout", srv.drainTimeout).Msg("sessions still running after shutdown")
	}
}

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	// registered while the request is still tracked by Shutdown
	srv.sessions.Add(1)
	handedOff := false
	defer func() {
		if !handedOff {
			srv.sessions.Done()
		}
	}()

	participant := r.URL.Query().Get("participant")
	if participant == "" {
		participant = uuid.NewString()
	} else if !validParticipant(participant) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wire := model.NewWire()
	sess, err := srv.svc.Connect(r.Context(), participant, wire)
	if err != nil {
		srv.logger.Error().Err(err).Str("participant", participant).Msg("failed to create session")
		if errors.Is(err, service.ErrParticipantExists) {
			w.WriteHeader(http.StatusConflict)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living wire context

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		close(wire.RX)
		close(wire.Done)
		srv.svc.Serve(ctx, sess)
		cancel()
		return
	}
	srv.logger.Debug().
		Str("participant", participant).
		Str("remote", r.RemoteAddr).
		Msg("session created")

	handedOff = true
	go srv.handleWSConn(ctx, cancel, conn, sess, wire)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sess *service.Session,
	wire model.Wire,
) {
	defer srv.sessions.Done()
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("participant", sess.ID()).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire, &logger)
		cancel()
	}()

	srv.svc.Serve(ctx, sess)
	cancel()
	wg.Wait()
	logger.Debug().Msg("session ended")
}

// webSocketSender owns every data write to conn. It closes the connection when it stops.
func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		close(wire.Done)
		webSocketCloser(conn, logger)
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(defaultWebSocketWriteDeadline)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Error().Err(err).Msg("ping failed")
				return
			}
			logger.Trace().Msg("ping sent")
		case f := <-wire.TX:
			if err := writeFrame(conn, f); err != nil {
				if errors.Is(err, errEncode) {
					logger.Error().Err(err).Str("event", string(f.Event)).Msg("skipping frame")
					continue
				}
				logger.Error().Err(err).Msg("failed to write outgoing frame")
				return
			}
			logger.Trace().Str("event", string(f.Event)).Msg("frame sent")
		}
	}
}

var errEncode = errors.New("cannot encode frame")

func writeFrame(conn *websocket.Conn, f *protocol.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Join(errEncode, err)
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// webSocketReceiver passes raw text messages to rx and closes it when the socket is done.
// Any inbound traffic, pongs included, extends the read deadline.
func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- []byte,
	logger *zerolog.Logger,
) {
	defer func() {
		close(rx)
		wg.Done()
	}()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	alive := func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	conn.SetPongHandler(alive)
	if err := alive(""); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		switch {
		case err == nil:
		case ctx.Err() != nil:
			logger.Debug().Msg("receiver stopped")
			return
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			logger.Debug().Err(err).Msg("peer closed connection")
			return
		default:
			logger.Warn().Err(err).Msg("receive failed")
			return
		}
		if msgType != websocket.TextMessage {
			logger.Warn().Int("type", msgType).Msg("dropping non-text message")
			continue
		}
		if err = alive(""); err != nil {
			logger.Error().Err(err).Msg("failed to extend read deadline")
			return
		}
		select {
		case rx <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(defaultWebSocketCloseWriteDeadline)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		logger.Debug().Err(err).Msg("close message not delivered")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}

func validParticipant(id string) bool {
	if len(id) > maxParticipantLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

var _ Broker = (*service.Service)(nil)
