package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/objectsync/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout     = 3 * time.Second
	defaultWriteDeadline        = 5 * time.Second
	defaultCloseWriteDeadline   = 2 * time.Second
	defaultPongWait             = 15 * time.Second
	defaultWebSocketMaxMessage  = 1 << 20
	defaultWebsocketBufferSizes = 16 << 10
)

var (
	ErrDial = errors.New("unable to connect to broker")
)

type Config struct {
	// URL of the broker websocket endpoint, e.g. ws://localhost:3000/ws.
	URL string
	// Participant is the requested identity. Empty lets the broker assign one.
	Participant string
	Transport   *Transport
	Logger      *zerolog.Logger
}

// Conn pumps frames between a Transport and a broker websocket.
type Conn struct {
	ws        *websocket.Conn
	t         *Transport
	logger    zerolog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the broker and attaches the connection to cfg.Transport.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	if cfg.Participant != "" {
		q := u.Query()
		q.Set("participant", cfg.Participant)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketBufferSizes,
		WriteBufferSize:  defaultWebsocketBufferSizes,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		t:      cfg.Transport,
		logger: logger.With().Str("component", "transport").Str("url", u.String()).Logger(),
		cancel: cancel,
	}
	c.t.Attach(c)

	c.wg.Add(2)
	go c.receive(cctx)
	go c.send(cctx)
	c.logger.Debug().Msg("connected")
	return c, nil
}

// Close shuts the socket without flushing pending outbound frames.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()
		deadline := time.Now().Add(defaultCloseWriteDeadline)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if wsErr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); wsErr != nil {
			c.logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
		err = c.ws.Close()
		c.wg.Wait()
		c.logger.Debug().Msg("closed")
	})
	return err
}

func (c *Conn) send(ctx context.Context) {
	defer c.wg.Done()
	out := c.t.Outbound()
	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Ready():
			for _, f := range out.Drain() {
				if err := c.write(f); err != nil {
					c.logger.Error().Err(err).Msg("failed to write outgoing frame")
					// unblocks the receiver, which reports the loss
					_ = c.ws.Close()
					return
				}
			}
		}
	}
}

func (c *Conn) write(f *protocol.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) receive(ctx context.Context) {
	defer c.wg.Done()

	c.ws.SetReadLimit(defaultWebSocketMaxMessage)
	extend := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	c.ws.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
	})
	if err := extend(); err != nil {
		c.lost(err)
		return
	}

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.lost(err)
			}
			return
		}
		f, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.t.Deliver(f)
	}
}

// lost reports an unexpected socket failure to the engine through the inbound queue.
func (c *Conn) lost(err error) {
	if c.closing.Load() {
		return
	}
	c.logger.Warn().Err(err).Msg("connection lost")
	c.t.Detach()
	c.t.Deliver(&protocol.Frame{Event: protocol.EventConnectionLost, Reason: err.Error()})
	c.cancel()
	_ = c.ws.Close()
}
