// Package server holds the listener lifecycle shared by the API and websocket servers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const shutdownDeadline = 10 * time.Second

var ErrUnexpected = errors.New("unexpected server error")

// Serve listens until ctx is done and then shuts srv down gracefully.
// A listener failure is reported on errc instead.
func Serve(ctx context.Context, srv *http.Server, errc chan<- error, logger *zerolog.Logger) {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", srv.Addr).Msg("listening")

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
		return
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
