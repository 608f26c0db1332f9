// Package pubsub carries room frames between broker instances.
//
// Every instance publishes what its connections send and receives everything
// published, including its own messages, then delivers locally through its switch.
package pubsub

import (
	"context"
	"errors"

	"github.com/adwski/objectsync/backend/model"
)

const (
	DefaultChannel = "objsync.rooms"
)

var (
	ErrConnect          = errors.New("unable to connect to bus")
	ErrSubscribe        = errors.New("unable to subscribe")
	ErrPublish          = errors.New("unable to publish")
	ErrSubscriptionLost = errors.New("bus subscription lost")
)

// Handler receives every delivery published on the bus.
type Handler func(ctx context.Context, d *model.Delivery)
