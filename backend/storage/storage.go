// Package storage holds what every room store implementation shares.
package storage

import "errors"

var (
	ErrRoomIsFull = errors.New("room is full")
)
