// Package link is the command channel to a device: a stream of decoded
// feature events coming in and a sink for typed commands going out.
package link

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when using a link that is not open.
	ErrClosed = errors.New("link closed")
	// ErrUnknownFeature is returned when decoding an unregistered feature.
	ErrUnknownFeature = errors.New("unknown feature")
	// ErrBadPassword is returned by Open when the device rejects the password.
	ErrBadPassword = errors.New("bad password")
	// ErrRefused is returned by Open when the device refuses the connection.
	ErrRefused = errors.New("connection refused by device")
)

// Event is a decoded field update reported by the device.
type Event struct {
	Feature Feature
	Payload any
}

// Command is a request sent to the device. Delivery is not guaranteed;
// the device echoes the resulting state through events.
type Command struct {
	ID      uuid.UUID      `json:"id"`
	Feature Feature        `json:"feature"`
	Name    string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// NewCommand builds a command with a fresh correlation id.
func NewCommand(feature Feature, name string, args map[string]any) Command {
	return Command{ID: uuid.New(), Feature: feature, Name: name, Args: args}
}

// Link is an open channel to one device.
type Link interface {
	// Open establishes the session. It blocks until the device accepts or
	// rejects it, or ctx is done.
	Open(ctx context.Context, password string) error
	Close() error
	// Send queues cmd and reports whether it was accepted for delivery.
	// It never blocks on the device.
	Send(cmd Command) bool
	OnEvent(handler func(Event))
	// OnClosed is called once when the link goes down without Close.
	OnClosed(handler func(error))
}
