package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// featureLink carries the session handshake.
const featureLink Feature = "link"

// frame is one newline-delimited JSON object on the wire.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Feature Feature         `json:"feature"`
	Command string          `json:"command,omitempty"`
	Args    map[string]any  `json:"args,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type openReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// StreamLink runs the device protocol over a byte stream: one JSON frame
// per line in each direction.
type StreamLink struct {
	dial     func() (io.ReadWriteCloser, error)
	registry *Registry
	logger   *slog.Logger

	lifecycleMu sync.Mutex
	rwc         io.ReadWriteCloser
	done        chan struct{}
	closeOnce   sync.Once
	open        bool
	wg          sync.WaitGroup

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onEvent   func(Event)
	onClosed  func(error)
}

// NewStreamLink creates a link that calls dial on Open.
func NewStreamLink(dial func() (io.ReadWriteCloser, error), registry *Registry, logger *slog.Logger) *StreamLink {
	return &StreamLink{
		dial:     dial,
		registry: registry,
		logger:   logger,
	}
}

func (l *StreamLink) OnEvent(handler func(Event)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.onEvent = handler
}

func (l *StreamLink) OnClosed(handler func(error)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.onClosed = handler
}

// Open dials the stream and performs the handshake.
func (l *StreamLink) Open(ctx context.Context, password string) error {
	rwc, err := l.dial()
	if err != nil {
		return fmt.Errorf("link open: %w", err)
	}

	done := make(chan struct{})
	replies := make(chan openReply, 1)
	l.lifecycleMu.Lock()
	l.rwc = rwc
	l.done = done
	l.closeOnce = sync.Once{}
	l.open = true
	l.lifecycleMu.Unlock()

	l.wg.Add(1)
	go l.readLoop(rwc, done, replies)

	if err := l.write(frame{Feature: featureLink, Command: "open", Args: map[string]any{"password": password}}); err != nil {
		l.Close()
		return fmt.Errorf("link open: %w", err)
	}

	select {
	case r := <-replies:
		if r.Accepted {
			l.logger.Debug("link opened")
			return nil
		}
		l.Close()
		if r.Reason == "bad_password" {
			return ErrBadPassword
		}
		return fmt.Errorf("%w: %s", ErrRefused, r.Reason)
	case <-done:
		return fmt.Errorf("link open: %w", ErrClosed)
	case <-ctx.Done():
		l.Close()
		return ctx.Err()
	}
}

// Send writes cmd. It returns false when the link is not open or the write
// fails.
func (l *StreamLink) Send(cmd Command) bool {
	err := l.write(frame{ID: cmd.ID.String(), Feature: cmd.Feature, Command: cmd.Name, Args: cmd.Args})
	if err != nil {
		l.logger.Debug("command not sent", "feature", cmd.Feature, "command", cmd.Name, "err", err)
		return false
	}
	return true
}

func (l *StreamLink) write(f frame) error {
	l.lifecycleMu.Lock()
	rwc, open := l.rwc, l.open
	l.lifecycleMu.Unlock()
	if !open {
		return ErrClosed
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err = rwc.Write(b)
	return err
}

// Close shuts the link down and waits for the reader to exit. Closing an
// already closed link does nothing.
func (l *StreamLink) Close() error {
	l.lifecycleMu.Lock()
	if !l.open {
		l.lifecycleMu.Unlock()
		return nil
	}
	l.open = false
	l.closeOnce.Do(func() { close(l.done) })
	err := l.rwc.Close()
	l.lifecycleMu.Unlock()

	l.wg.Wait()
	return err
}

func (l *StreamLink) readLoop(rwc io.ReadWriteCloser, done chan struct{}, replies chan openReply) {
	defer l.wg.Done()

	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var f frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			l.logger.Warn("malformed frame", "err", err)
			continue
		}

		if f.Feature == featureLink {
			var reply openReply
			if err := json.Unmarshal(f.Data, &reply); err != nil {
				l.logger.Warn("malformed open reply", "err", err)
				continue
			}
			select {
			case replies <- reply:
			default:
			}
			continue
		}

		payload, err := l.registry.Decode(f.Feature, f.Data)
		if err != nil {
			if errors.Is(err, ErrUnknownFeature) {
				l.logger.Debug("unknown feature dropped", "feature", f.Feature)
			} else {
				l.logger.Warn("undecodable event dropped", "feature", f.Feature, "err", err)
			}
			continue
		}

		l.handlerMu.RLock()
		h := l.onEvent
		l.handlerMu.RUnlock()
		if h != nil {
			h(Event{Feature: f.Feature, Payload: payload})
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}

	select {
	case <-done:
		return
	default:
	}

	l.lifecycleMu.Lock()
	l.open = false
	l.closeOnce.Do(func() { close(done) })
	rwc.Close()
	l.lifecycleMu.Unlock()

	l.logger.Warn("link lost", "err", err)
	l.handlerMu.RLock()
	h := l.onClosed
	l.handlerMu.RUnlock()
	if h != nil {
		h(err)
	}
}
