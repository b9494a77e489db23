// Package relay forwards a chat request to a completion service and streams the
// generated fragments back to one client connection as frames.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// DefaultTimeout bounds a single completion request.
const DefaultTimeout = 120 * time.Second

// ErrBusy is returned when a request arrives while the session is streaming.
var ErrBusy = errors.New("relay: stream in progress")

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stream yields content fragments. Recv returns io.EOF once the completion has ended.
// Close releases the underlying request and may be called at any point.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Completer opens a streaming completion for a message list.
type Completer interface {
	StreamCompletion(ctx context.Context, messages []models.ChatMessage) (Stream, error)
}

// FrameSink delivers frames to the client.
type FrameSink interface {
	Send(frame models.Frame) error
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(frame models.Frame) error

// Send calls f.
func (f SinkFunc) Send(frame models.Frame) error { return f(frame) }

// Session relays requests for one client connection, one at a time.
type Session struct {
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger
	state     atomic.Int32
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds each request. d <= 0 disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession returns an idle Session.
func NewSession(completer Completer, opts ...Option) *Session {
	s := &Session{completer: completer, timeout: DefaultTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Handle relays req and writes its frames to sink: one content frame per non-empty
// fragment, then exactly one terminal frame. Failures are reported to the client as an
// error frame and Handle returns nil. If ctx is cancelled the stream is closed, nothing
// more is sent and ctx.Err() is returned. A sink failure is returned as is.
func (s *Session) Handle(ctx context.Context, req models.ChatRequest, sink FrameSink) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		return ErrBusy
	}
	defer s.setState(StateIdle)

	if err := req.Validate(); err != nil {
		s.setState(StateFailed)
		return sink.Send(models.ErrorFrame(err))
	}

	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	start := time.Now()
	stream, err := s.completer.StreamCompletion(streamCtx, req.Messages)
	if err != nil {
		return s.fail(ctx, streamCtx, sink, err)
	}
	defer stream.Close()

	fragments := 0
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.setState(StateCompleted)
			s.logger.Debug("stream completed",
				zap.Int("fragments", fragments),
				zap.Duration("elapsed", time.Since(start)))
			return sink.Send(models.CompletedFrame())
		}
		if err != nil {
			return s.fail(ctx, streamCtx, sink, err)
		}
		if fragment == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Send(models.ContentFrame(fragment)); err != nil {
			return err
		}
		fragments++
	}
}

func (s *Session) fail(ctx, streamCtx context.Context, sink FrameSink, cause error) error {
	if err := ctx.Err(); err != nil {
		s.setState(StateFailed)
		s.logger.Debug("stream abandoned by client", zap.Error(cause))
		return err
	}
	var err error
	if errors.Is(streamCtx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: completion exceeded %s", models.ErrTimeout, s.timeout)
	} else {
		err = fmt.Errorf("%w: %v", models.ErrExternalService, cause)
	}
	s.setState(StateFailed)
	s.logger.Error("stream failed", zap.Error(err))
	return sink.Send(models.ErrorFrame(err))
}
