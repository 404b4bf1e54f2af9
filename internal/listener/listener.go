package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/g960059/canview/internal/model"
	"github.com/g960059/canview/internal/transport"
)

type Opener interface {
	Open(ctx context.Context, conn model.Connection) (transport.Handle, error)
}

type Recorder interface {
	Record(id model.BusID, v float64)
}

// Listener bridges a transport handle to a Recorder. A reader goroutine posts
// frames into a bounded mailbox; one consumer drains it, so each buffer has a
// single writer.
type Listener struct {
	opener      Opener
	sink        Recorder
	mailboxSize int
	logger      *slog.Logger

	// opMu serializes Start and Stop, including the join in Stop.
	opMu   sync.Mutex
	mu     sync.Mutex
	state  model.ListenerState
	conn   model.Connection
	handle transport.Handle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received  atomic.Uint64
	recorded  atomic.Uint64
	malformed atomic.Uint64
}

func New(opener Opener, sink Recorder, mailboxSize int, logger *slog.Logger) *Listener {
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{
		opener:      opener,
		sink:        sink,
		mailboxSize: mailboxSize,
		logger:      logger,
		state:       model.ListenerStopped,
	}
}

func (l *Listener) Start(ctx context.Context, conn model.Connection) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case model.ListenerRunning, model.ListenerStarting, model.ListenerStopping:
		return model.ErrListenerRunning
	case model.ListenerFaulted:
		// a stream that failed mid-flight still holds its handle
		l.shutdown()
	}

	l.setState(model.ListenerStarting)
	handle, err := l.opener.Open(ctx, conn)
	if err != nil {
		l.setState(model.ListenerFaulted)
		if !errors.Is(err, model.ErrConnection) {
			err = fmt.Errorf("%w: %w", model.ErrConnection, err)
		}
		l.logger.Warn("listener start failed", "connection", conn.String(), "err", err)
		return err
	}

	l.received.Store(0)
	l.recorded.Store(0)
	l.malformed.Store(0)

	runCtx, cancel := context.WithCancel(context.Background())
	mailbox := make(chan transport.Frame, l.mailboxSize)

	l.mu.Lock()
	l.conn = conn
	l.handle = handle
	l.cancel = cancel
	l.state = model.ListenerRunning
	l.mu.Unlock()

	l.wg.Add(2)
	go l.read(runCtx, handle, mailbox)
	go l.consume(runCtx, mailbox)
	l.logger.Info("listener started", "connection", conn.String(), "mailbox", l.mailboxSize)
	return nil
}

// Stop is idempotent. When it returns no Record call is in flight and none
// will follow.
func (l *Listener) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.shutdown()
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	if l.state == model.ListenerStopped {
		l.mu.Unlock()
		return
	}
	handle, cancel := l.handle, l.cancel
	l.state = model.ListenerStopping
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			l.logger.Warn("close bus handle", "err", err)
		}
	}
	l.wg.Wait()

	l.mu.Lock()
	l.handle = nil
	l.cancel = nil
	l.state = model.ListenerStopped
	l.mu.Unlock()
	stats := l.Stats()
	l.logger.Info("listener stopped", "received", stats.Received, "recorded", stats.Recorded, "malformed", stats.Malformed)
}

func (l *Listener) read(ctx context.Context, handle transport.Handle, mailbox chan<- transport.Frame) {
	defer l.wg.Done()
	defer close(mailbox)
	for {
		frame, err := handle.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			if errors.Is(err, transport.ErrMalformed) {
				l.received.Add(1)
				l.malformed.Add(1)
				l.logger.Debug("dropped undecodable frame", "err", err)
				continue
			}
			l.logger.Error("bus receive failed", "err", err)
			l.fault()
			return
		}
		l.received.Add(1)
		select {
		case mailbox <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) consume(ctx context.Context, mailbox <-chan transport.Frame) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-mailbox:
			if !ok {
				return
			}
			if err := frame.Validate(); err != nil {
				l.malformed.Add(1)
				l.logger.Debug("dropped malformed frame", "err", err)
				continue
			}
			if frame.Remote {
				continue
			}
			l.sink.Record(model.BusID(frame.ID), frame.Value())
			l.recorded.Add(1)
		}
	}
}

func (l *Listener) fault() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == model.ListenerRunning {
		l.state = model.ListenerFaulted
	}
}

func (l *Listener) setState(state model.ListenerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

func (l *Listener) State() model.ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connection returns the parameters of the current or last stream.
func (l *Listener) Connection() model.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Listener) Stats() model.ListenerStats {
	return model.ListenerStats{
		Received:  l.received.Load(),
		Recorded:  l.recorded.Load(),
		Malformed: l.malformed.Load(),
	}
}
