package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transit/internal/heartbeat"
	"transit/internal/protocol"
	"transit/internal/transport"
)

// ErrCollectorOffline is the link error when the collector sends offline
// to an online agent.
var ErrCollectorOffline = errors.New("collector ended session")

// link is one authenticated transport and the goroutines serving it: a
// read loop feeding a bounded inbox, a single dispatcher, a single write
// pump, the heartbeat pulser, and any running commands.
type link struct {
	conn    transport.Conn
	session *Session
	logger  *slog.Logger

	outbox chan []byte

	done     chan struct{}
	stopOnce sync.Once
	err      error
	cancel   context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]pendingCommand
	commands  sync.WaitGroup
}

type pendingCommand struct {
	command   string
	startedAt time.Time
}

func newLink(conn transport.Conn, s *Session) *link {
	return &link{
		conn:    conn,
		session: s,
		logger:  s.logger.With("remote_addr", conn.RemoteAddr()),
		outbox:  make(chan []byte, defaultOutboxSize),
		done:    make(chan struct{}),
		pending: make(map[string]pendingCommand),
	}
}

// run serves the link until it fails or ctx ends. onOnline is called once
// every goroutine is started. It returns after all of them have exited.
func (l *link) run(ctx context.Context, onOnline func()) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	defer cancel()

	inbox := make(chan protocol.Message, defaultInboxSize)
	pulser := heartbeat.NewPulser(l.session.hbEvery, l.send)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		l.stop(l.readLoop(ctx, inbox))
	}()
	go func() {
		defer wg.Done()
		l.dispatch(ctx, inbox)
	}()
	go func() {
		defer wg.Done()
		l.stop(l.writePump(ctx))
	}()
	go func() {
		defer wg.Done()
		l.stop(pulser.Run(ctx))
	}()

	onOnline()

	<-ctx.Done()
	l.stop(ctx.Err())
	wg.Wait()
	l.commands.Wait()
	return l.err
}

// stop records the first failure and tears the link down.
func (l *link) stop(err error) {
	l.stopOnce.Do(func() {
		l.err = err
		close(l.done)
		l.cancel()
		l.conn.Close()
	})
}

// send encodes msg and queues it for the write pump.
func (l *link) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-l.done:
		return ErrNotOnline
	default:
	}
	select {
	case l.outbox <- frame:
		return nil
	case <-l.done:
		return ErrNotOnline
	}
}

func (l *link) readLoop(ctx context.Context, inbox chan<- protocol.Message) error {
	defer close(inbox)

	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.session.touch()

		msg, err := protocol.Decode(frame)
		if err != nil {
			l.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		select {
		case inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *link) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-l.outbox:
			if err := l.conn.WriteFrame(frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// dispatch handles inbound messages in arrival order.
func (l *link) dispatch(ctx context.Context, inbox <-chan protocol.Message) {
	for msg := range inbox {
		switch m := msg.(type) {
		case protocol.CommandRequest:
			l.startCommand(ctx, m)
		case protocol.Offline:
			l.logger.Warn("collector sent offline", "reason", m.Reason)
			l.stop(fmt.Errorf("%w: %s", ErrCollectorOffline, m.Reason))
		case protocol.Heartbeat, protocol.Online:
			// Activity was already recorded by the read loop.
		case protocol.Unknown:
			l.logger.Warn("dropping unknown message", "type", m.Type)
		default:
			l.logger.Debug("dropping unexpected message", "type", msg.MessageType())
		}
	}
}

// startCommand runs req in its own goroutine. The result goes back on this
// link only; if the link is gone by then, the result is dropped.
func (l *link) startCommand(ctx context.Context, req protocol.CommandRequest) {
	if err := protocol.Validate(req); err != nil {
		l.logger.Warn("invalid command request", "trace_id", req.TraceID, "error", err)
		if req.TraceID != "" {
			l.reply(protocol.CommandResult{TraceID: req.TraceID, Message: err.Error()})
		}
		return
	}
	if l.session.runner == nil {
		l.reply(protocol.CommandResult{TraceID: req.TraceID, Message: "remote commands are disabled on this agent"})
		return
	}

	l.pendingMu.Lock()
	if _, dup := l.pending[req.TraceID]; dup {
		l.pendingMu.Unlock()
		l.logger.Warn("ignoring duplicate command", "trace_id", req.TraceID)
		return
	}
	l.pending[req.TraceID] = pendingCommand{command: req.Command, startedAt: time.Now()}
	l.pendingMu.Unlock()

	l.commands.Add(1)
	go func() {
		defer l.commands.Done()

		result := l.session.runner.Run(ctx, req)

		l.pendingMu.Lock()
		p := l.pending[req.TraceID]
		delete(l.pending, req.TraceID)
		l.pendingMu.Unlock()

		l.logger.Info("command finished",
			"trace_id", req.TraceID,
			"command", p.command,
			"ok", result.OK,
			"duration", time.Since(p.startedAt),
		)
		l.reply(result)
	}()
}

func (l *link) reply(result protocol.CommandResult) {
	if err := l.send(result); err != nil {
		l.logger.Warn("dropping command result", "trace_id", result.TraceID, "error", err)
	}
}
