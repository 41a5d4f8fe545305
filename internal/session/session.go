// Package session drives the agent's single logical connection to the
// collector: connect, authenticate, stay online, and reconnect on failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transit/internal/auth"
	"transit/internal/executor"
	"transit/internal/protocol"
	"transit/internal/transport"
)

const (
	defaultReconnectInterval = 3 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultAuthTimeout       = 10 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultInboxSize         = 64
	defaultOutboxSize        = 256
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateOnline         State = "online"
	StateReconnectWait  State = "reconnect_wait"
	StateClosed         State = "closed"
)

var (
	// ErrNotOnline is returned by Send when no authenticated link exists.
	ErrNotOnline = errors.New("session not online")

	// ErrRejected means the collector answered auth with offline.
	ErrRejected = errors.New("authentication rejected")

	// ErrAuthTimeout means no online ack arrived in time.
	ErrAuthTimeout = errors.New("authentication timed out")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("session already running")
)

// Observer receives lifecycle notifications. Calls are made from the
// session's own goroutine, one at a time.
type Observer interface {
	// OnOnline fires after every successful authentication with the
	// cumulative number of reconnects so far.
	OnOnline(reconnects int)
	// OnOffline fires when an online link ends.
	OnOffline(err error)
}

// Options configures a Session.
type Options struct {
	URL     string
	AppID   string
	AgentID string
	Secret  string
	Version string

	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	DialTimeout       time.Duration

	// Backoff overrides the fixed ReconnectInterval policy.
	Backoff   Backoff
	Dialer    transport.Dialer
	Runner    executor.Runner
	Observers []Observer
	Logger    *slog.Logger
}

// Session owns one logical agent connection. At most one transport is
// bound to it at any time.
type Session struct {
	url      string
	appID    string
	agentID  string
	secret   string
	version  string
	backoff  Backoff
	hbEvery  time.Duration
	authWait time.Duration
	dialWait time.Duration
	dialer   transport.Dialer
	runner   executor.Runner
	logger   *slog.Logger

	observersMu sync.RWMutex
	observers   []Observer

	mu               sync.RWMutex
	state            State
	link             *link
	reconnectAttempt int
	reconnects       int
	lastActivity     time.Time

	running   chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// New creates a Session in the connecting state. Nothing is dialled until
// Run is called.
func New(opts Options) *Session {
	backoff := opts.Backoff
	if backoff == nil {
		interval := opts.ReconnectInterval
		if interval <= 0 {
			interval = defaultReconnectInterval
		}
		backoff = FixedBackoff{Interval: interval}
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	authWait := opts.AuthTimeout
	if authWait <= 0 {
		authWait = defaultAuthTimeout
	}
	dialWait := opts.DialTimeout
	if dialWait <= 0 {
		dialWait = defaultDialTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &transport.WebsocketDialer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		url:       opts.URL,
		appID:     opts.AppID,
		agentID:   opts.AgentID,
		secret:    opts.Secret,
		version:   opts.Version,
		backoff:   backoff,
		hbEvery:   hb,
		authWait:  authWait,
		dialWait:  dialWait,
		dialer:    dialer,
		runner:    opts.Runner,
		logger:    logger.With("component", "session", "app_id", opts.AppID, "agent_id", opts.AgentID),
		observers: append([]Observer(nil), opts.Observers...),
		state:     StateConnecting,
		running:   make(chan struct{}, 1),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// AddObserver registers o for future lifecycle notifications.
func (s *Session) AddObserver(o Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ReconnectCount returns the cumulative number of reconnects that ended
// in a successful authentication.
func (s *Session) ReconnectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnects
}

// LastActivity returns when the last inbound frame arrived.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Send queues msg on the current online link.
func (s *Session) Send(msg protocol.Message) error {
	s.mu.RLock()
	l := s.link
	s.mu.RUnlock()
	if l == nil {
		return ErrNotOnline
	}
	return l.send(msg)
}

// Close stops the session from any state and waits for Run to return.
// It is safe to call more than once and before Run.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })

	select {
	case s.running <- struct{}{}:
		// Run never started; nothing to wait for.
		s.setState(StateClosed)
	case <-s.stopped:
	}
}

// Run drives the state machine until ctx is done or Close is called.
// Connection attempts are strictly sequential: the previous link is fully
// torn down before the next dial.
func (s *Session) Run(ctx context.Context) error {
	select {
	case s.running <- struct{}{}:
	default:
		return ErrAlreadyRunning
	}
	defer close(s.stopped)
	defer s.setState(StateClosed)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		s.setState(StateConnecting)
		err := s.connect(ctx)
		if ctx.Err() != nil {
			s.logger.Info("session closed")
			return nil
		}

		s.mu.Lock()
		s.reconnectAttempt++
		attempt := s.reconnectAttempt
		s.state = StateReconnectWait
		s.mu.Unlock()

		delay := s.backoff.Next(attempt)
		s.logger.Warn("connection lost, will retry", "error", err, "attempt", attempt, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("session closed")
			return nil
		case <-timer.C:
		}
	}
}

// connect runs one full connection: dial, authenticate, then serve the
// link until it fails. It returns only after every goroutine of the link
// has exited and the transport is closed.
func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialWait)
	conn, err := s.dialer.Dial(dialCtx, s.url)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	// Unblocks reads in any state once the session is closing.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.setState(StateAuthenticating)
	ack, err := s.authenticate(conn)
	if err != nil {
		return err
	}

	l := newLink(conn, s)

	s.mu.Lock()
	s.link = l
	s.state = StateOnline
	s.reconnects += s.reconnectAttempt
	s.reconnectAttempt = 0
	reconnects := s.reconnects
	s.mu.Unlock()

	s.logger.Info("session online",
		"remote_addr", conn.RemoteAddr(),
		"connected_at", time.UnixMilli(ack.ConnectedAt),
		"reconnects", reconnects,
	)

	linkErr := l.run(ctx, func() {
		for _, o := range s.snapshotObservers() {
			o.OnOnline(reconnects)
		}
	})

	s.mu.Lock()
	s.link = nil
	s.mu.Unlock()

	for _, o := range s.snapshotObservers() {
		o.OnOffline(linkErr)
	}
	return linkErr
}

// authenticate sends the auth envelope and waits for the collector's
// verdict. Frames other than online/offline are dropped.
func (s *Session) authenticate(conn transport.Conn) (protocol.Online, error) {
	token, err := auth.Sign(s.appID, s.agentID, s.secret, auth.DefaultTTL)
	if err != nil {
		return protocol.Online{}, fmt.Errorf("sign auth token: %w", err)
	}
	frame, err := protocol.Encode(protocol.Auth{
		AppID:   s.appID,
		AgentID: s.agentID,
		Token:   token,
		Version: s.version,
	})
	if err != nil {
		return protocol.Online{}, err
	}
	if err := conn.WriteFrame(frame); err != nil {
		return protocol.Online{}, fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(s.authWait)
	conn.SetReadDeadline(deadline)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if time.Now().After(deadline) {
				return protocol.Online{}, ErrAuthTimeout
			}
			return protocol.Online{}, fmt.Errorf("waiting for auth ack: %w", err)
		}
		s.touch()

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Online:
			conn.SetReadDeadline(time.Time{})
			return m, nil
		case protocol.Offline:
			return protocol.Online{}, fmt.Errorf("%w: %s", ErrRejected, m.Reason)
		default:
			s.logger.Debug("ignoring frame before auth ack", "type", msg.MessageType())
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.state != st {
		s.logger.Debug("state transition", "from", s.state, "to", st)
	}
	s.state = st
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) snapshotObservers() []Observer {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	return append([]Observer(nil), s.observers...)
}
