// Package collector is the server side of the agent protocol: it accepts
// agent websockets, authenticates them, keeps them in the registry, and
// exposes an HTTP API for listing agents and issuing commands.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"transit/internal/auth"
	"transit/internal/protocol"
	"transit/internal/registry"
	"transit/internal/transport"
)

const (
	defaultAuthTimeout = 10 * time.Second
	defaultIdleTimeout = 90 * time.Second
	defaultCommandWait = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	Registry *registry.Registry
	Verifier *auth.Verifier
	// Sink receives agent reports. Nil means log them.
	Sink ReportSink
	// AuthTimeout bounds the wait for the first frame.
	AuthTimeout time.Duration
	// IdleTimeout is the read deadline refreshed by every inbound frame.
	IdleTimeout time.Duration
	// CommandWait caps how long a wait=true command request blocks.
	CommandWait time.Duration
	ReadLimit   int64
	Logger      *slog.Logger
}

// Server accepts agent connections and serves the HTTP API.
type Server struct {
	registry    *registry.Registry
	verifier    *auth.Verifier
	sink        ReportSink
	reports     *LatestSink
	upgrader    *transport.Upgrader
	authTimeout time.Duration
	idleTimeout time.Duration
	commandWait time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New creates a Server. Registry and Verifier are required.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("collector: registry is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("collector: verifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "collector")

	authTimeout := opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	commandWait := opts.CommandWait
	if commandWait <= 0 {
		commandWait = defaultCommandWait
	}

	latest := NewLatestSink()
	sink := opts.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:    opts.Registry,
		verifier:    opts.Verifier,
		sink:        MultiSink{latest, sink},
		reports:     latest,
		upgrader:    transport.NewUpgrader(opts.ReadLimit),
		authTimeout: authTimeout,
		idleTimeout: idleTimeout,
		commandWait: commandWait,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Agent websocket endpoint.
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /clients", s.handleListClients)
	mux.HandleFunc("GET /clients/{appId}/{agentId}", s.handleGetClient)
	mux.HandleFunc("DELETE /clients/{appId}/{agentId}", s.handleDisconnectClient)
	mux.HandleFunc("POST /clients/{appId}/{agentId}/commands", s.handleIssueCommand)
	mux.HandleFunc("GET /commands", s.handleListCommands)
	mux.HandleFunc("GET /commands/{traceId}", s.handleGetCommand)

	return mux
}

// Shutdown closes every agent session and waits for their connection
// handlers to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.registry.Shutdown()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleWebSocket upgrades the request and serves the agent until its
// transport closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Accept(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.serve(conn)
}

// serve runs one agent connection: auth handshake, registration, then the
// read pump until the transport fails.
func (s *Server) serve(conn transport.Conn) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr())

	hello, err := s.readAuth(conn)
	if err != nil {
		logger.Warn("rejecting agent", "error", err)
		s.reject(conn, err.Error())
		return
	}
	id := registry.Identity{AppID: hello.AppID, AgentID: hello.AgentID}
	logger = logger.With("identity", id.String(), "version", hello.Version)

	// Shutdown may have started while the handshake was in flight.
	if s.ctx.Err() != nil {
		logger.Info("rejecting agent during shutdown")
		s.reject(conn, reasonShuttingDown)
		return
	}

	ac := newAgentConn(conn, id)
	go ac.writePump()

	ctx, cancel := context.WithTimeout(s.ctx, s.authTimeout)
	rec, err := s.registry.Register(ctx, id, ac)
	cancel()
	if err != nil {
		logger.Warn("registration failed", "error", err)
		ac.Send(protocol.Offline{Reason: "registration failed"})
		ac.Close()
		<-ac.Done()
		return
	}

	if err := ac.Send(protocol.Online{
		AppID:       id.AppID,
		AgentID:     id.AgentID,
		ConnectedAt: rec.ConnectedAt.UnixMilli(),
	}); err != nil {
		logger.Warn("sending online ack failed", "error", err)
	}

	s.readPump(ac, logger)

	s.registry.Release(rec)
	ac.Close()
	<-ac.Done()
}

const reasonShuttingDown = "collector shutting down"

var (
	errAuthFirst  = errors.New("first message must be auth")
	errAuthFailed = errors.New("authentication failed")
)

// readAuth reads and verifies the first frame.
func (s *Server) readAuth(conn transport.Conn) (protocol.Auth, error) {
	conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	frame, err := conn.ReadFrame()
	if err != nil {
		return protocol.Auth{}, errAuthFirst
	}
	msg, err := protocol.DecodeValid(frame)
	if err != nil {
		return protocol.Auth{}, errAuthFirst
	}
	hello, ok := msg.(protocol.Auth)
	if !ok {
		return protocol.Auth{}, errAuthFirst
	}
	if err := s.verifier.Verify(hello.AppID, hello.AgentID, hello.Token); err != nil {
		s.logger.Debug("token rejected", "app_id", hello.AppID, "agent_id", hello.AgentID, "error", err)
		return protocol.Auth{}, errAuthFailed
	}
	return hello, nil
}

// reject tells the agent why it is being dropped and closes the transport.
func (s *Server) reject(conn transport.Conn, reason string) {
	if frame, err := protocol.Encode(protocol.Offline{Reason: reason}); err == nil {
		conn.WriteFrame(frame)
	}
	conn.Close()
}

func (s *Server) readPump(ac *agentConn, logger *slog.Logger) {
	for {
		ac.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		frame, err := ac.conn.ReadFrame()
		if err != nil {
			if transport.IsUnexpectedClose(err) {
				logger.Info("agent connection lost", "error", err)
			}
			return
		}
		s.registry.Touch(ac.id)

		msg, err := protocol.Decode(frame)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		s.route(ac, msg, logger)
	}
}

// route handles one decoded message from an authenticated agent.
func (s *Server) route(ac *agentConn, msg protocol.Message, logger *slog.Logger) {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		// Touch already recorded the activity.
	case protocol.CommandResult:
		if err := protocol.Validate(m); err != nil {
			logger.Warn("invalid command result", "error", err)
			return
		}
		if err := s.registry.Resolve(ac.id, m); err != nil {
			logger.Warn("unmatched command result", "trace_id", m.TraceID, "error", err)
		}
	case protocol.ErrorReport, protocol.PackageReport, protocol.IdentityReport:
		if err := protocol.Validate(m); err != nil {
			logger.Warn("invalid report", "type", m.MessageType(), "error", err)
			return
		}
		s.sink.HandleReport(ac.id, m)
	case protocol.Unknown:
		logger.Warn("dropping unknown message", "type", m.Type)
	default:
		logger.Debug("dropping unexpected message", "type", msg.MessageType())
	}
}
