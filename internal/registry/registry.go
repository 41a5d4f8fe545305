// Package registry tracks live agent sessions on the collector and
// correlates command requests with their results.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"transit/internal/protocol"
)

const (
	defaultResultHistory = 1000
	defaultPendingTTL    = 10 * time.Minute
)

var (
	// ErrClientNotFound indicates no live session for an identity.
	ErrClientNotFound = errors.New("client not found")

	// ErrDuplicateTrace indicates a traceId that is already in flight.
	ErrDuplicateTrace = errors.New("trace id already pending")

	// ErrUnknownTrace indicates a result or lookup for a traceId the
	// registry is not waiting on.
	ErrUnknownTrace = errors.New("unknown trace id")

	// ErrAbandoned is delivered to waiters whose session dropped before
	// the result arrived.
	ErrAbandoned = errors.New("command abandoned")
)

// Identity names one agent.
type Identity struct {
	AppID   string `json:"appId"`
	AgentID string `json:"agentId"`
}

func (id Identity) String() string {
	return id.AppID + "/" + id.AgentID
}

// Conn is the registry's handle on a live collector-side session.
type Conn interface {
	Send(msg protocol.Message) error
	Close() error
	// Done is closed once the session has released its transport.
	Done() <-chan struct{}
	RemoteAddr() string
}

// ClientRecord is the registry entry for one live session. Only the
// registry mutates it.
type ClientRecord struct {
	Identity    Identity
	ConnectedAt time.Time
	RemoteAddr  string

	conn          Conn
	lastHeartbeat time.Time
}

// ClientInfo is a point-in-time copy of a ClientRecord.
type ClientInfo struct {
	Identity        Identity  `json:"identity"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	RemoteAddr      string    `json:"remoteAddr"`
}

type pendingCommand struct {
	identity Identity
	issuedAt time.Time
	done     chan struct{}
	result   protocol.CommandResult
	err      error
}

// Options configures a Registry.
type Options struct {
	// ResultHistory bounds how many completed results stay retrievable.
	ResultHistory int
	// PendingTTL abandons commands that never got a result.
	PendingTTL time.Duration
	// OnPopulationChange is called with the live count after every change,
	// while the registry lock is held. It must not call back into the registry.
	OnPopulationChange func(live int)
	Logger             *slog.Logger
}

// Registry owns the set of live sessions keyed by identity.
type Registry struct {
	mu      sync.RWMutex
	clients map[Identity]*ClientRecord
	pending map[string]*pendingCommand
	results *RingBuffer

	pendingTTL   time.Duration
	onPopulation func(int)
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	history := opts.ResultHistory
	if history <= 0 {
		history = defaultResultHistory
	}
	ttl := opts.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients:      make(map[Identity]*ClientRecord),
		pending:      make(map[string]*pendingCommand),
		results:      NewRingBuffer(history),
		pendingTTL:   ttl,
		onPopulation: opts.OnPopulationChange,
		logger:       logger.With("component", "registry"),
		now:          time.Now,
	}
}

// Register adds a live session for id. If id already has a live session,
// that session is closed first and the new record takes its slot only once
// the old transport reports closed, so the identity is never counted twice.
// Nothing is inserted once ctx is done.
func (r *Registry) Register(ctx context.Context, id Identity, conn Conn) (*ClientRecord, error) {
	now := r.now()
	rec := &ClientRecord{
		Identity:      id,
		ConnectedAt:   now,
		RemoteAddr:    conn.RemoteAddr(),
		conn:          conn,
		lastHeartbeat: now,
	}

	for {
		r.mu.Lock()
		if err := ctx.Err(); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("registering %s: %w", id, err)
		}
		old, exists := r.clients[id]
		if !exists {
			r.clients[id] = rec
			r.populationChangedLocked()
			r.logger.Info("client online",
				"identity", id.String(),
				"remote_addr", rec.RemoteAddr,
				"total_clients", len(r.clients),
			)
			r.mu.Unlock()
			return rec, nil
		}
		r.mu.Unlock()

		r.logger.Info("replacing existing session", "identity", id.String(), "old_remote_addr", old.RemoteAddr)
		old.conn.Close()
		select {
		case <-old.conn.Done():
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for previous session of %s to close: %w", id, ctx.Err())
		}

		r.mu.Lock()
		if err := ctx.Err(); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("registering %s: %w", id, err)
		}
		if cur, ok := r.clients[id]; ok && cur == old {
			r.clients[id] = rec
			r.abandonLocked(id)
			r.logger.Info("client session replaced",
				"identity", id.String(),
				"remote_addr", rec.RemoteAddr,
				"total_clients", len(r.clients),
			)
			r.mu.Unlock()
			return rec, nil
		}
		r.mu.Unlock()
	}
}

// Release removes rec if it is still the live record for its identity.
// Sessions call it when their transport closes.
func (r *Registry) Release(rec *ClientRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.clients[rec.Identity]; !ok || cur != rec {
		return false
	}
	r.removeLocked(rec, "released")
	return true
}

// Unregister removes and closes the live session for id.
func (r *Registry) Unregister(id Identity) bool {
	r.mu.Lock()
	rec, ok := r.clients[id]
	if ok {
		r.removeLocked(rec, "unregistered")
	}
	r.mu.Unlock()

	if ok {
		rec.conn.Close()
	}
	return ok
}

// Touch records inbound traffic for id.
func (r *Registry) Touch(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.clients[id]; ok {
		rec.lastHeartbeat = r.now()
	}
}

// CountLive returns the number of live sessions.
func (r *Registry) CountLive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// FindByIdentity returns the live session for id.
func (r *Registry) FindByIdentity(id Identity) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return rec.infoLocked(), true
}

// List returns all live sessions ordered by identity.
func (r *Registry) List() []ClientInfo {
	r.mu.RLock()
	result := make([]ClientInfo, 0, len(r.clients))
	for _, rec := range r.clients {
		result = append(result, rec.infoLocked())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Identity.String() < result[j].Identity.String()
	})
	return result
}

// DispatchCommand forwards req to the live session for id and starts
// waiting for its result.
func (r *Registry) DispatchCommand(id Identity, req protocol.CommandRequest) error {
	r.mu.Lock()
	rec, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return ErrClientNotFound
	}
	if _, dup := r.pending[req.TraceID]; dup {
		r.mu.Unlock()
		return ErrDuplicateTrace
	}
	r.pending[req.TraceID] = &pendingCommand{
		identity: id,
		issuedAt: r.now(),
		done:     make(chan struct{}),
	}
	conn := rec.conn
	r.mu.Unlock()

	if err := conn.Send(req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.TraceID)
		r.mu.Unlock()
		return fmt.Errorf("sending command to %s: %w", id, err)
	}

	r.logger.Debug("command dispatched", "identity", id.String(), "trace_id", req.TraceID, "command", req.Command)
	return nil
}

// Resolve completes the pending command matching result.TraceID. Results
// from an identity other than the one the command went to are rejected.
func (r *Registry) Resolve(id Identity, result protocol.CommandResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[result.TraceID]
	if !ok || p.identity != id {
		return fmt.Errorf("%w: %s", ErrUnknownTrace, result.TraceID)
	}
	delete(r.pending, result.TraceID)
	p.result = result
	close(p.done)
	r.results.Write(result)
	return nil
}

// Await blocks until the command with traceID completes, is abandoned, or
// ctx ends. Completed results still in history return immediately.
func (r *Registry) Await(ctx context.Context, traceID string) (protocol.CommandResult, error) {
	r.mu.RLock()
	p, ok := r.pending[traceID]
	r.mu.RUnlock()

	if !ok {
		if result, found := r.results.Find(traceID); found {
			return result, nil
		}
		return protocol.CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownTrace, traceID)
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return protocol.CommandResult{}, ctx.Err()
	}
}

// Result returns a completed result from history.
func (r *Registry) Result(traceID string) (protocol.CommandResult, bool) {
	return r.results.Find(traceID)
}

// RecentResults returns the completed results still in history, oldest first.
func (r *Registry) RecentResults() []protocol.CommandResult {
	return r.results.ReadAll()
}

// IsPending reports whether traceID is still waiting for a result.
func (r *Registry) IsPending(traceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[traceID]
	return ok
}

// Sweep evicts sessions with no traffic since now-timeout and abandons
// commands pending longer than the pending TTL. It returns the number of
// evicted sessions.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	var stale []*ClientRecord
	for _, rec := range r.clients {
		if now.Sub(rec.lastHeartbeat) > timeout {
			stale = append(stale, rec)
		}
	}
	for _, rec := range stale {
		r.removeLocked(rec, "heartbeat timeout")
	}
	for traceID, p := range r.pending {
		if now.Sub(p.issuedAt) > r.pendingTTL {
			delete(r.pending, traceID)
			p.err = ErrAbandoned
			close(p.done)
		}
	}
	r.mu.Unlock()

	for _, rec := range stale {
		rec.conn.Send(protocol.Offline{Reason: "heartbeat timeout"})
		rec.conn.Close()
	}
	return len(stale)
}

// Shutdown closes every live session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	recs := make([]*ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		r.removeLocked(rec, "shutdown")
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.conn.Send(protocol.Offline{Reason: "collector shutting down"})
		rec.conn.Close()
	}
}

// removeLocked drops rec and fails its pending commands. Must be called
// with mu held.
func (r *Registry) removeLocked(rec *ClientRecord, reason string) {
	delete(r.clients, rec.Identity)
	r.abandonLocked(rec.Identity)
	r.populationChangedLocked()
	r.logger.Info("client offline",
		"identity", rec.Identity.String(),
		"reason", reason,
		"total_clients", len(r.clients),
	)
}

func (r *Registry) abandonLocked(id Identity) {
	for traceID, p := range r.pending {
		if p.identity == id {
			delete(r.pending, traceID)
			p.err = ErrAbandoned
			close(p.done)
		}
	}
}

func (r *Registry) populationChangedLocked() {
	if r.onPopulation != nil {
		r.onPopulation(len(r.clients))
	}
}

func (rec *ClientRecord) infoLocked() ClientInfo {
	return ClientInfo{
		Identity:        rec.Identity,
		ConnectedAt:     rec.ConnectedAt,
		LastHeartbeatAt: rec.lastHeartbeat,
		RemoteAddr:      rec.RemoteAddr,
	}
}
