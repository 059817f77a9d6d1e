package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/jpillora/backoff"
)

// ErrShuttingDown is returned by Reconnect once Shutdown has started.
var ErrShuttingDown = errors.New("session is shutting down")

// Options tunes connect, heartbeat and reconnect behaviour.
type Options struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxReconnects     int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffFactor     float64
}

// DefaultOptions mirrors the retry policy of the data clients: 3 attempts,
// 1s base, doubling, capped at 60s.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxReconnects:     3,
		BackoffMin:        time.Second,
		BackoffMax:        60 * time.Second,
		BackoffFactor:     2,
	}
}

// Manager owns the broker session lifecycle. It is the only shared mutable
// state in the bridge; everything else reads State().
type Manager struct {
	conn  interfaces.Session
	creds types.Credentials
	opts  Options

	mu       sync.RWMutex
	state    types.SessionState
	epoch    uint64
	degraded map[string]string
	closed   bool
	changed  chan struct{}
	subs     []chan types.SessionTransition

	// serializes connect attempts
	connectMu sync.Mutex
}

// New creates a manager in the Disconnected state.
func New(conn interfaces.Session, creds types.Credentials, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = def.MaxReconnects
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = def.BackoffMin
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = def.BackoffFactor
	}
	return &Manager{
		conn:     conn,
		creds:    creds,
		opts:     opts,
		state:    types.SessionDisconnected,
		degraded: make(map[string]string),
		changed:  make(chan struct{}),
	}
}

// ValidateCredentials enforces the credential pair rule: a login requires
// both password and server.
func ValidateCredentials(c types.Credentials) error {
	if strings.TrimSpace(c.Login) == "" {
		return nil
	}
	var missing []string
	if strings.TrimSpace(c.Password) == "" {
		missing = append(missing, "password")
	}
	if strings.TrimSpace(c.Server) == "" {
		missing = append(missing, "server")
	}
	if len(missing) > 0 {
		return &types.ConfigurationError{
			Field: "credentials",
			Msg:   fmt.Sprintf("login is set but %s missing", strings.Join(missing, " and ")),
		}
	}
	return nil
}

// State returns the current session state.
func (m *Manager) State() types.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// DegradedReasons returns the active degradation reasons, sorted by source.
func (m *Manager) DegradedReasons() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.degraded))
	for src, reason := range m.degraded {
		out = append(out, src+": "+reason)
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel of state transitions. Slow subscribers miss
// transitions rather than block the session.
func (m *Manager) Subscribe() <-chan types.SessionTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan types.SessionTransition, 32)
	m.subs = append(m.subs, ch)
	return ch
}

// Connect validates credentials, then opens the session. Validation failures
// never reach the network.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ValidateCredentials(m.creds); err != nil {
		logger.ErrorWithErr(ctx, "Refusing to connect with incomplete credentials", err)
		return err
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.State().Live() {
		return nil
	}
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrShuttingDown
	}
	m.transition(ctx, types.SessionConnecting, "connect requested")

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := m.conn.Connect(cctx, m.creds); err != nil {
		ce := classifyConnectError(cctx, err)
		m.transition(ctx, types.SessionDisconnected, string(ce.Kind))
		logger.ErrorWithErr(ctx, "Broker connect failed", ce, "kind", ce.Kind)
		return ce
	}

	m.mu.Lock()
	m.epoch++
	m.degraded = make(map[string]string)
	m.mu.Unlock()
	m.transition(ctx, types.SessionConnected, "connected")
	return nil
}

func classifyConnectError(ctx context.Context, err error) *types.ConnectionError {
	var ce *types.ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	kind := types.ConnUnreachable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = types.ConnTimeout
	}
	var be *types.BrokerError
	if errors.As(err, &be) && be.Class == types.CodeFatal {
		kind = types.ConnAuth
	}
	return &types.ConnectionError{Kind: kind, Op: "connect", Err: err}
}

// Reconnect tears the session down and reconnects with exponential backoff.
// Concurrent callers observing the same dropped session share one attempt.
// Auth failures stop immediately; other failures give up after MaxReconnects.
func (m *Manager) Reconnect(ctx context.Context, reason string) error {
	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.RLock()
	state, current, closed := m.state, m.epoch, m.closed
	m.mu.RUnlock()
	if closed {
		return ErrShuttingDown
	}
	if current != epoch && state.Live() {
		return nil
	}

	m.transition(ctx, types.SessionDisconnected, reason)
	if err := m.conn.Disconnect(ctx); err != nil {
		logger.Debug(ctx, "Disconnect before reconnect failed", "error", err)
	}

	b := &backoff.Backoff{
		Min:    m.opts.BackoffMin,
		Max:    m.opts.BackoffMax,
		Factor: m.opts.BackoffFactor,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxReconnects; attempt++ {
		lastErr = m.connect(ctx)
		if lastErr == nil {
			logger.Info(ctx, "Session re-established", "attempt", attempt)
			return nil
		}
		if !types.IsRetriable(lastErr) {
			return lastErr
		}
		if attempt == m.opts.MaxReconnects {
			break
		}

		wait := b.Duration()
		logger.Warn(ctx, "Reconnect attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", m.opts.MaxReconnects,
			"backoff_ms", wait.Milliseconds(),
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	kind := types.ConnUnreachable
	var ce *types.ConnectionError
	if errors.As(lastErr, &ce) {
		kind = ce.Kind
	}
	return &types.ConnectionError{
		Kind: kind,
		Op:   "reconnect",
		Err:  fmt.Errorf("gave up after %d attempts: %w", m.opts.MaxReconnects, lastErr),
	}
}

// MarkDegraded demotes Connected to Degraded. Each source keeps its own
// reason so one recovery does not mask another problem. A session that is
// not live is left alone.
func (m *Manager) MarkDegraded(ctx context.Context, source, reason string) {
	m.mu.Lock()
	if !m.state.Live() {
		m.mu.Unlock()
		return
	}
	m.degraded[source] = reason
	tr, subs, ok := m.setStateLocked(types.SessionDegraded, source+": "+reason)
	m.mu.Unlock()

	if ok {
		m.publish(ctx, tr, subs)
	}
}

// MarkRecovered clears a degradation source and promotes back to Connected
// once no source remains.
func (m *Manager) MarkRecovered(ctx context.Context, source string) {
	m.mu.Lock()
	if _, ok := m.degraded[source]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.degraded, source)
	if len(m.degraded) > 0 || m.state != types.SessionDegraded {
		m.mu.Unlock()
		return
	}
	tr, subs, ok := m.setStateLocked(types.SessionConnected, source+" recovered")
	m.mu.Unlock()

	if ok {
		m.publish(ctx, tr, subs)
	}
}

// WaitLive blocks until the session is Connected or Degraded.
func (m *Manager) WaitLive(ctx context.Context) error {
	for {
		m.mu.RLock()
		state, changed := m.state, m.changed
		m.mu.RUnlock()

		if state.Live() {
			return nil
		}
		if m.isClosed() {
			return ErrShuttingDown
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// RunHeartbeat pings the broker while the session is live. A failed ping
// degrades the session; a fatal one triggers Reconnect.
func (m *Manager) RunHeartbeat(ctx context.Context) error {
	if m.opts.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !m.State().Live() {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatTimeout)
		err := m.conn.Ping(pctx)
		cancel()

		switch {
		case err == nil:
			m.MarkRecovered(ctx, "heartbeat")
		case types.IsFatal(err):
			logger.BrokerCode(ctx, err, "op", "heartbeat")
			if rerr := m.Reconnect(ctx, "heartbeat: session lost"); rerr != nil && !errors.Is(rerr, ErrShuttingDown) {
				return rerr
			}
		default:
			m.MarkDegraded(ctx, "heartbeat", err.Error())
		}
	}
}

// Shutdown logs out. A failing disconnect is logged as a warning and the
// state machine still ends in Disconnected.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	prev := m.state
	m.mu.Unlock()
	m.transition(ctx, types.SessionShuttingDown, "shutdown requested")

	if prev != types.SessionDisconnected {
		if err := m.conn.Disconnect(ctx); err != nil {
			logger.Warn(ctx, "Broker disconnect failed during shutdown", "error", err)
		}
	}

	m.transition(ctx, types.SessionDisconnected, "shutdown complete")
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) transition(ctx context.Context, to types.SessionState, reason string) {
	m.mu.Lock()
	tr, subs, ok := m.setStateLocked(to, reason)
	m.mu.Unlock()

	if ok {
		m.publish(ctx, tr, subs)
	}
}

// setStateLocked must be called with m.mu held. ok is false when the state
// is unchanged.
func (m *Manager) setStateLocked(to types.SessionState, reason string) (types.SessionTransition, []chan types.SessionTransition, bool) {
	from := m.state
	if from == to {
		return types.SessionTransition{}, nil, false
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	return types.SessionTransition{From: from, To: to, Reason: reason, Ts: time.Now()}, m.subs, true
}

func (m *Manager) publish(ctx context.Context, tr types.SessionTransition, subs []chan types.SessionTransition) {
	logger.Session(ctx, tr)
	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
			logger.Warn(ctx, "Session subscriber lagging, transition dropped", "to", tr.To.String())
		}
	}
}
