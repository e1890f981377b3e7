package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kleeedolinux/livesession/socket"
	"github.com/kleeedolinux/livesession/socket/transport"
)

// supervisorHooks let the room manager and dispatcher follow the connection without touching
// the transport handle.
type supervisorHooks struct {
	connected func()
	dropped   func()
	reset     func()
	event     func(event socket.Event, data json.RawMessage)
}

// Supervisor owns the lifecycle of the single transport connection.
type Supervisor struct {
	mu    sync.Mutex
	cfg   Config
	dial  Dialer
	token func() string
	now   func() time.Time
	log   zerolog.Logger
	hooks supervisorHooks

	state       State
	conn        Conn
	offConn     func()
	mode        transport.Mode
	connecting  bool
	limiter     *rate.Limiter
	lastAttempt time.Time
	attempts    int
	epoch       uint64
	retry       *time.Timer
	closed      bool

	watchers  map[uint64]func(State)
	nextWatch uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func newSupervisor(cfg Config, dial Dialer, token func() string, now func() time.Time, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		dial:     dial,
		token:    token,
		now:      now,
		log:      log,
		state:    Disconnected,
		limiter:  newConnectLimiter(cfg.MinConnectInterval),
		watchers: make(map[uint64]func(State)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func newConnectLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Connect opens a new transport, replacing any existing one. It returns once the attempt has
// resolved; the outcome is observable through State. Calls made while an attempt is in flight,
// within MinConnectInterval of the previous attempt, or after Close are ignored.
func (s *Supervisor) Connect(ctx context.Context) {
	s.connect(ctx, nil)
}

// connectIfCurrent is Connect pinned to epoch. It does nothing once Disconnect has run since
// the epoch was read.
func (s *Supervisor) connectIfCurrent(ctx context.Context, epoch uint64) {
	s.connect(ctx, &epoch)
}

func (s *Supervisor) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Supervisor) connect(ctx context.Context, pinned *uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug().Msg("connect ignored: supervisor closed")
		return
	}
	if pinned != nil && *pinned != s.epoch {
		s.mu.Unlock()
		s.log.Debug().Msg("connect ignored: disconnected since requested")
		return
	}
	if s.connecting {
		s.mu.Unlock()
		s.log.Debug().Msg("connect ignored: attempt in flight")
		return
	}
	now := s.now()
	if !s.limiter.AllowN(now, 1) {
		s.mu.Unlock()
		s.log.Debug().Msg("connect ignored: rate limited")
		return
	}

	s.lastAttempt = now
	s.attempts++
	s.connecting = true
	s.stopRetryLocked()
	old, oldOff := s.conn, s.offConn
	wasConnected := s.state == Connected
	s.conn, s.offConn = nil, nil
	epoch := s.epoch
	attempt := s.attempts
	notify := s.transitionLocked(Connecting)
	s.mu.Unlock()
	notify()

	if old != nil {
		oldOff()
		old.Close()
		if wasConnected {
			s.hook(s.hooks.dropped)
		}
	}

	s.log.Info().Int("attempt", attempt).Str("url", s.cfg.URL).Msg("connecting")

	conn, err := s.dial(s.cfg, s.token)
	if err != nil {
		s.fail(epoch, nil, err)
		return
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.offConn = conn.OnAny(func(event socket.Event, data json.RawMessage) {
		s.handleEvent(conn, event, data)
	})
	s.mu.Unlock()

	err = conn.Connect(ctx)

	s.mu.Lock()
	if epoch != s.epoch {
		// Disconnect ran while the handshake was in flight and already let go of conn.
		s.mu.Unlock()
		conn.Close()
		s.log.Debug().Msg("discarding connect result after disconnect")
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(epoch, conn, err)
		return
	}
	s.connecting = false
	s.mode = conn.Mode()
	notify = func() {}
	fresh := false
	switch s.state {
	case Connecting:
		// The transport never announced connect; its successful return stands in for it.
		fresh = true
		s.stopRetryLocked()
		notify = s.transitionLocked(Connected)
	case Disconnected:
		// Dropped while connect was being delivered. A retry that fired during the attempt was
		// ignored, so make sure one is armed.
		s.scheduleRetryLocked()
	}
	s.mu.Unlock()
	notify()

	if fresh {
		s.log.Info().Str("mode", string(conn.Mode())).Msg("connected")
		s.hook(s.hooks.connected)
	}
}

func (s *Supervisor) fail(epoch uint64, conn Conn, err error) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	var off func()
	if conn != nil && s.conn == conn {
		off = s.offConn
		s.conn, s.offConn = nil, nil
	}
	s.connecting = false
	notify := s.transitionLocked(Disconnected)
	s.scheduleRetryLocked()
	s.mu.Unlock()
	notify()

	if off != nil {
		off()
	}
	if conn != nil {
		conn.Close()
	}

	s.log.Warn().Err(err).Dur("retry_in", s.retryDelay()).Msg("connect failed")
	if s.hooks.event != nil {
		s.hooks.event(socket.EventConnectError, mustJSON(socket.ErrorPayload{Message: err.Error()}))
	}
}

// handleEvent follows lifecycle events of the current transport and forwards every event to
// the dispatcher. Events from a replaced transport are dropped.
func (s *Supervisor) handleEvent(conn Conn, event socket.Event, data json.RawMessage) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}

	notify := func() {}
	var after func()
	switch event {
	case socket.EventDisconnect:
		var reason string
		_ = json.Unmarshal(data, &reason)
		if reason != socket.ReasonClientDisconnect && s.state == Connected {
			s.log.Warn().Str("reason", reason).Msg("connection lost")
			notify = s.transitionLocked(Disconnected)
			s.scheduleRetryLocked()
			after = s.hooks.dropped
		}
	case socket.EventConnect:
		if s.state != Connected {
			s.mode = conn.Mode()
			s.stopRetryLocked()
			notify = s.transitionLocked(Connected)
			after = s.hooks.connected
			s.log.Info().Str("mode", string(conn.Mode())).Msg("connected")
		}
	case socket.EventConnectError:
		if !s.connecting {
			s.scheduleRetryLocked()
		}
	}
	s.mu.Unlock()

	notify()
	s.hook(after)
	if s.hooks.event != nil {
		s.hooks.event(event, data)
	}
}

// Disconnect closes the transport and clears every transient guard. Safe to call at any time.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.epoch++
	s.stopRetryLocked()
	conn, off := s.conn, s.offConn
	s.conn, s.offConn = nil, nil
	s.connecting = false
	s.lastAttempt = time.Time{}
	s.limiter = newConnectLimiter(s.cfg.MinConnectInterval)
	notify := s.transitionLocked(Disconnected)
	s.mu.Unlock()

	if conn != nil {
		off()
		conn.Close()
		s.log.Info().Msg("disconnected")
	}
	s.hook(s.hooks.reset)
	notify()
}

// Close disconnects and refuses every later Connect.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.Disconnect()
}

func (s *Supervisor) retryDelay() time.Duration {
	return max(s.cfg.RetryDelay, s.cfg.MinConnectInterval)
}

// scheduleRetryLocked arms the single second-tier retry. A retry that fires after the
// connection has recovered, or after Disconnect, does nothing.
func (s *Supervisor) scheduleRetryLocked() {
	if s.closed || s.retry != nil {
		return
	}
	epoch := s.epoch
	s.retry = time.AfterFunc(s.retryDelay(), func() {
		s.mu.Lock()
		if epoch != s.epoch || s.closed {
			s.mu.Unlock()
			return
		}
		s.retry = nil
		skip := s.state == Connected
		s.mu.Unlock()
		if skip {
			return
		}
		s.log.Debug().Msg("retrying connect")
		s.Connect(s.ctx)
	})
}

func (s *Supervisor) stopRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// transitionLocked records the new state and returns the watcher notification, which must run
// after the lock is released.
func (s *Supervisor) transitionLocked(next State) func() {
	if s.state == next {
		return func() {}
	}
	s.state = next
	watchers := make([]func(State), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	return func() {
		for _, fn := range watchers {
			fn(next)
		}
	}
}

func (s *Supervisor) hook(fn func()) {
	if fn != nil {
		fn()
	}
}

// Watch calls fn on every state change until cancel is called.
func (s *Supervisor) Watch(fn func(State)) (cancel func()) {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State          `json:"state"`
	Mode        transport.Mode `json:"mode,omitempty"`
	LastAttempt time.Time      `json:"lastAttempt,omitempty"`
	Attempts    int            `json:"attempts"`
	Rooms       []Membership   `json:"rooms,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state,
		LastAttempt: s.lastAttempt,
		Attempts:    s.attempts,
	}
	if s.state == Connected {
		st.Mode = s.mode
	}
	return st
}

// active returns the transport only while connected.
func (s *Supervisor) active() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	return s.conn
}

// handle returns the transport if one exists, connected or not.
func (s *Supervisor) handle() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
