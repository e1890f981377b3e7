package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
)

// Session is the surface the rest of the application depends on. The transport handle never
// leaves the Supervisor.
type Session struct {
	cfg   Config
	log   zerolog.Logger
	sup   *Supervisor
	rooms *Rooms
	disp  *Dispatcher

	mu     sync.Mutex
	auth   AuthState
	token  string
	closed bool
}

type options struct {
	notifier Notifier
	dialer   Dialer
	now      func() time.Time
	log      *zerolog.Logger
}

type Option func(*options)

// WithNotifier sets the toast sink. Defaults to a LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithDialer replaces the socket client factory.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock sets the clock used for rate limiting and join deadlines.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// New builds a disconnected Session. Nothing connects until SetAuth supplies a token.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{dialer: DialSocket, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	log := debug.Logger("session")
	if o.log != nil {
		log = *o.log
	}
	if o.notifier == nil {
		o.notifier = LogNotifier{Log: log.With().Str("part", "notify").Logger()}
	}

	s := &Session{cfg: cfg, log: log}
	s.sup = newSupervisor(cfg, o.dialer, s.currentToken, o.now, log.With().Str("part", "supervisor").Logger())
	s.rooms = newRooms(s.sup, cfg, o.now, log.With().Str("part", "rooms").Logger())
	s.disp = newDispatcher(o.notifier, log.With().Str("part", "dispatch").Logger())
	s.sup.hooks = supervisorHooks{
		connected: s.rooms.connected,
		dropped:   s.rooms.dropped,
		reset:     s.rooms.Reset,
		event:     s.disp.Deliver,
	}
	return s, nil
}

func (s *Session) mustInit() {
	if s == nil || s.sup == nil {
		panic("session: Session used before New")
	}
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) State() State {
	s.mustInit()
	return s.sup.State()
}

// Status reports the connection and every room membership.
func (s *Session) Status() Status {
	s.mustInit()
	st := s.sup.Status()
	st.Rooms = s.rooms.Memberships()
	return st
}

// Connect is the manual retry trigger. It does nothing without a usable token.
func (s *Session) Connect(ctx context.Context) {
	s.mustInit()
	if s.currentToken() == "" {
		s.log.Debug().Msg("connect skipped: no token")
		return
	}
	s.sup.Connect(ctx)
}

// JoinRoom joins room and reports the outcome. It never returns an error.
func (s *Session) JoinRoom(ctx context.Context, room string) bool {
	s.mustInit()
	return s.rooms.Join(ctx, room)
}

func (s *Session) LeaveRoom(room string) {
	s.mustInit()
	s.rooms.Leave(room)
}

func (s *Session) Membership(room string) Membership {
	s.mustInit()
	return s.rooms.Membership(room)
}

// Subscribe registers wire handlers and a normalized event handler; see Dispatcher.Subscribe.
// Handlers run on the transport's receive goroutine and must not block: a handler that waits on
// JoinRoom holds up the very ack it waits for. Hand such work to another goroutine.
func (s *Session) Subscribe(handlers Handlers, onEvent func(Event)) (unsubscribe func()) {
	s.mustInit()
	return s.disp.Subscribe(handlers, onEvent)
}

// Watch calls fn on every connection state change.
func (s *Session) Watch(fn func(State)) (cancel func()) {
	s.mustInit()
	return s.sup.Watch(fn)
}

// SetAuth applies a new auth state. A token that becomes available connects, a changed token
// reconnects, a cleared token disconnects and forgets every room. Loading states are ignored.
// Connecting blocks until the attempt resolves.
func (s *Session) SetAuth(a AuthState) {
	s.mustInit()
	s.applyAuth(a, false)
}

// applyAuth does the work of SetAuth. In the background the connect attempt runs on its own
// goroutine and is abandoned if a later update disconnects first.
func (s *Session) applyAuth(a AuthState, background bool) {
	s.mu.Lock()
	s.auth = a
	if s.closed || a.Loading {
		s.mu.Unlock()
		return
	}
	prev := s.token
	if a.Token == prev {
		s.mu.Unlock()
		return
	}
	s.token = a.Token
	s.mu.Unlock()

	if prev != "" {
		s.log.Info().Msg("auth token changed; disconnecting")
		s.sup.Disconnect()
	}
	if !a.Ready() {
		return
	}
	if !background {
		s.sup.Connect(s.sup.ctx)
		return
	}
	epoch := s.sup.currentEpoch()
	go s.sup.connectIfCurrent(s.sup.ctx, epoch)
}

// Auth returns the last applied auth state.
func (s *Session) Auth() AuthState {
	s.mustInit()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Observe applies auth states from updates until ctx is done or updates is closed. Connect
// attempts run in the background, so a sign-out arriving mid-handshake applies at once.
func (s *Session) Observe(ctx context.Context, updates <-chan AuthState) error {
	s.mustInit()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-updates:
			if !ok {
				return nil
			}
			s.applyAuth(a, true)
		}
	}
}

// Close tears the session down. Later calls do nothing.
func (s *Session) Close() {
	s.mustInit()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.sup.Close()
}
