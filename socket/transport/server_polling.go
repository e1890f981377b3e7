package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// WaitParam is the query parameter a poll uses to ask the server to hold it, in milliseconds.
const WaitParam = "wait"

type LongPollingServerConfig struct {
	// DisconnectTimeout expires a session that has not polled or sent for this long.
	DisconnectTimeout time.Duration
	// MaxWait caps how long a poll is held while nothing is queued.
	MaxWait    time.Duration
	BufferSize int
}

func DefaultLongPollingServerConfig() LongPollingServerConfig {
	return LongPollingServerConfig{
		DisconnectTimeout: 60 * time.Second,
		MaxWait:           20 * time.Second,
		BufferSize:        100,
	}
}

// LongPollingServerTransport queues outbound frames until the client polls for them.
type LongPollingServerTransport struct {
	id  string
	cfg LongPollingServerConfig

	inbound chan []byte
	done    chan struct{}
	// ready is signalled when frames are queued so a held poll can answer.
	ready chan struct{}

	mu       sync.Mutex
	pending  [][]byte
	lastSeen time.Time
	closed   bool
}

func NewLongPollingServerTransport(id string, cfg LongPollingServerConfig) *LongPollingServerTransport {
	return &LongPollingServerTransport{
		id:       id,
		cfg:      cfg,
		inbound:  make(chan []byte, max(cfg.BufferSize, 1)),
		done:     make(chan struct{}),
		ready:    make(chan struct{}, 1),
		lastSeen: time.Now(),
	}
}

func (t *LongPollingServerTransport) ID() string { return t.id }

func (t *LongPollingServerTransport) Mode() Mode { return ModePolling }

func (t *LongPollingServerTransport) Read() ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *LongPollingServerTransport) Write(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.pending = append(t.pending, frame)
	t.mu.Unlock()

	select {
	case t.ready <- struct{}{}:
	default:
	}
	return nil
}

func (t *LongPollingServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// take removes every queued frame. gone reports a closed session with nothing left to hand out.
func (t *LongPollingServerTransport) take() (frames [][]byte, gone bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed && len(t.pending) == 0 {
		return nil, true
	}
	t.lastSeen = time.Now()
	frames, t.pending = t.pending, nil
	return frames, false
}

// HandlePoll answers with the queued frames as a JSON array. With nothing queued it holds the
// request for up to the client's wait (capped by MaxWait). A closed session still hands out what
// was queued before closing, so a final connect_error reaches the client; after that it answers
// 410.
func (t *LongPollingServerTransport) HandlePoll(w http.ResponseWriter, r *http.Request) {
	frames, gone := t.take()
	if gone {
		http.Error(w, "Session closed", http.StatusGone)
		return
	}

	if wait := t.wait(r); len(frames) == 0 && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-t.ready:
		case <-t.done:
		case <-timer.C:
		case <-r.Context().Done():
		}
		timer.Stop()
		frames, _ = t.take()
	}

	out := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (t *LongPollingServerTransport) wait(r *http.Request) time.Duration {
	ms, err := strconv.Atoi(r.URL.Query().Get(WaitParam))
	if err != nil || ms <= 0 {
		return 0
	}
	return min(time.Duration(ms)*time.Millisecond, t.cfg.MaxWait)
}

func (t *LongPollingServerTransport) HandleSend(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, "Session closed", http.StatusGone)
		return
	}
	t.lastSeen = time.Now()
	t.mu.Unlock()

	defer r.Body.Close()
	frame, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	select {
	case t.inbound <- frame:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Message queue full", http.StatusServiceUnavailable)
	}
}

// IsExpired reports a session the sweeper may drop: closed and fully drained, or idle past
// DisconnectTimeout.
func (t *LongPollingServerTransport) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed && len(t.pending) == 0 {
		return true
	}
	return time.Since(t.lastSeen) > t.cfg.DisconnectTimeout
}
