package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
)

// ErrSessionGone is returned once the server has dropped the polling session.
var ErrSessionGone = errors.New("polling session gone")

// LongPollingTransport carries frames over plain HTTP: POST /send for outbound frames and held
// GET /poll requests for inbound ones.
type LongPollingTransport struct {
	baseURL string
	client  *http.Client
	headers http.Header
	log     zerolog.Logger

	pollInterval time.Duration
	pollWait     time.Duration
	timeout      time.Duration
	maxFailures  int

	mu        sync.Mutex
	sessionID string
	connected bool
	inbound   chan []byte
	failure   error
	ctx       context.Context
	cancel    context.CancelFunc
}

type LongPollingOption func(*LongPollingTransport)

func WithLongPollingHeaders(headers http.Header) LongPollingOption {
	return func(t *LongPollingTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

// WithPollInterval sets the pause between polls when the server does not hold them.
func WithPollInterval(interval time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.pollInterval = interval
	}
}

// WithPollWait sets how long the server may hold an empty poll. It is capped at half the
// request timeout; zero turns holding off.
func WithPollWait(wait time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.pollWait = wait
	}
}

// WithTimeout bounds every HTTP request.
func WithTimeout(timeout time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.timeout = timeout
	}
}

// WithMaxPollFailures sets how many consecutive failed polls end the session.
func WithMaxPollFailures(n int) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.maxFailures = n
	}
}

func WithHTTPClient(client *http.Client) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.client = client
	}
}

func WithPollingLogger(l zerolog.Logger) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.log = l
	}
}

func NewLongPollingTransport(baseURL string, opts ...LongPollingOption) *LongPollingTransport {
	t := &LongPollingTransport{
		baseURL:      baseURL,
		client:       &http.Client{},
		headers:      make(http.Header),
		log:          debug.Logger("transport.polling"),
		pollInterval: 1 * time.Second,
		pollWait:     10 * time.Second,
		timeout:      30 * time.Second,
		maxFailures:  3,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.pollWait = min(t.pollWait, t.timeout/2)
	return t
}

func (t *LongPollingTransport) Mode() Mode {
	return ModePolling
}

// Connect opens a polling session and starts the poller.
func (t *LongPollingTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	resp, err := t.do(ctx, http.MethodPost, t.baseURL+"/connect", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polling connect: %s", resp.Status)
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("polling connect: %w", err)
	}

	// The poller outlives the dial context.
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.sessionID = body.SessionID
	t.inbound = make(chan []byte, 100)
	t.failure = nil
	t.connected = true

	t.log.Debug().Str("session", t.sessionID).Dur("wait", t.pollWait).Msg("polling session opened")

	go t.poll(t.ctx, t.sessionID, t.inbound)
	return nil
}

func (t *LongPollingTransport) poll(ctx context.Context, sessionID string, inbound chan<- []byte) {
	failures := 0
	delay := t.pollInterval
	if t.pollWait > 0 {
		delay = 0
	}

	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		start := time.Now()
		frames, err := t.fetch(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			t.log.Debug().Err(err).Int("failures", failures).Int("max", t.maxFailures).Msg("poll failed")
			if errors.Is(err, ErrSessionGone) || (t.maxFailures > 0 && failures >= t.maxFailures) {
				t.fail(err)
				return
			}
			delay = t.pollInterval
			continue
		}
		failures = 0

		for _, f := range frames {
			select {
			case inbound <- f:
			case <-ctx.Done():
				return
			}
		}
		delay = t.nextDelay(len(frames), time.Since(start))
	}
}

// nextDelay polls again at once after frames or after a held poll. A server that answered an
// empty poll without holding it gets the regular interval.
func (t *LongPollingTransport) nextDelay(frames int, elapsed time.Duration) time.Duration {
	switch {
	case t.pollWait <= 0:
		return t.pollInterval
	case frames > 0 || elapsed >= t.pollWait/2:
		return 0
	default:
		return t.pollInterval
	}
}

func (t *LongPollingTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		t.failure = err
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *LongPollingTransport) fetch(parent context.Context, sessionID string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(parent, t.timeout)
	defer cancel()

	endpoint := t.endpoint("/poll", sessionID)
	if t.pollWait > 0 {
		endpoint += "&" + WaitParam + "=" + strconv.FormatInt(t.pollWait.Milliseconds(), 10)
	}
	resp, err := t.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone, http.StatusNotFound:
		return nil, ErrSessionGone
	default:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	frames := make([][]byte, len(raw))
	for i, m := range raw {
		frames[i] = m
	}
	return frames, nil
}

func (t *LongPollingTransport) Send(frame []byte) error {
	t.mu.Lock()
	sessionID := t.sessionID
	parent := t.ctx
	t.mu.Unlock()

	if sessionID == "" || parent == nil {
		return errNotConnected
	}

	ctx, cancel := context.WithTimeout(parent, t.timeout)
	defer cancel()

	resp, err := t.do(ctx, http.MethodPost, t.endpoint("/send", sessionID), bytes.NewReader(frame))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrSessionGone
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send: %s - %s", resp.Status, bytes.TrimSpace(body))
	}
}

// Receive blocks for the next inbound frame. After the poller gives up it returns the error
// that stopped it.
func (t *LongPollingTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	connected := t.connected
	ctx := t.ctx
	inbound := t.inbound
	t.mu.Unlock()

	if !connected {
		return nil, errNotConnected
	}

	select {
	case frame := <-inbound:
		return frame, nil
	case <-ctx.Done():
		t.mu.Lock()
		err := t.failure
		t.mu.Unlock()
		if err == nil {
			err = errors.New("connection closed")
		}
		return nil, err
	}
}

// Close ends the session on the server and stops the poller.
func (t *LongPollingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if resp, err := t.do(ctx, http.MethodPost, t.endpoint("/disconnect", t.sessionID), nil); err == nil {
		resp.Body.Close()
	} else {
		t.log.Debug().Err(err).Msg("disconnect request failed")
	}

	t.cancel()
	t.connected = false
	t.sessionID = ""
	return nil
}

func (t *LongPollingTransport) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return t.client.Do(req)
}

func (t *LongPollingTransport) endpoint(path, sessionID string) string {
	return t.baseURL + path + "?sessionId=" + url.QueryEscape(sessionID)
}
