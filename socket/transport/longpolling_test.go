package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// pollingBackend serves one polling session backed by a server transport.
func pollingBackend(t *testing.T, srv *LongPollingServerTransport, seen func(*http.Request)) *httptest.Server {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen(r)
		switch path.Base(r.URL.Path) {
		case "connect":
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": srv.ID()})
		case "poll":
			srv.HandlePoll(w, r)
		case "send":
			srv.HandleSend(w, r)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return hs
}

func TestLongPollingSendsHeadersThroughCustomClient(t *testing.T) {
	srv := NewLongPollingServerTransport("s1", DefaultLongPollingServerConfig())

	var (
		mu      sync.Mutex
		headers []string
	)
	hs := pollingBackend(t, srv, func(r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("X-Dashboard"))
		mu.Unlock()
	})

	var trips atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		trips.Add(1)
		return http.DefaultTransport.RoundTrip(r)
	})}

	lp := NewLongPollingTransport(hs.URL+"/socket",
		WithLongPollingHeaders(http.Header{"X-Dashboard": {"ops"}}),
		WithHTTPClient(client),
		WithPollWait(time.Second),
		WithTimeout(5*time.Second))
	if err := lp.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := lp.Send([]byte(`{"event":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame, err := srv.Read()
	if err != nil || string(frame) != `{"event":"ping"}` {
		t.Fatalf("server read %s, %v", frame, err)
	}

	srv.Write([]byte(`{"event":"pong"}`))
	frame, err = lp.Receive()
	if err != nil || string(frame) != `{"event":"pong"}` {
		t.Fatalf("client received %s, %v", frame, err)
	}
	lp.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(headers) < 3 {
		t.Fatalf("only %d requests reached the server", len(headers))
	}
	for i, h := range headers {
		if h != "ops" {
			t.Fatalf("request %d carried header %q", i, h)
		}
	}
	if int(trips.Load()) < len(headers) {
		t.Fatalf("custom client saw %d requests, server %d", trips.Load(), len(headers))
	}
}

func TestLongPollingReportsGoneSession(t *testing.T) {
	srv := NewLongPollingServerTransport("s1", DefaultLongPollingServerConfig())
	hs := pollingBackend(t, srv, func(*http.Request) {})

	lp := NewLongPollingTransport(hs.URL+"/socket", WithPollWait(time.Second), WithTimeout(5*time.Second))
	if err := lp.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer lp.Close()

	srv.Close()
	if _, err := lp.Receive(); err != ErrSessionGone {
		t.Fatalf("expected ErrSessionGone, got %v", err)
	}
}
