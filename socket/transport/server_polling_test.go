package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func pollRequest(wait time.Duration) *http.Request {
	target := "/socket/poll?sessionId=s1"
	if wait > 0 {
		target += "&" + WaitParam + "=" + strconv.FormatInt(wait.Milliseconds(), 10)
	}
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func decodeFrames(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var raw []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode poll body %q: %v", rec.Body.String(), err)
	}
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = string(r)
	}
	return out
}

func TestPollReturnsQueuedFrames(t *testing.T) {
	tr := NewLongPollingServerTransport("s1", DefaultLongPollingServerConfig())
	tr.Write([]byte(`{"event":"a"}`))
	tr.Write([]byte(`{"event":"b"}`))

	rec := httptest.NewRecorder()
	tr.HandlePoll(rec, pollRequest(0))

	frames := decodeFrames(t, rec)
	if len(frames) != 2 || frames[0] != `{"event":"a"}` || frames[1] != `{"event":"b"}` {
		t.Fatalf("unexpected frames %v", frames)
	}

	rec = httptest.NewRecorder()
	tr.HandlePoll(rec, pollRequest(0))
	if frames := decodeFrames(t, rec); len(frames) != 0 {
		t.Fatalf("queue should be drained, got %v", frames)
	}
}

func TestHeldPollAnswersOnWrite(t *testing.T) {
	tr := NewLongPollingServerTransport("s1", DefaultLongPollingServerConfig())

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		tr.HandlePoll(rec, pollRequest(5*time.Second))
		done <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Write([]byte(`{"event":"late"}`))

	select {
	case rec := <-done:
		frames := decodeFrames(t, rec)
		if len(frames) != 1 || frames[0] != `{"event":"late"}` {
			t.Fatalf("unexpected frames %v", frames)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("held poll did not answer after a write")
	}
}

func TestHeldPollTimesOutEmpty(t *testing.T) {
	cfg := DefaultLongPollingServerConfig()
	cfg.MaxWait = 30 * time.Millisecond
	tr := NewLongPollingServerTransport("s1", cfg)

	start := time.Now()
	rec := httptest.NewRecorder()
	tr.HandlePoll(rec, pollRequest(5*time.Second))

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond || elapsed > time.Second {
		t.Fatalf("poll should be held for MaxWait, took %s", elapsed)
	}
	if frames := decodeFrames(t, rec); len(frames) != 0 {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestClosedSessionDrainsThenGone(t *testing.T) {
	tr := NewLongPollingServerTransport("s1", DefaultLongPollingServerConfig())
	tr.Write([]byte(`{"event":"connect_error"}`))
	tr.Close()

	if err := tr.Write([]byte(`{}`)); err != ErrTransportClosed {
		t.Fatalf("write after close: %v", err)
	}
	rec := httptest.NewRecorder()
	tr.HandlePoll(rec, pollRequest(0))
	if frames := decodeFrames(t, rec); len(frames) != 1 {
		t.Fatalf("final frame not delivered: %v", frames)
	}

	rec = httptest.NewRecorder()
	tr.HandlePoll(rec, pollRequest(0))
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 after drain, got %d", rec.Code)
	}
	if !tr.IsExpired() {
		t.Fatalf("drained closed session should be expired")
	}
}

func TestSendQueuesInbound(t *testing.T) {
	tr := NewLongPollingServerTransport("s1", DefaultLongPollingServerConfig())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/socket/send?sessionId=s1", strings.NewReader(`{"event":"ping"}`))
	tr.HandleSend(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d", rec.Code)
	}

	frame, err := tr.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(frame) != `{"event":"ping"}` {
		t.Fatalf("unexpected frame %s", frame)
	}

	tr.Close()
	if _, err := tr.Read(); err != ErrTransportClosed {
		t.Fatalf("read after close: %v", err)
	}
}
