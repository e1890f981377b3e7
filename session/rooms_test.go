package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kleeedolinux/livesession/socket"
)

func TestJoinRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), d)

	if s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("join succeeded without a connection")
	}
	if d.count() != 0 {
		t.Fatal("join dialled a transport")
	}
	if m := s.Membership("booking:B1"); m.State != NotAttempted {
		t.Fatalf("membership = %+v", m)
	}
}

func TestJoinEmptyName(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	if s.JoinRoom(context.Background(), "") {
		t.Fatal("joined empty room")
	}
	if n := len(d.conn(0).sentEvents(EventJoinRoom)); n != 0 {
		t.Fatalf("sent %d join requests", n)
	}
}

func TestJoinAcknowledged(t *testing.T) {
	s, d, _ := connected(t, testConfig())

	if !s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("join failed")
	}
	if m := s.Membership("booking:B1"); m.State != Joined {
		t.Fatalf("membership = %+v", m)
	}

	sent := d.conn(0).sentEvents(EventJoinRoom)
	if len(sent) != 1 {
		t.Fatalf("sent %d join requests", len(sent))
	}
	var req JoinRequest
	if err := json.Unmarshal(sent[0], &req); err != nil {
		t.Fatal(err)
	}
	if req.Room != "booking:B1" || req.BookingID == nil || *req.BookingID != "B1" {
		t.Fatalf("request = %+v", req)
	}

	if !s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("second join of a joined room failed")
	}
	if n := len(d.conn(0).sentEvents(EventJoinRoom)); n != 1 {
		t.Fatalf("joined room re-sent: %d requests", n)
	}
}

func TestJoinPayloadWithoutPrefix(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	s.JoinRoom(context.Background(), "zone:addis")

	sent := d.conn(0).sentEvents(EventJoinRoom)
	if len(sent) != 1 {
		t.Fatalf("sent %d", len(sent))
	}
	if got := string(sent[0]); got != `{"room":"zone:addis","bookingId":null}` {
		t.Fatalf("payload = %s", got)
	}
}

func TestConcurrentJoinRejected(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = nil
	c.mu.Unlock()

	result := make(chan bool, 1)
	go func() { result <- s.JoinRoom(context.Background(), "booking:B1") }()
	waitFor(t, "joining", func() bool { return s.Membership("booking:B1").State == Joining })

	if s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("duplicate join accepted")
	}
	if n := len(c.sentEvents(EventJoinRoom)); n != 1 {
		t.Fatalf("sent %d join requests, want 1", n)
	}

	c.push(EventJoined, JoinAck{Room: "booking:B1"})
	if !<-result {
		t.Fatal("first join failed")
	}
}

func TestJoinTimeoutRemovesListeners(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 30 * time.Millisecond
	s, d, _ := connected(t, cfg)
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = nil
	c.mu.Unlock()

	start := time.Now()
	if s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("join succeeded without an ack")
	}
	if elapsed := time.Since(start); elapsed < cfg.JoinTimeout {
		t.Fatalf("resolved after %v", elapsed)
	}
	if n := c.listeners(EventJoined); n != 0 {
		t.Fatalf("%d ack listeners leaked", n)
	}
	if n := c.listeners(EventBookingError); n != 0 {
		t.Fatalf("%d error listeners leaked", n)
	}
	if m := s.Membership("booking:B1"); m.State != Failed {
		t.Fatalf("membership = %+v", m)
	}

	// A late ack must not flip the outcome.
	c.push(EventJoined, JoinAck{Room: "booking:B1"})
	if m := s.Membership("booking:B1"); m.State != Failed {
		t.Fatalf("membership after late ack = %+v", m)
	}
}

func TestJoinIgnoresAckForOtherRoom(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	s, d, _ := connected(t, cfg)
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = func(c *fakeConn, event socket.Event, _ json.RawMessage) {
		if event == EventJoinRoom {
			go c.push(EventJoined, JoinAck{Room: "booking:B2"})
		}
	}
	c.mu.Unlock()

	if s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("ack for another room resolved the join")
	}
}

func TestJoinBookingError(t *testing.T) {
	s, d, sink := connected(t, testConfig())
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = func(c *fakeConn, event socket.Event, _ json.RawMessage) {
		if event == EventJoinRoom {
			go c.push(EventBookingError, ServerError{Message: "booking not found", Room: "booking:B9"})
		}
	}
	c.mu.Unlock()

	if s.JoinRoom(context.Background(), "booking:B9") {
		t.Fatal("join succeeded after booking_error")
	}
	if m := s.Membership("booking:B9"); m.State != Failed {
		t.Fatalf("membership = %+v", m)
	}
	waitFor(t, "toast", func() bool { return len(sink.all()) == 1 })
	if got := sink.all()[0]; got.message != "booking not found" || got.kind != ToastError {
		t.Fatalf("toast = %+v", got)
	}
}

func TestFailedBookingRoomCanRetry(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 20 * time.Millisecond
	s, d, _ := connected(t, cfg)
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = nil
	c.mu.Unlock()

	if s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("join succeeded without ack")
	}
	c.mu.Lock()
	c.onEmit = autoAck
	c.mu.Unlock()
	if !s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("retry of booking room failed")
	}
}

func TestGlobalRoomAttemptedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 20 * time.Millisecond
	s, d, _ := connected(t, cfg)
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = nil
	c.mu.Unlock()

	if s.JoinRoom(context.Background(), GlobalRoom) {
		t.Fatal("global join succeeded without ack")
	}
	c.mu.Lock()
	c.onEmit = autoAck
	c.mu.Unlock()
	if s.JoinRoom(context.Background(), GlobalRoom) {
		t.Fatal("global room retried after failure")
	}
	if n := len(c.sentEvents(EventJoinRoom)); n != 1 {
		t.Fatalf("sent %d global join requests", n)
	}

	// Disconnect clears the one-shot flag.
	s.SetAuth(AuthState{})
	s.SetAuth(AuthState{Token: "tok"})
	waitFor(t, "reconnect", func() bool { return s.State() == Connected })
	if !s.JoinRoom(context.Background(), GlobalRoom) {
		t.Fatal("global join after disconnect failed")
	}
}

func TestLeaveWithoutConnection(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, testConfig(), d)
	s.LeaveRoom("booking:B1")
	s.LeaveRoom("")
	if d.count() != 0 {
		t.Fatal("leave dialled")
	}
}

func TestLeaveSendsRequest(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	s.JoinRoom(context.Background(), "booking:B1")
	s.LeaveRoom("booking:B1")

	sent := d.conn(0).sentEvents(EventLeaveRoom)
	if len(sent) != 1 {
		t.Fatalf("sent %d leave requests", len(sent))
	}
	if got := string(sent[0]); got != `{"room":"booking:B1","bookingId":"B1"}` {
		t.Fatalf("payload = %s", got)
	}
	if m := s.Membership("booking:B1"); m.State != NotAttempted {
		t.Fatalf("membership after leave = %+v", m)
	}
}

func TestLeaveAbortsPendingJoin(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = nil
	c.mu.Unlock()

	result := make(chan bool, 1)
	go func() { result <- s.JoinRoom(context.Background(), "booking:B1") }()
	waitFor(t, "joining", func() bool { return s.Membership("booking:B1").State == Joining })

	s.LeaveRoom("booking:B1")
	select {
	case ok := <-result:
		if ok {
			t.Fatal("aborted join reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("join not aborted")
	}
}

func TestJoinContextCancel(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	c := d.conn(0)
	c.mu.Lock()
	c.onEmit = nil
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.JoinRoom(ctx, "booking:B1") {
		t.Fatal("join succeeded with cancelled context")
	}
	if n := c.listeners(EventJoined); n != 0 {
		t.Fatalf("%d ack listeners leaked", n)
	}
}

func TestRoomsRejoinedAfterDrop(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	if !s.JoinRoom(context.Background(), "booking:B1") {
		t.Fatal("join failed")
	}

	d.conn(0).drop(socket.ReasonTransportError)
	if m := s.Membership("booking:B1"); m.State != NotAttempted {
		t.Fatalf("membership after drop = %+v", m)
	}

	waitFor(t, "rejoin", func() bool { return s.Membership("booking:B1").State == Joined })
	if d.count() != 2 {
		t.Fatalf("dials = %d", d.count())
	}
	if n := len(d.last().sentEvents(EventJoinRoom)); n != 1 {
		t.Fatalf("rejoin sent %d requests", n)
	}
}

func TestTokenClearedResetsMemberships(t *testing.T) {
	s, d, _ := connected(t, testConfig())
	s.JoinRoom(context.Background(), "booking:B1")
	s.JoinRoom(context.Background(), GlobalRoom)

	s.SetAuth(AuthState{Token: "", IsAuthenticated: false})

	if s.State() != Disconnected {
		t.Fatalf("state = %v", s.State())
	}
	if ms := s.Status().Rooms; len(ms) != 0 {
		t.Fatalf("memberships = %+v", ms)
	}
	if !d.conn(0).isClosed() {
		t.Fatal("transport left open")
	}
}
