package socket

import (
	"encoding/json"
	"net/http"
	"path"
	"time"

	"github.com/kleeedolinux/livesession/socket/transport"
)

// LongPollingSession ties a polling session id to its transport and socket.
type LongPollingSession struct {
	ID        string
	Transport *transport.LongPollingServerTransport
	Socket    *serverSocket
}

// servePolling handles the four polling endpoints under the mount path: connect, poll, send
// and disconnect.
func (s *Server) servePolling(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")

	switch endpoint := path.Base(r.URL.Path); {
	case endpoint == "connect" && r.Method == http.MethodPost:
		s.openSession(w)
	case endpoint == "poll":
		if sess, ok := s.lookupSession(id); ok {
			sess.Transport.HandlePoll(w, r)
			return
		}
		http.Error(w, "Session not found", http.StatusNotFound)
	case endpoint == "send" && r.Method == http.MethodPost:
		if sess, ok := s.lookupSession(id); ok {
			sess.Transport.HandleSend(w, r)
			return
		}
		http.Error(w, "Session not found", http.StatusNotFound)
	case endpoint == "disconnect":
		if sess, ok := s.dropSession(id); ok {
			sess.Socket.shutdown(nil)
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
	}
}

func (s *Server) openSession(w http.ResponseWriter) {
	release, ok := s.acquire()
	if !ok {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	id := generateID()
	t := transport.NewLongPollingServerTransport(id, transport.DefaultLongPollingServerConfig())
	socket := newServerSocket(id, t, s, release)

	s.mu.Lock()
	s.sessions[id] = &LongPollingSession{ID: id, Transport: t, Socket: socket}
	s.mu.Unlock()

	go socket.run()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
}

func (s *Server) lookupSession(id string) (*LongPollingSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) dropSession(id string) (*LongPollingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

// sweep expires idle or drained polling sessions until the server shuts down.
func (s *Server) sweep() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		var expired []*LongPollingSession
		s.mu.Lock()
		for id, sess := range s.sessions {
			if sess.Transport.IsExpired() {
				delete(s.sessions, id)
				expired = append(expired, sess)
			}
		}
		s.mu.Unlock()

		for _, sess := range expired {
			s.log.Debug().Str("sid", sess.ID).Msg("polling session expired")
			sess.Socket.shutdown(transport.ErrTransportClosed)
		}
	}
}
