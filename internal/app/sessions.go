package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
)

// Sessions is the pairing table. A viewer holds at most one session;
// a broadcaster may serve many. Sessions are derived state: when either
// connection is gone the broker removes every pairing that names it.
type Sessions struct {
	mu       sync.RWMutex
	byViewer map[domain.ConnID]*domain.Session
	now      core.Clock
}

func NewSessions(now core.Clock) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{
		byViewer: make(map[domain.ConnID]*domain.Session),
		now:      now,
	}
}

// Create pairs a viewer with a broadcaster in state Requested. Any
// previous session held by the viewer is replaced implicitly and
// returned so the broker can notify its broadcaster.
func (s *Sessions) Create(broadcasterID, viewerID domain.ConnID) (created domain.Session, replaced domain.Session, didReplace bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byViewer[viewerID]; ok {
		replaced = *old
		didReplace = true
	}
	sess := &domain.Session{
		BroadcasterID: broadcasterID,
		ViewerID:      viewerID,
		State:         domain.SessionRequested,
		StartedAt:     s.now(),
	}
	s.byViewer[viewerID] = sess
	log.Info().
		Str("module", "app.sessions").
		Str("broadcaster", string(broadcasterID)).
		Str("viewer", string(viewerID)).
		Msg("session requested")
	return *sess, replaced, didReplace
}

func (s *Sessions) ByViewer(viewerID domain.ConnID) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.byViewer[viewerID]; ok {
		return *sess, true
	}
	return domain.Session{}, false
}

func (s *Sessions) ByBroadcaster(broadcasterID domain.ConnID) []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Session
	for _, sess := range s.byViewer {
		if sess.BroadcasterID == broadcasterID {
			out = append(out, *sess)
		}
	}
	return out
}

// Peer resolves the counterpart of a connection when it is unambiguous:
// a viewer's broadcaster, or a broadcaster's single viewer. A
// broadcaster fanning out to several viewers has no single peer.
func (s *Sessions) Peer(id domain.ConnID) (domain.ConnID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.byViewer[id]; ok {
		return sess.BroadcasterID, true
	}
	var peer domain.ConnID
	count := 0
	for _, sess := range s.byViewer {
		if sess.BroadcasterID == id {
			peer = sess.ViewerID
			count++
		}
	}
	if count == 1 {
		return peer, true
	}
	return "", false
}

// Advance moves the viewer's session to the given state. Returns false
// when no session exists or the transition is not a legal step forward.
func (s *Sessions) Advance(viewerID domain.ConnID, state domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byViewer[viewerID]
	if !ok || state < sess.State {
		return false
	}
	if sess.State != state {
		log.Debug().
			Str("module", "app.sessions").
			Str("viewer", string(viewerID)).
			Str("state", state.String()).
			Msg("session advanced")
		sess.State = state
	}
	return true
}

// RemoveByConn tears down every session referencing the connection and
// returns them so the broker can notify the surviving peers.
func (s *Sessions) RemoveByConn(id domain.ConnID) []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []domain.Session
	for vid, sess := range s.byViewer {
		if sess.ViewerID == id || sess.BroadcasterID == id {
			sess.State = domain.SessionClosed
			removed = append(removed, *sess)
			delete(s.byViewer, vid)
		}
	}
	return removed
}

func (s *Sessions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byViewer)
}
