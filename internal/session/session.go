package session

import (
	"errors"
	"sync"
)

var ErrNotJoined = errors.New("join a tierlist first")

// Evictor is a live connection the tracker can push out when its client reconnects.
type Evictor interface {
	ID() string
	Evict()
}

// Tracker maps a client id to its single live connection.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]Evictor
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]Evictor)}
}

// Attach records conn as the live connection for clientID. A different connection already
// registered for the client is evicted before Attach returns.
func (t *Tracker) Attach(clientID string, conn Evictor) {
	if clientID == "" {
		return
	}
	t.mu.Lock()
	old := t.conns[clientID]
	t.conns[clientID] = conn
	t.mu.Unlock()

	if old != nil && old.ID() != conn.ID() {
		old.Evict()
	}
}

// Detach forgets clientID, but only while connID is still the connection on record.
func (t *Tracker) Detach(clientID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.conns[clientID]
	if !ok || cur.ID() != connID {
		return false
	}
	delete(t.conns, clientID)
	return true
}

func (t *Tracker) Lookup(clientID string) (Evictor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[clientID]
	return c, ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

type Phase int

const (
	Connected Phase = iota
	Joined
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state: which tierlist it has joined, if any.
type Session struct {
	mu         sync.Mutex
	phase      Phase
	tierlistID string
	directory  bool
}

func New() *Session { return &Session{} }

// Join moves the session into tierlistID and returns the tierlist it left, if any.
func (s *Session) Join(tierlistID string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Joined {
		previous = s.tierlistID
	}
	if s.phase != Closed {
		s.phase = Joined
		s.tierlistID = tierlistID
	}
	return previous
}

// Leave drops the current tierlist and returns it.
func (s *Session) Leave() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tierlistID
	if s.phase == Joined {
		s.phase = Connected
	}
	s.tierlistID = ""
	return prev
}

// Tierlist returns the joined tierlist or ErrNotJoined.
func (s *Session) Tierlist() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Joined {
		return "", ErrNotJoined
	}
	return s.tierlistID, nil
}

func (s *Session) SetDirectory(on bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.directory != on
	s.directory = on
	return changed
}

func (s *Session) InDirectory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory
}

// Close ends the session and returns the tierlist it was in.
func (s *Session) Close() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tierlistID
	s.phase = Closed
	s.tierlistID = ""
	return prev
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
