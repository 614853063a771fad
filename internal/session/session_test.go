package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	evicted int
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) Evict()     { f.evicted++ }

func TestTracker_ReconnectEvictsOld(t *testing.T) {
	tr := NewTracker()
	first := &fakeConn{id: "c1"}
	second := &fakeConn{id: "c2"}

	tr.Attach("client", first)
	tr.Attach("client", second)

	assert.Equal(t, 1, first.evicted)
	assert.Equal(t, 0, second.evicted)
	got, ok := tr.Lookup("client")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_ReattachSameConnDoesNotEvict(t *testing.T) {
	tr := NewTracker()
	c := &fakeConn{id: "c1"}
	tr.Attach("client", c)
	tr.Attach("client", c)
	assert.Equal(t, 0, c.evicted)
}

func TestTracker_StaleDetachKeepsNewMapping(t *testing.T) {
	tr := NewTracker()
	tr.Attach("client", &fakeConn{id: "c1"})
	tr.Attach("client", &fakeConn{id: "c2"})

	// The evicted connection cleans up after the new one registered.
	assert.False(t, tr.Detach("client", "c1"))
	_, ok := tr.Lookup("client")
	assert.True(t, ok)

	assert.True(t, tr.Detach("client", "c2"))
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_EmptyClientIDIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Attach("", &fakeConn{id: "c1"})
	assert.Equal(t, 0, tr.Len())
}

func TestSession_Lifecycle(t *testing.T) {
	s := New()
	assert.Equal(t, Connected, s.Phase())

	_, err := s.Tierlist()
	assert.ErrorIs(t, err, ErrNotJoined)

	assert.Empty(t, s.Join("tl1"))
	id, err := s.Tierlist()
	require.NoError(t, err)
	assert.Equal(t, "tl1", id)

	assert.Equal(t, "tl1", s.Join("tl2"))
	assert.Equal(t, "tl2", s.Leave())
	assert.Equal(t, Connected, s.Phase())

	s.Join("tl3")
	assert.Equal(t, "tl3", s.Close())
	assert.Equal(t, Closed, s.Phase())

	// A closed session stays closed.
	s.Join("tl4")
	assert.Equal(t, Closed, s.Phase())
}

func TestSession_Directory(t *testing.T) {
	s := New()
	assert.True(t, s.SetDirectory(true))
	assert.False(t, s.SetDirectory(true))
	assert.True(t, s.InDirectory())
	assert.True(t, s.SetDirectory(false))
}
