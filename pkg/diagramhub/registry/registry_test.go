package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{}

func (nopSink) Send([]byte) error { return nil }
func (nopSink) Close(string)      {}

func TestRegisterAndList(t *testing.T) {
	r := New()
	assert.False(t, r.Exists("d1"))

	a := r.Register("d1", "s1", "Alice", nopSink{})
	b := r.Register("d1", "s1", "Alice", nopSink{})
	c := r.Register("d2", "s2", "Bob", nopSink{})

	assert.NotEqual(t, a.ConnectionID, b.ConnectionID, "tabs of one session get distinct connections")
	assert.True(t, r.Exists("d1"))
	assert.Equal(t, 2, r.Count("d1"))

	ids := []string{}
	for _, m := range r.ListMembers("d1") {
		ids = append(ids, m.ConnectionID)
		assert.Equal(t, "d1", m.DiagramID)
	}
	assert.ElementsMatch(t, []string{a.ConnectionID, b.ConnectionID}, ids)
	assert.Len(t, r.ListMembers("d2"), 1)
	assert.Equal(t, c.ConnectionID, r.ListMembers("d2")[0].ConnectionID)

	rooms, conns := r.Stats()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 3, conns)
	assert.Equal(t, map[string]int{"d1": 2, "d2": 1}, r.RoomSizes())
}

func TestListMembersOrderedByJoin(t *testing.T) {
	r := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first := r.Register("d", "s1", "n1", nopSink{})
	second := r.Register("d", "s2", "n2", nopSink{})
	third := r.Register("d", "s3", "n3", nopSink{})

	members := r.ListMembers("d")
	require.Len(t, members, 3)
	assert.Equal(t, first.ConnectionID, members[0].ConnectionID)
	assert.Equal(t, second.ConnectionID, members[1].ConnectionID)
	assert.Equal(t, third.ConnectionID, members[2].ConnectionID)
}

func TestUnregisterRemovesEmptyRoom(t *testing.T) {
	r := New()
	a := r.Register("d1", "s1", "n", nopSink{})
	b := r.Register("d1", "s2", "n", nopSink{})

	m, ok := r.Unregister(a.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "s1", m.SessionID)
	assert.True(t, r.Exists("d1"))

	_, ok = r.Unregister(b.ConnectionID)
	require.True(t, ok)
	assert.False(t, r.Exists("d1"))
	assert.Empty(t, r.ListMembers("d1"))

	rooms, conns := r.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, conns)
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	a := r.Register("d1", "s1", "n", nopSink{})

	_, ok := r.Unregister(a.ConnectionID)
	assert.True(t, ok)
	_, ok = r.Unregister(a.ConnectionID)
	assert.False(t, ok)
	_, ok = r.Unregister("never-registered")
	assert.False(t, ok)
}

func TestConcurrentUnregisterHasOneWinner(t *testing.T) {
	r := New()
	for round := 0; round < 100; round++ {
		m := r.Register("d", "s", "n", nopSink{})

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := r.Unregister(m.ConnectionID); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)
	}
	assert.False(t, r.Exists("d"))
}

func TestConcurrentRegisterAcrossRooms(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			diagram := fmt.Sprintf("d%d", i%5)
			m := r.Register(diagram, fmt.Sprintf("s%d", i), "n", nopSink{})
			if i%2 == 0 {
				r.Unregister(m.ConnectionID)
			}
		}(i)
	}
	wg.Wait()

	rooms, conns := r.Stats()
	assert.Equal(t, 5, rooms)
	assert.Equal(t, 25, conns)
}

func TestLookupAndSetNickname(t *testing.T) {
	r := New()
	a := r.Register("d1", "s1", "Guest_0001", nopSink{})

	got, ok := r.Lookup(a.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "Guest_0001", got.Nickname)

	before, ok := r.SetNickname(a.ConnectionID, "Ada")
	require.True(t, ok)
	assert.Equal(t, "Guest_0001", before.Nickname)

	got, _ = r.Lookup(a.ConnectionID)
	assert.Equal(t, "Ada", got.Nickname)
	assert.Equal(t, "Ada", r.ListMembers("d1")[0].Nickname)

	r.Unregister(a.ConnectionID)
	_, ok = r.Lookup(a.ConnectionID)
	assert.False(t, ok)
	_, ok = r.SetNickname(a.ConnectionID, "x")
	assert.False(t, ok)
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	r.Register("d1", "s1", "n", nopSink{})

	snapshot := r.ListMembers("d1")
	r.Register("d1", "s2", "n", nopSink{})
	snapshot[0].Nickname = "changed"

	assert.Len(t, snapshot, 1)
	assert.Equal(t, "n", r.ListMembers("d1")[0].Nickname)
}
