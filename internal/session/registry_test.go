package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewRegistry()
	s := New("S1", "A1", "public.NORMAL", "tok", "anonymous", PermRead, 16)

	r.Insert(s)
	got, ok := r.Lookup("S1")
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove("S1")
	_, ok = r.Lookup("S1")
	assert.False(t, ok)
}

func TestRegistrySessionsPermittedFiltersByPermission(t *testing.T) {
	r := NewRegistry()
	readOnly := New("S1", "A1", "public.NORMAL", "tok", "anonymous", PermRead, 16)
	readWrite := New("S2", "A2", "public.NORMAL", "tok", "anonymous", PermRead|PermWrite, 16)
	elsewhere := New("S3", "A3", "public.OTHER", "tok", "anonymous", PermRead, 16)

	r.Insert(readOnly)
	r.Insert(readWrite)
	r.Insert(elsewhere)

	permitted := r.SessionsPermitted("public.NORMAL", PermRead)
	assert.ElementsMatch(t, []string{"S1", "S2"}, permitted)
}

func TestRegistryForEachInSyncGroupOnlyVisitsThatGroup(t *testing.T) {
	r := NewRegistry()
	r.Insert(New("S1", "A1", "public.NORMAL", "tok", "anonymous", PermRead, 16))
	r.Insert(New("S2", "A2", "public.OTHER", "tok", "anonymous", PermRead, 16))

	var visited []string
	r.ForEachInSyncGroup("public.NORMAL", func(s *Session) {
		visited = append(visited, s.ID)
	})

	assert.Equal(t, []string{"S1"}, visited)
}

func TestRemoveAndCloseDrainsQueue(t *testing.T) {
	r := NewRegistry()
	s := New("S1", "A1", "public.NORMAL", "tok", "anonymous", PermRead, 4)
	s.Outbound.Enqueue(Message{Kind: KindTick, Data: []byte("x")})
	r.Insert(s)

	require.NoError(t, r.RemoveAndClose("S1"))
	assert.True(t, s.IsClosed())
	assert.Equal(t, 0, s.Outbound.Len())

	require.Error(t, r.RemoveAndClose("S1"))
}

func TestOutboundQueueDropsOldestNonCriticalFirst(t *testing.T) {
	q := NewOutboundQueue(2)
	a1, _ := q.Enqueue(Message{Kind: KindTick, Data: []byte("tick-1")})
	a2, _ := q.Enqueue(Message{Kind: KindTick, Data: []byte("tick-2")})
	require.True(t, a1)
	require.True(t, a2)

	accepted, stalled := q.Enqueue(Message{Kind: KindCritical, Data: []byte("heartbeat")})
	require.True(t, accepted)
	require.False(t, stalled)

	msg, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, []byte("tick-2"), msg.Data, "oldest tick entry should have been evicted")
}

func TestOutboundQueueStallsWhenFullOfCritical(t *testing.T) {
	q := NewOutboundQueue(1)
	accepted, stalled := q.Enqueue(Message{Kind: KindCritical, Data: []byte("hb-1")})
	require.True(t, accepted)
	require.False(t, stalled)

	accepted, stalled = q.Enqueue(Message{Kind: KindCritical, Data: []byte("hb-2")})
	assert.False(t, accepted)
	assert.True(t, stalled)
}
