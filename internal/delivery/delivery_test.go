package delivery

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/session"
)

type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
	failAt  int
	calls   int
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls >= f.failAt {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineDrainsQueueInFIFOOrder(t *testing.T) {
	sock := &fakeSocket{}
	sess := session.New("s1", "a1", "public.NORMAL", "tok", "anon", session.PermRead, 8)
	sess.Socket = sock
	sess.Outbound.Enqueue(session.Message{Kind: session.KindTick, Data: []byte("one")})
	sess.Outbound.Enqueue(session.Message{Kind: session.KindTick, Data: []byte("two")})

	p := NewPipeline(time.Second, metrics.New(), newTestLogger())
	go p.Run(sess)

	require.Eventually(t, func() bool { return len(sock.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := sock.messages()
	assert.Equal(t, []byte("one"), msgs[0])
	assert.Equal(t, []byte("two"), msgs[1])

	sess.Close()
}

func TestPipelineClosesSessionOnWriteFailure(t *testing.T) {
	sock := &fakeSocket{failAt: 1}
	sess := session.New("s1", "a1", "public.NORMAL", "tok", "anon", session.PermRead, 8)
	sess.Socket = sock
	sess.Outbound.Enqueue(session.Message{Kind: session.KindTick, Data: []byte("boom")})

	p := NewPipeline(time.Second, metrics.New(), newTestLogger())
	go p.Run(sess)

	require.Eventually(t, sess.IsClosed, time.Second, 5*time.Millisecond)
}

func TestPipelineStopsWhenSessionCloses(t *testing.T) {
	sock := &fakeSocket{}
	sess := session.New("s1", "a1", "public.NORMAL", "tok", "anon", session.PermRead, 8)
	sess.Socket = sock

	p := NewPipeline(time.Second, metrics.New(), newTestLogger())
	done := make(chan struct{})
	go func() {
		p.Run(sess)
		close(done)
	}()

	sess.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after session closed")
	}
}
