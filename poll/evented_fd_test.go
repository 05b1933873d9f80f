//go:build unix

package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	p := make([]int, 2)
	require.NoError(t, unix.Pipe(p))
	for _, fd := range p {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestEventedFdReadable(t *testing.T) {
	p := newTestPoll(t)
	r, w := newPipe(t)

	require.NoError(t, p.Register(EventedFd(r), 7, Readable, Level))

	events := NewEvents(8)
	n, err := p.Poll(events, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	n, err = p.Poll(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ev := events.Slice()[0]
	assert.Equal(t, Token(7), ev.Token())
	assert.True(t, ev.Readiness().IsReadable())
}

func TestEventedFdWritableAndReregister(t *testing.T) {
	p := newTestPoll(t)
	_, w := newPipe(t)

	require.NoError(t, p.Register(EventedFd(w), 1, Writable, Level))
	events := NewEvents(8)
	n, err := p.Poll(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(1), events.Slice()[0].Token())

	require.NoError(t, p.Reregister(EventedFd(w), 2, Writable, Level))
	n, err = p.Poll(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(2), events.Slice()[0].Token())
}

func TestEventedFdDeregister(t *testing.T) {
	p := newTestPoll(t)
	r, w := newPipe(t)

	require.NoError(t, p.Register(EventedFd(r), 5, Readable, Level))
	require.NoError(t, p.Deregister(EventedFd(r)))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	n, err := p.Poll(NewEvents(8), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Error(t, p.Deregister(EventedFd(r)))
}

func TestEventedFdDuplicateRegister(t *testing.T) {
	p := newTestPoll(t)
	r, _ := newPipe(t)

	require.NoError(t, p.Register(EventedFd(r), 5, Readable, Edge))
	assert.Error(t, p.Register(EventedFd(r), 6, Readable, Edge))
}

func TestMixedDescriptorAndRegistration(t *testing.T) {
	p := newTestPoll(t)
	r, w := newPipe(t)
	reg, set := NewRegistration()

	require.NoError(t, p.Register(EventedFd(r), 1, Readable, Edge))
	require.NoError(t, p.Register(reg, 2, Readable, Edge))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, set.Set(Readable))

	events := NewEvents(8)
	seen := map[Token]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		_, err := p.Poll(events, 100*time.Millisecond)
		require.NoError(t, err)
		for _, ev := range events.Slice() {
			seen[ev.Token()] = true
		}
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestEventedFdEdgeEventsSurviveSmallBuffer(t *testing.T) {
	p := newTestPoll(t)
	for tok := Token(1); tok <= 3; tok++ {
		r, w := newPipe(t)
		require.NoError(t, p.Register(EventedFd(r), tok, Readable, Edge))
		_, err := unix.Write(w, []byte("x"))
		require.NoError(t, err)
	}

	// 每个描述符只产生一次边沿，缓冲区一次只能放下一个事件。
	events := NewEvents(1)
	seen := map[Token]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 3 && time.Now().Before(deadline) {
		n, err := p.Poll(events, 50*time.Millisecond)
		require.NoError(t, err)
		require.LessOrEqual(t, n, 1)
		for _, ev := range events.Slice() {
			seen[ev.Token()] = true
		}
	}
	assert.Equal(t, map[Token]bool{1: true, 2: true, 3: true}, seen)
}
