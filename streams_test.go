package asyncio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReaderReadBuffered(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	r.Feed([]byte("hello world"))
	fut := r.Read(5)
	require.True(t, fut.Done())
	v, err := fut.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	fut = r.Read(0)
	v, err = fut.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte(" world"), v)
}

func TestStreamReaderReadWaitsForFeed(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	fut := r.Read(4)
	assert.False(t, fut.Done())

	r.Feed([]byte("data"))
	v, err := runUntil(t, l, fut)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), v)
}

func TestStreamReaderReadAtEOF(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	r.FeedEOF()
	fut := r.Read(4)
	v, err := fut.Result()
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestStreamReaderReadExactly(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	fut := r.ReadExactly(6)
	r.Feed([]byte("abc"))
	ticks(l, 2)
	assert.False(t, fut.Done(), "must wait for the full count")

	r.Feed([]byte("defgh"))
	v, err := runUntil(t, l, fut)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), v)

	// The remainder is still buffered.
	rest := r.Read(0)
	v, err = rest.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("gh"), v)
}

func TestStreamReaderReadExactlyShortStream(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	fut := r.ReadExactly(10)
	r.Feed([]byte("short"))
	r.FeedEOF()

	_, err := runUntil(t, l, fut)
	assert.Error(t, err)
}

func TestStreamReaderReadLine(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	fut := r.ReadLine()
	r.Feed([]byte("first li"))
	ticks(l, 2)
	assert.False(t, fut.Done())

	r.Feed([]byte("ne\nsecond"))
	v, err := runUntil(t, l, fut)
	require.NoError(t, err)
	assert.Equal(t, []byte("first line\n"), v)

	// EOF flushes the final partial line.
	tail := r.ReadLine()
	r.FeedEOF()
	v, err = runUntil(t, l, tail)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)
}

func TestStreamReaderSetException(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	boom := errors.New("torn connection")
	fut := r.Read(4)
	r.SetException(boom)

	_, err := runUntil(t, l, fut)
	assert.ErrorIs(t, err, boom)

	// Later reads surface the same failure.
	_, err = runUntil(t, l, r.Read(4))
	assert.ErrorIs(t, err, boom)
}

func TestStreamReaderConcurrentReadsRejected(t *testing.T) {
	l := newTestLoop(t)
	r := l.NewStreamReader()

	first := r.Read(4)
	require.False(t, first.Done())
	second := r.Read(4)
	_, err := second.Result()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStreamReaderProtocolFeedsReader(t *testing.T) {
	l := newTestLoop(t)

	p := l.NewStreamReaderProtocol()
	p.ConnectionMade(nil)
	p.DataReceived([]byte("fed"))

	v, err := runUntil(t, l, p.Reader.Read(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("fed"), v)

	assert.False(t, p.EOFReceived())
	v, err = runUntil(t, l, p.Reader.Read(0))
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestStreamReaderProtocolLossSurfacesError(t *testing.T) {
	l := newTestLoop(t)

	p := l.NewStreamReaderProtocol()
	boom := errors.New("reset")
	p.ConnectionLost(boom)

	_, err := runUntil(t, l, p.Reader.Read(1))
	assert.ErrorIs(t, err, boom)
}
