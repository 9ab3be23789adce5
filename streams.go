package asyncio

import (
	"bytes"
	"fmt"
)

// StreamReader is a buffered byte reader fed by a protocol and consumed
// through future-returning read operations, bridging the callback world of
// transports into coroutine-friendly awaits.
//
// At most one read may be outstanding at a time. All methods run on the
// loop goroutine.
type StreamReader struct {
	loop   *EventLoop
	buf    []byte
	waiter *Future
	exc    error
	eof    bool
}

// NewStreamReader creates an empty reader bound to the loop.
func (l *EventLoop) NewStreamReader() *StreamReader {
	return &StreamReader{loop: l}
}

// Feed appends received bytes and wakes a pending read.
func (r *StreamReader) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	r.buf = append(r.buf, data...)
	r.wakeWaiter()
}

// FeedEOF marks the end of the byte stream and wakes a pending read.
func (r *StreamReader) FeedEOF() {
	r.eof = true
	r.wakeWaiter()
}

// SetException fails the stream: pending and future reads surface err.
func (r *StreamReader) SetException(err error) {
	r.exc = err
	r.wakeWaiter()
}

func (r *StreamReader) wakeWaiter() {
	if r.waiter == nil {
		return
	}
	w := r.waiter
	r.waiter = nil
	if !w.Done() {
		_ = w.SetResult(nil)
	}
}

// newWaiter registers the single outstanding wakeup future.
func (r *StreamReader) newWaiter() (*Future, error) {
	if r.waiter != nil {
		return nil, fmt.Errorf("%w: concurrent stream read", ErrInvalidState)
	}
	r.waiter = r.loop.NewFuture()
	return r.waiter, nil
}

// Read returns a future settling with up to n buffered bytes, waiting for
// at least one byte unless the stream already ended. At EOF it settles
// with an empty slice.
func (r *StreamReader) Read(n int) *Future {
	fut := r.loop.NewFuture()
	r.read(fut, n)
	return fut
}

func (r *StreamReader) read(fut *Future, n int) {
	if r.exc != nil {
		_ = fut.SetException(r.exc)
		return
	}
	if len(r.buf) > 0 {
		take := n
		if take <= 0 || take > len(r.buf) {
			take = len(r.buf)
		}
		data := r.buf[:take]
		r.buf = r.buf[take:]
		_ = fut.SetResult(data)
		return
	}
	if r.eof {
		_ = fut.SetResult([]byte{})
		return
	}
	waiter, err := r.newWaiter()
	if err != nil {
		_ = fut.SetException(err)
		return
	}
	waiter.AddDoneCallback(func(*Future) { r.read(fut, n) })
}

// ReadExactly returns a future settling with exactly n bytes, or failing
// with an unexpected-EOF error if the stream ends first.
func (r *StreamReader) ReadExactly(n int) *Future {
	fut := r.loop.NewFuture()
	r.readExactly(fut, n)
	return fut
}

func (r *StreamReader) readExactly(fut *Future, n int) {
	if r.exc != nil {
		_ = fut.SetException(r.exc)
		return
	}
	if len(r.buf) >= n {
		data := r.buf[:n]
		r.buf = r.buf[n:]
		_ = fut.SetResult(data)
		return
	}
	if r.eof {
		_ = fut.SetException(fmt.Errorf("asyncio: stream ended with %d of %d bytes", len(r.buf), n))
		return
	}
	waiter, err := r.newWaiter()
	if err != nil {
		_ = fut.SetException(err)
		return
	}
	waiter.AddDoneCallback(func(*Future) { r.readExactly(fut, n) })
}

// ReadLine returns a future settling with one line including the trailing
// newline; at EOF the remaining bytes are returned without one.
func (r *StreamReader) ReadLine() *Future {
	fut := r.loop.NewFuture()
	r.readLine(fut)
	return fut
}

func (r *StreamReader) readLine(fut *Future) {
	if r.exc != nil {
		_ = fut.SetException(r.exc)
		return
	}
	if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
		data := r.buf[:i+1]
		r.buf = r.buf[i+1:]
		_ = fut.SetResult(data)
		return
	}
	if r.eof {
		data := r.buf
		r.buf = nil
		_ = fut.SetResult(data)
		return
	}
	waiter, err := r.newWaiter()
	if err != nil {
		_ = fut.SetException(err)
		return
	}
	waiter.AddDoneCallback(func(*Future) { r.readLine(fut) })
}

// StreamReaderProtocol adapts a [StreamReader] to the transport callback
// contract, feeding received bytes and EOF/loss conditions into it.
type StreamReaderProtocol struct {
	Reader    *StreamReader
	Transport Transport
}

var _ Protocol = (*StreamReaderProtocol)(nil)

// NewStreamReaderProtocol pairs a fresh reader with its feeding protocol.
func (l *EventLoop) NewStreamReaderProtocol() *StreamReaderProtocol {
	return &StreamReaderProtocol{Reader: l.NewStreamReader()}
}

// ConnectionMade records the transport.
func (p *StreamReaderProtocol) ConnectionMade(tr Transport) {
	p.Transport = tr
}

// DataReceived feeds the reader.
func (p *StreamReaderProtocol) DataReceived(data []byte) {
	p.Reader.Feed(data)
}

// EOFReceived feeds EOF and closes the transport.
func (p *StreamReaderProtocol) EOFReceived() bool {
	p.Reader.FeedEOF()
	return false
}

// ConnectionLost feeds EOF for a clean close, the error otherwise.
func (p *StreamReaderProtocol) ConnectionLost(err error) {
	if err == nil {
		p.Reader.FeedEOF()
		return
	}
	p.Reader.SetException(err)
}
