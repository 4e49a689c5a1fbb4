package transport

import (
	"io"
	"sync"
)

// Pipe creates a synchronous in-memory pair of linked streams. Messages
// written before a Close stay readable by the other end; writes after either
// end closed fail with io.ErrClosedPipe.
func Pipe() (Stream, Stream) {
	ab := newPipeBuffer()
	ba := newPipeBuffer()
	return &pipeStream{in: ba, out: ab}, &pipeStream{in: ab, out: ba}
}

// pipeBuffer is one direction of a pipe: an unbounded FIFO of messages.
type pipeBuffer struct {
	mu         sync.Mutex
	cond       *sync.Cond
	msgs       [][]byte
	writerGone bool // the writing end closed, drain then EOF
	readerGone bool // the reading end closed, writes fail
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

type pipeStream struct {
	in   *pipeBuffer
	out  *pipeBuffer
	once sync.Once
}

func (p *pipeStream) ReadMessage() ([]byte, error) {
	b := p.in
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.msgs) == 0 && !b.writerGone && !b.readerGone {
		b.cond.Wait()
	}
	if b.readerGone {
		return nil, io.ErrClosedPipe
	}
	if len(b.msgs) == 0 {
		return nil, io.EOF
	}

	msg := b.msgs[0]
	b.msgs[0] = nil
	b.msgs = b.msgs[1:]
	return msg, nil
}

func (p *pipeStream) WriteMessage(msg []byte) error {
	b := p.out
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writerGone || b.readerGone {
		return io.ErrClosedPipe
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)
	b.msgs = append(b.msgs, buf)
	b.cond.Signal()
	return nil
}

// CloseWrite ends the direction this end writes to. The other end reads
// what was written before and then io.EOF; this end keeps reading.
func (p *pipeStream) CloseWrite() error {
	p.out.mu.Lock()
	p.out.writerGone = true
	p.out.cond.Broadcast()
	p.out.mu.Unlock()
	return nil
}

// Close ends both directions for this end. The other end still reads what
// was written before.
func (p *pipeStream) Close() error {
	p.once.Do(func() {
		p.CloseWrite()

		p.in.mu.Lock()
		p.in.readerGone = true
		p.in.msgs = nil
		p.in.cond.Broadcast()
		p.in.mu.Unlock()
	})
	return nil
}
