package transport

import (
	"io"
	"sync"
)

const pipeBuffer = 64

type pipeConn struct {
	recv <-chan []byte
	send chan<- []byte

	done     chan struct{}
	peerDone <-chan struct{}
	once     sync.Once
}

// Pipe returns two connected in-memory Conns. A frame written to one is read
// from the other. Closing either end makes the peer read io.EOF once it has
// consumed what was already sent.
func Pipe() (Conn, Conn) {
	aToB := make(chan []byte, pipeBuffer)
	bToA := make(chan []byte, pipeBuffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeConn{recv: bToA, send: aToB, done: aDone, peerDone: bDone}
	b := &pipeConn{recv: aToB, send: bToA, done: bDone, peerDone: aDone}
	return a, b
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-p.done:
		return nil, ErrClosed
	case <-p.peerDone:
		select {
		case frame := <-p.recv:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) WriteFrame(frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return io.ErrClosedPipe
	default:
	}
	buf := append([]byte(nil), frame...)
	select {
	case p.send <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
