package blipws

import (
	"errors"
	"sync"
)

// pipeEnd is one side of an in-process Transport pair: the opaque-messages
// framing mode with no real socket underneath. Used by tests and by
// same-process active/passive replicator pairs.
type pipeEnd struct {
	in     chan []byte
	peer   *pipeEnd
	once   sync.Once
	closed chan struct{}
}

// errPipeClosed mimics a clean socket shutdown.
var errPipeClosed = errors.New("pipe closed")

// Pipe returns two connected Transports; frames written to one are read
// from the other.
func Pipe() (Transport, Transport) {
	a := &pipeEnd{in: make(chan []byte, 256), closed: make(chan struct{})}
	b := &pipeEnd{in: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) WriteMessage(data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case <-p.closed:
		return errPipeClosed
	case <-p.peer.closed:
		return errPipeClosed
	case p.peer.in <- buf:
		return nil
	}
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	// Drain frames already delivered before reporting a close.
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errPipeClosed
	case <-p.peer.closed:
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, errPipeClosed
		}
	}
}

func (p *pipeEnd) Close(status int, reason string) error {
	p.once.Do(func() {
		close(p.closed)
	})
	return nil
}
