package blipws

import (
	"sync"
	"time"

	"litecore/internal/actor"
	"litecore/internal/liteerr"
	"litecore/internal/logging"

	"go.uber.org/zap"
)

// KSendBufferSize bounds the unsent byte backlog; Send reports false above
// it.
const KSendBufferSize = 256 * 1024

// kReceiveHighWater is the unacknowledged-receive threshold above which
// reads on the underlying socket pause until CompletedReceive catches up.
const kReceiveHighWater = 100 * 1024

// DefaultReplyTimeout bounds how long a request waits for its reply.
const DefaultReplyTimeout = 60 * time.Second

// Transport is the framed byte channel a Conn runs over: a real WebSocket
// (client- or server-masked) or an opaque externally-framed pipe.
type Transport interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close(status int, reason string) error
}

// Handler serves one request profile. Handlers run serially on the
// connection's dispatch queue; replies go out via c.Send.
type Handler func(c *Conn, req *Message)

// Conn multiplexes requests, responses, and per-profile dispatch over one
// Transport.
type Conn struct {
	t   Transport
	log *zap.SugaredLogger

	mu             sync.Mutex
	nextNumber     uint64
	pendingReplies map[uint64]chan *Message
	handlers       map[string]Handler
	defaultHandler Handler

	// Send side: a queue drained by sendLoop, with byte-based backpressure.
	sendQueue   [][]byte
	sendBacklog int
	sendCond    sync.Cond
	overLimit   bool // Send has reported false and onWriteable hasn't fired yet
	onWriteable func()
	sendStopped bool

	// Receive side: unacknowledged request-body bytes gate the read loop.
	unacked  int
	recvCond sync.Cond

	dispatch *actor.Mailbox

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	onClose   func(error)
}

// NewConn wraps t. onWriteable (may be nil) fires exactly once each time the
// send backlog falls back below half of KSendBufferSize after Send reported
// false. Call Start to begin reading.
func NewConn(t Transport, onWriteable func(), onClose func(error)) *Conn {
	c := &Conn{
		t:              t,
		log:            logging.For("blipws"),
		pendingReplies: make(map[uint64]chan *Message),
		handlers:       make(map[string]Handler),
		onWriteable:    onWriteable,
		onClose:        onClose,
		dispatch:       actor.New("blipws.dispatch"),
		closed:         make(chan struct{}),
	}
	c.sendCond.L = &c.mu
	c.recvCond.L = &c.mu
	return c
}

// HandleFunc registers the handler for a request profile. Must be called
// before Start.
func (c *Conn) HandleFunc(profile string, h Handler) {
	c.mu.Lock()
	c.handlers[profile] = h
	c.mu.Unlock()
}

// HandleDefault registers the fallback for unknown profiles.
func (c *Conn) HandleDefault(h Handler) {
	c.mu.Lock()
	c.defaultHandler = h
	c.mu.Unlock()
}

// Start launches the send and receive loops.
func (c *Conn) Start() {
	go c.sendLoop()
	go c.readLoop()
}

// Send queues m for transmission. The boolean is the flow-control signal:
// true while the backlog is under KSendBufferSize, false when the caller
// should stop producing until the writeable callback fires.
func (c *Conn) Send(m *Message) (bool, error) {
	data, err := encodeMessage(m)
	if err != nil {
		return true, err
	}
	c.mu.Lock()
	if c.sendStopped {
		c.mu.Unlock()
		return false, liteerr.New(liteerr.NotOpen, "connection is closed")
	}
	c.sendQueue = append(c.sendQueue, data)
	c.sendBacklog += len(data)
	under := c.sendBacklog < KSendBufferSize
	if !under {
		c.overLimit = true
	}
	c.sendCond.Signal()
	c.mu.Unlock()
	return under, nil
}

// Reply is a pending response to a sent request.
type Reply struct {
	conn   *Conn
	number uint64
	ch     chan *Message
}

// Await blocks for the response, up to timeout (<=0 selects
// DefaultReplyTimeout). An error reply is converted via Message.Err.
func (r *Reply) Await(timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-r.ch:
		if !ok {
			return nil, liteerr.Wrap(liteerr.IOError, r.conn.Err(), "connection closed awaiting reply %d", r.number)
		}
		if err := m.Err(); err != nil {
			return nil, err
		}
		return m, nil
	case <-timer.C:
		r.conn.forgetReply(r.number)
		return nil, liteerr.New(liteerr.IOError, "timed out awaiting reply %d", r.number)
	case <-r.conn.closed:
		return nil, liteerr.Wrap(liteerr.IOError, r.conn.Err(), "connection closed awaiting reply %d", r.number)
	}
}

// SendRequest assigns m a number, queues it, and returns the pending Reply.
// The flow-control boolean mirrors Send's.
func (c *Conn) SendRequest(m *Message) (*Reply, bool, error) {
	c.mu.Lock()
	c.nextNumber++
	m.Number = c.nextNumber
	ch := make(chan *Message, 1)
	c.pendingReplies[m.Number] = ch
	c.mu.Unlock()

	ok, err := c.Send(m)
	if err != nil {
		c.forgetReply(m.Number)
		return nil, ok, err
	}
	return &Reply{conn: c, number: m.Number, ch: ch}, ok, nil
}

func (c *Conn) forgetReply(number uint64) {
	c.mu.Lock()
	delete(c.pendingReplies, number)
	c.mu.Unlock()
}

// CompletedReceive acknowledges n request-body bytes consumed by the upper
// layer, potentially resuming a paused read loop.
func (c *Conn) CompletedReceive(n int) {
	c.mu.Lock()
	c.unacked -= n
	if c.unacked < 0 {
		c.unacked = 0
	}
	c.recvCond.Signal()
	c.mu.Unlock()
}

// Close tears the connection down with the given WebSocket status.
func (c *Conn) Close(status int, reason string) error {
	return c.shutdown(nil, status, reason)
}

// Err returns the error the connection closed with, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Closed reports a channel closed when the connection has shut down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) shutdown(cause error, status int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.sendStopped = true
		c.sendCond.Broadcast()
		c.recvCond.Broadcast()
		for n, ch := range c.pendingReplies {
			close(ch)
			delete(c.pendingReplies, n)
		}
		c.mu.Unlock()

		err = c.t.Close(status, reason)
		c.dispatch.Stop()
		close(c.closed)
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
	return err
}

// ─── send loop ──────────────────────────────────────────────────────────

func (c *Conn) sendLoop() {
	for {
		c.mu.Lock()
		for len(c.sendQueue) == 0 && !c.sendStopped {
			c.sendCond.Wait()
		}
		if c.sendStopped && len(c.sendQueue) == 0 {
			c.mu.Unlock()
			return
		}
		data := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		c.mu.Unlock()

		writeErr := c.t.WriteMessage(data)

		c.mu.Lock()
		c.sendBacklog -= len(data)
		fire := false
		if c.overLimit && c.sendBacklog < KSendBufferSize/2 {
			c.overLimit = false
			fire = c.onWriteable != nil
		}
		c.mu.Unlock()

		if fire {
			c.onWriteable()
		}
		if writeErr != nil {
			c.shutdown(liteerr.Wrap(liteerr.IOError, writeErr, "socket write"), 1006, "write failed")
			return
		}
	}
}

// ─── receive loop ───────────────────────────────────────────────────────

func (c *Conn) readLoop() {
	for {
		// Honor the receive quota before touching the socket.
		c.mu.Lock()
		for c.unacked >= kReceiveHighWater && !c.sendStopped {
			c.recvCond.Wait()
		}
		stopped := c.sendStopped
		c.mu.Unlock()
		if stopped {
			return
		}

		data, err := c.t.ReadMessage()
		if err != nil {
			c.shutdown(liteerr.Wrap(liteerr.IOError, err, "socket read"), 1006, "read failed")
			return
		}
		m, err := decodeMessage(data)
		if err != nil {
			c.log.Warnw("dropping undecodable frame", "error", err)
			continue
		}

		switch m.Type {
		case TypeResponse, TypeError:
			c.mu.Lock()
			ch, ok := c.pendingReplies[m.Number]
			delete(c.pendingReplies, m.Number)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		case TypeRequest:
			c.mu.Lock()
			c.unacked += len(m.Body)
			h := c.handlers[m.Profile]
			if h == nil {
				h = c.defaultHandler
			}
			c.mu.Unlock()
			if h == nil {
				resp := m.ErrorResponse("BLIP", 404, "no handler for profile "+m.Profile)
				c.Send(resp)
				c.CompletedReceive(len(m.Body))
				continue
			}
			req := m
			c.dispatch.Enqueue(func() { h(c, req) })
		}
	}
}
