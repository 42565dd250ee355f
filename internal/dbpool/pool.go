// Package dbpool implements the database handle pool: one
// exclusive writer plus up to N concurrent readers (default 5). Borrow
// blocks until a reader is free; BorrowWriteable blocks until the writer is
// free; both return scoped handles released by Release.
//
// Idle reader handles are kept warm in an LRU so repeated borrows reuse an
// open handle instead of re-opening; evicted handles are closed. The LRU is
// hashicorp/golang-lru/v2, carried by the pack (AKJUS-bsc-erigon go.mod).
package dbpool

import (
	"sync"

	"litecore/internal/liteerr"
	"litecore/internal/storage"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxReaders is the default reader cap.
const DefaultMaxReaders = 5

// Factory opens a new engine handle on the same underlying database.
type Factory func(readOnly bool) (storage.Engine, error)

// Pool multiplexes one writer and up to maxReaders reader handles.
type Pool struct {
	mu   sync.Mutex
	cond sync.Cond

	factory    Factory
	maxReaders int

	idle       *lru.Cache[uint64, storage.Engine]
	nextID     uint64
	liveRead   int // readers alive: idle + borrowed
	borrowed   int // readers currently out
	writer     storage.Engine
	writerBusy bool
	closed     bool
}

// New creates a pool. maxReaders <= 0 selects DefaultMaxReaders.
func New(factory Factory, maxReaders int) (*Pool, error) {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}
	p := &Pool{factory: factory, maxReaders: maxReaders}
	p.cond.L = &p.mu

	var err error
	p.idle, err = lru.NewWithEvict[uint64, storage.Engine](maxReaders, func(_ uint64, e storage.Engine) {
		e.Close()
		p.liveRead--
	})
	if err != nil {
		return nil, liteerr.Wrap(liteerr.InvalidParameter, err, "create reader cache")
	}
	return p, nil
}

// Reader is a scoped read-only handle.
type Reader struct {
	pool *Pool
	eng  storage.Engine
	id   uint64
	done bool
}

// Engine returns the underlying handle. Valid until Release.
func (r *Reader) Engine() storage.Engine { return r.eng }

// Release returns the handle to the pool's warm cache.
func (r *Reader) Release() {
	if r.done {
		return
	}
	r.done = true
	p := r.pool
	p.mu.Lock()
	p.borrowed--
	if p.closed {
		r.eng.Close()
		p.liveRead--
	} else {
		p.idle.Add(r.id, r.eng)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Borrow blocks until a reader handle is available and returns it.
func (p *Pool) Borrow() (*Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, liteerr.New(liteerr.NotOpen, "database pool is closed")
		}
		if p.idle.Len() > 0 {
			id, eng, _ := p.idle.GetOldest()
			p.idle.Remove(id)
			p.borrowed++
			return &Reader{pool: p, eng: eng, id: id}, nil
		}
		if p.liveRead < p.maxReaders {
			eng, err := p.factory(true)
			if err != nil {
				return nil, liteerr.Wrap(liteerr.IOError, err, "open reader handle")
			}
			p.liveRead++
			p.borrowed++
			p.nextID++
			return &Reader{pool: p, eng: eng, id: p.nextID}, nil
		}
		p.cond.Wait()
	}
}

// Writer is the scoped exclusive-writer handle.
type Writer struct {
	pool *Pool
	eng  storage.Engine
	done bool
}

// Engine returns the underlying handle. Valid until Release.
func (w *Writer) Engine() storage.Engine { return w.eng }

// Release frees the writer for the next borrower.
func (w *Writer) Release() {
	if w.done {
		return
	}
	w.done = true
	p := w.pool
	p.mu.Lock()
	p.writerBusy = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// BorrowWriteable blocks until the single writer handle is free.
func (p *Pool) BorrowWriteable() (*Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, liteerr.New(liteerr.NotOpen, "database pool is closed")
		}
		if !p.writerBusy {
			if p.writer == nil {
				eng, err := p.factory(false)
				if err != nil {
					return nil, liteerr.Wrap(liteerr.IOError, err, "open writer handle")
				}
				p.writer = eng
			}
			p.writerBusy = true
			return &Writer{pool: p, eng: p.writer}, nil
		}
		p.cond.Wait()
	}
}

// Close shuts the pool: idle readers and the writer are closed now;
// outstanding borrows close their handles on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.idle.Purge() // eviction callback closes each handle
	if p.writer != nil && !p.writerBusy {
		p.writer.Close()
		p.writer = nil
	}
	p.cond.Broadcast()
	return nil
}
