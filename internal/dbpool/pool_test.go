package dbpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"litecore/internal/storage"
)

func testFactory(opened *int32) Factory {
	return func(readOnly bool) (storage.Engine, error) {
		atomic.AddInt32(opened, 1)
		return storage.OpenMemEngine("")
	}
}

// TestReaderCapBlocks verifies Borrow blocks once maxReaders handles are
// out and resumes when one is released.
func TestReaderCapBlocks(t *testing.T) {
	var opened int32
	p, err := New(testFactory(&opened), 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	r1, _ := p.Borrow()
	r2, _ := p.Borrow()

	acquired := make(chan *Reader)
	go func() {
		r, err := p.Borrow()
		if err != nil {
			t.Errorf("borrow: %v", err)
		}
		acquired <- r
	}()

	select {
	case <-acquired:
		t.Fatalf("third borrow succeeded past the cap")
	case <-time.After(50 * time.Millisecond):
	}

	r1.Release()
	select {
	case r3 := <-acquired:
		r3.Release()
	case <-time.After(time.Second):
		t.Fatalf("borrow did not resume after release")
	}
	r2.Release()

	if n := atomic.LoadInt32(&opened); n != 2 {
		t.Fatalf("opened %d reader handles, want 2 (warm reuse)", n)
	}
}

// TestWriterExclusive verifies only one writer handle is ever out.
func TestWriterExclusive(t *testing.T) {
	var opened int32
	p, err := New(testFactory(&opened), 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	w1, err := p.BorrowWriteable()
	if err != nil {
		t.Fatalf("borrow writer: %v", err)
	}

	var held int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w2, err := p.BorrowWriteable()
		if err != nil {
			t.Errorf("second borrow: %v", err)
			return
		}
		if atomic.LoadInt32(&held) != 0 {
			t.Errorf("writer handed out while still held")
		}
		w2.Release()
	}()

	atomic.StoreInt32(&held, 1)
	time.Sleep(20 * time.Millisecond)
	atomic.StoreInt32(&held, 0)
	w1.Release()
	wg.Wait()

	if n := atomic.LoadInt32(&opened); n != 1 {
		t.Fatalf("opened %d writer handles, want 1", n)
	}
}

// TestCloseRefusesBorrow verifies borrows fail after Close.
func TestCloseRefusesBorrow(t *testing.T) {
	var opened int32
	p, _ := New(testFactory(&opened), 0)
	r, _ := p.Borrow()
	p.Close()
	if _, err := p.Borrow(); err == nil {
		t.Fatalf("borrow after close must fail")
	}
	r.Release() // must not panic; closes the straggler handle
}
