package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"litecore/internal/liteerr"
)

// MemEngine is a minimal in-process Engine: an in-memory map of keyspaces
// guarded by a single writer lock, durable via an append-only write-ahead
// log. WAL first, then mutate memory; replay on open rebuilds the maps.
type MemEngine struct {
	mu          sync.Mutex
	data        map[Keyspace]map[string]record
	wal         *walFile
	userVersion int
}

type record struct {
	Value []byte
	Meta  []byte
}

// OpenMemEngine opens or creates a MemEngine backed by walPath. An empty
// walPath opens a purely in-memory engine with no durability, useful in
// tests.
func OpenMemEngine(walPath string) (*MemEngine, error) {
	e := &MemEngine{
		data:        make(map[Keyspace]map[string]record),
		userVersion: CurrentSchemaVersion,
	}
	if walPath == "" {
		return e, nil
	}
	w, err := openWAL(walPath)
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "open WAL %s", walPath)
	}
	e.wal = w
	entries, err := w.readAll()
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "replay WAL %s", walPath)
	}
	for _, ent := range entries {
		ks := e.data[ent.Keyspace]
		if ks == nil {
			ks = make(map[string]record)
			e.data[ent.Keyspace] = ks
		}
		if ent.Deleted {
			delete(ks, ent.Key)
		} else {
			ks[ent.Key] = record{Value: ent.Value, Meta: ent.Meta}
		}
	}
	return e, nil
}

func (e *MemEngine) UserVersion() (int, error) { return e.userVersion, nil }

func (e *MemEngine) SetUserVersion(v int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userVersion = v
	return nil
}

func (e *MemEngine) Close() error {
	if e.wal == nil {
		return nil
	}
	return e.wal.close()
}

func (e *MemEngine) BeginTx() (Tx, error) {
	e.mu.Lock()
	return &memTx{engine: e, overlay: make(map[Keyspace]map[string]*record)}, nil
}

// memTx buffers writes in an overlay (nil record = tombstone) until Commit,
// so an aborted transaction leaves no trace.
type memTx struct {
	engine  *MemEngine
	overlay map[Keyspace]map[string]*record
	done    bool
}

func (tx *memTx) Get(ks Keyspace, key string) (Entry, bool, error) {
	if over, ok := tx.overlay[ks]; ok {
		if r, ok := over[key]; ok {
			if r == nil {
				return Entry{}, false, nil
			}
			return Entry{Key: key, Value: r.Value, Meta: r.Meta}, true, nil
		}
	}
	if m, ok := tx.engine.data[ks]; ok {
		if r, ok := m[key]; ok {
			return Entry{Key: key, Value: r.Value, Meta: r.Meta}, true, nil
		}
	}
	return Entry{}, false, nil
}

func (tx *memTx) Put(ks Keyspace, key string, value, meta []byte) error {
	over := tx.overlay[ks]
	if over == nil {
		over = make(map[string]*record)
		tx.overlay[ks] = over
	}
	over[key] = &record{Value: value, Meta: meta}
	return nil
}

func (tx *memTx) Delete(ks Keyspace, key string) error {
	over := tx.overlay[ks]
	if over == nil {
		over = make(map[string]*record)
		tx.overlay[ks] = over
	}
	over[key] = nil
	return nil
}

func (tx *memTx) Enumerate(ks Keyspace, startKey, endKey string, descending bool) (Iterator, error) {
	seen := make(map[string]bool)
	var keys []string
	if over, ok := tx.overlay[ks]; ok {
		for k := range over {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	if m, ok := tx.engine.data[ks]; ok {
		for k := range m {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	filtered := keys[:0]
	for _, k := range keys {
		if startKey != "" && k < startKey {
			continue
		}
		if endKey != "" && k > endKey {
			continue
		}
		filtered = append(filtered, k)
	}
	if descending {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	return &memIterator{tx: tx, ks: ks, keys: filtered, idx: -1}, nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return liteerr.New(liteerr.InvalidParameter, "transaction already closed")
	}
	defer func() { tx.done = true; tx.engine.mu.Unlock() }()

	if tx.engine.wal != nil {
		for ks, over := range tx.overlay {
			for key, r := range over {
				ent := walEntry{Keyspace: ks, Key: key, Deleted: r == nil}
				if r != nil {
					ent.Value, ent.Meta = r.Value, r.Meta
				}
				if err := tx.engine.wal.append(ent); err != nil {
					return liteerr.Wrap(liteerr.IOError, err, "WAL append")
				}
			}
		}
	}
	for ks, over := range tx.overlay {
		m := tx.engine.data[ks]
		if m == nil {
			m = make(map[string]record)
			tx.engine.data[ks] = m
		}
		for key, r := range over {
			if r == nil {
				delete(m, key)
			} else {
				m[key] = *r
			}
		}
	}
	return nil
}

func (tx *memTx) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.overlay = nil
	tx.engine.mu.Unlock()
	return nil
}

type memIterator struct {
	tx   *memTx
	ks   Keyspace
	keys []string
	idx  int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}

func (it *memIterator) Entry() Entry {
	key := it.keys[it.idx]
	e, _, _ := it.tx.Get(it.ks, key)
	return e
}

func (it *memIterator) Close() error { return nil }
func (it *memIterator) Err() error   { return nil }

// ─── Write-ahead log ──────────────────────────────────────────────────────
//
// Newline-delimited JSON, fsync'd on every append. Each entry carries its
// keyspace and an optional deletion tombstone.

type walEntry struct {
	Keyspace Keyspace `json:"ks"`
	Key      string   `json:"key"`
	Value    []byte   `json:"value,omitempty"`
	Meta     []byte   `json:"meta,omitempty"`
	Deleted  bool     `json:"deleted,omitempty"`
}

type walFile struct {
	mu   sync.Mutex
	file *os.File
}

func openWAL(path string) (*walFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &walFile{file: f}, nil
}

func (w *walFile) append(entry walEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *walFile) readAll() ([]walEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}
	var entries []walEntry
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // corrupt entry; skip rather than fail the whole replay
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (w *walFile) close() error {
	return w.file.Close()
}
