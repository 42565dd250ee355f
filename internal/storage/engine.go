// Package storage declares the key/value storage engine LiteCore's core
// consumes: ordered iteration, transactions, a raw-document subspace, and a
// user-version gate for schema upgrades. Engine is the seam the core
// programs against; MemEngine is a minimal WAL-backed in-process
// implementation used by tests and the demo binaries.
package storage

import "litecore/internal/liteerr"

// Keyspace names the two reserved subspaces the core writes, plus one
// keyspace per (scope, collection) document store.
type Keyspace string

const (
	KeyspaceCheckpoints     Keyspace = "checkpoints"
	KeyspacePeerCheckpoints Keyspace = "peerCheckpoints"
)

// CollectionKeyspace derives the raw-document keyspace for a (scope,
// collection) pair; collections in different scopes never collide.
func CollectionKeyspace(scope, collection string) Keyspace {
	return Keyspace(scope + "/" + collection)
}

// Entry is one key/value/meta record returned by enumeration.
type Entry struct {
	Key   string
	Value []byte
	Meta  []byte
}

// Iterator walks entries in key order (or reverse, per the enumerate call).
type Iterator interface {
	Next() bool
	Entry() Entry
	Close() error
	Err() error
}

// SchemaUpgradeRange is the inclusive [low, high] band of legacy user-version
// values the engine accepts for upgrade.
var SchemaUpgradeRange = [2]int{100, 149}

const CurrentSchemaVersion = 150

// Engine is the storage seam the core programs against.
type Engine interface {
	// BeginTx starts a transaction; all writes within it are invisible to
	// other transactions until Commit.
	BeginTx() (Tx, error)

	// UserVersion returns the schema version PRAGMA. A value inside
	// SchemaUpgradeRange means an upgrade must run before proceeding; any
	// other value below CurrentSchemaVersion is rejected with
	// CantUpgradeDatabase.
	UserVersion() (int, error)
	SetUserVersion(v int) error

	Close() error
}

// Tx is a single transaction against an Engine.
type Tx interface {
	Get(ks Keyspace, key string) (Entry, bool, error)
	Put(ks Keyspace, key string, value, meta []byte) error
	Delete(ks Keyspace, key string) error
	Enumerate(ks Keyspace, startKey, endKey string, descending bool) (Iterator, error)

	Commit() error
	Abort() error
}

// IndexStore is the optional index surface an Engine may provide. Index
// internals (query compilation, FTS, vectors) live entirely in the engine;
// the core only creates, drops, and reads rows opaquely.
type IndexStore interface {
	CreateIndex(ks Keyspace, name, spec string) error
	DeleteIndex(ks Keyspace, name string) error
	GetIndexRows(ks Keyspace, name string) (Iterator, error)
}

// CheckUserVersion validates a stored schema version and
// reports whether an upgrade pass must run first.
func CheckUserVersion(v int) (needsUpgrade bool, err error) {
	if v == CurrentSchemaVersion {
		return false, nil
	}
	if v >= SchemaUpgradeRange[0] && v <= SchemaUpgradeRange[1] {
		return true, nil
	}
	return false, liteerr.New(liteerr.CantUpgradeDatabase, "unrecognized schema version %d", v)
}
