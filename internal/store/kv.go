// Package store persists incidents, deliveries and acknowledgments in
// durable key/value collections.
package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a key does not exist in a collection.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("already exists")
)

// Collection names
const (
	CollectionIncidents  = "incidents"
	CollectionDeliveries = "deliveries"
	CollectionAcks       = "acks"
)

// KeyValue is one entry of a collection
type KeyValue struct {
	Key   string
	Value []byte
}

// KV is a durable collection. Writes to distinct keys never interfere.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put inserts or replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error
	// Create stores value only if key is absent, otherwise ErrExists.
	Create(ctx context.Context, key string, value []byte) error
	// List returns every entry ordered by key.
	List(ctx context.Context) ([]KeyValue, error)
}

// Backend hands out named collections over a single durable database.
type Backend interface {
	Collection(name string) (KV, error)
	Close() error
}

// Backend kinds
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens the durable backend of the given kind at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case BackendSQLite, "":
		return OpenSQLite(path)
	case BackendBolt:
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// Stores groups the typed repositories used by the orchestrator.
type Stores struct {
	Incidents  *Incidents
	Deliveries *Deliveries
	Ledger     *Ledger
}

// NewStores opens the three collections on b.
func NewStores(b Backend) (*Stores, error) {
	inc, err := b.Collection(CollectionIncidents)
	if err != nil {
		return nil, err
	}
	del, err := b.Collection(CollectionDeliveries)
	if err != nil {
		return nil, err
	}
	acks, err := b.Collection(CollectionAcks)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Incidents:  NewIncidents(inc),
		Deliveries: NewDeliveries(del),
		Ledger:     NewLedger(acks),
	}, nil
}
