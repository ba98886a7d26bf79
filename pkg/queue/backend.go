package queue

import (
	"errors"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// ErrNotFound is returned when a record id is not present in a collection
var ErrNotFound = errors.New("record not found")

// Backend is a durable key/value store with one namespace per collection.
// Every write is atomic per record and durable once it returns.
type Backend interface {
	// Put stores value under id, replacing any previous value
	Put(c pkg.Collection, id string, value []byte) error
	// Get returns the value stored under id, or ErrNotFound
	Get(c pkg.Collection, id string) ([]byte, error)
	// ForEach calls fn for every record. value is only valid during the call.
	ForEach(c pkg.Collection, fn func(id string, value []byte) error) error
	// Update applies fn to the stored value in a single transaction. The
	// returned value replaces the stored one; an error aborts the write.
	Update(c pkg.Collection, id string, fn func(value []byte) ([]byte, error)) error
	// Purge deletes every record for which match returns true
	Purge(c pkg.Collection, match func(value []byte) bool) (int, error)
	Close() error
}

var collections = []pkg.Collection{pkg.CollectionLocations, pkg.CollectionSessions}
