package storage

// Store defines the interface for durable component state.
//
// Each stateful component is a singleton per logical name: its entire state
// is one JSON value stored under the component's name. Components hydrate on
// construction and write the whole state back after every mutation.
type Store interface {
	// LoadState reads the state blob for the named component into v.
	// Returns false when no state has been persisted yet.
	LoadState(name string, v interface{}) (bool, error)

	// SaveState writes the entire state blob for the named component.
	SaveState(name string, v interface{}) error

	// Utility
	Close() error
}
