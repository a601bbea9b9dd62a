package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Light operations, keyed by Bluetooth address.
	SaveLight(light *Light) error
	GetLight(address string) (*Light, error)
	DeleteLight(address string) error
	// ListLights returns all lights in discovery order.
	ListLights() ([]*Light, error)

	// UpdateLight atomically reads, modifies, and saves a light in a single
	// transaction. Returns ErrNotFound if the light does not exist.
	UpdateLight(address string, fn func(light *Light) error) error

	// ResetLights removes every light.
	ResetLights() error

	// Controller identity and mesh key
	SaveControllerState(state *ControllerState) error
	GetControllerState() (*ControllerState, error)

	// Close the store
	Close() error
}
