package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device records
	SaveDevice(rec *DeviceRecord) error
	GetDevice(uid string) (*DeviceRecord, error)
	DeleteDevice(uid string) error
	ListDevices() ([]*DeviceRecord, error)

	// UpdateDevice atomically reads, modifies, and saves a device record in a
	// single transaction. Returns ErrNotFound if the record does not exist.
	UpdateDevice(uid string, fn func(rec *DeviceRecord) error) error

	// Dictionary returns the key/value settings cache of a device.
	Dictionary(uid string) Dictionary

	// Close the store
	Close() error
}

// Dictionary is a per-device key/value cache of confirmed settings, used to
// seed settings before the device is connected.
type Dictionary interface {
	// Load decodes the value stored under key into v. It reports false
	// when nothing is stored.
	Load(key string, v any) (bool, error)
	Save(key string, v any) error
	// Clear drops every value of the device.
	Clear() error
	// IsNew reports whether nothing was ever saved for the device.
	IsNew() bool
}

// LoadValue loads a typed value from d.
func LoadValue[T any](d Dictionary, key string) (T, bool, error) {
	var v T
	ok, err := d.Load(key, &v)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}
