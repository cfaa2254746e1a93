// Package common contains definitions of fundamental types and functions used
// across the block-level packages.
package common

// SectorIndex is the absolute index of a sector on a block device.
type SectorIndex uint64

// Truncator is an interface for objects that support a Truncate() method. This
// method must behave just like [os.File.Truncate].
type Truncator interface {
	Truncate(size int64) error
}
