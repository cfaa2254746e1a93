package testing

import (
	"crypto/rand"
	"testing"

	"github.com/dargueta/fat32fs"
	"github.com/dargueta/fat32fs/file_systems/common/blockdevice"
	"github.com/stretchr/testify/require"
)

// CreateRandomImage creates an image with the given number of sectors, filled
// with random bytes. It is guaranteed to either return a valid slice or fail
// the test and abort.
func CreateRandomImage(t *testing.T, totalSectors uint) []byte {
	image := make([]byte, totalSectors*fat32fs.SectorSize)

	_, err := rand.Read(image)
	require.NoErrorf(t, err, "failed to fill %d sectors with random bytes", totalSectors)
	return image
}

// CreateRandomDevice creates a memory device filled with random bytes, and
// returns it along with a copy of its original contents.
func CreateRandomDevice(t *testing.T, totalSectors uint) (*blockdevice.StreamDevice, []byte) {
	image := CreateRandomImage(t, totalSectors)

	device, err := blockdevice.NewMemoryDeviceFromBytes(image)
	require.NoError(t, err)
	return device, image
}

// ReadSectors reads a run of sectors straight from a device, bypassing any
// driver. Useful for inspecting on-disk structures.
func ReadSectors(t *testing.T, device fat32fs.BlockDevice, first uint64, count uint) []byte {
	data := make([]byte, count*fat32fs.SectorSize)
	for i := uint(0); i < count; i++ {
		start := i * fat32fs.SectorSize
		err := device.ReadSector(first+uint64(i), data[start:start+fat32fs.SectorSize])
		require.NoErrorf(t, err, "failed to read sector %d", first+uint64(i))
	}
	return data
}
