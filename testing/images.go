package testing

import (
	"bytes"
	"testing"

	"github.com/dargueta/fat32fs"
	"github.com/dargueta/fat32fs/file_systems/common/blockdevice"
	"github.com/dargueta/fat32fs/file_systems/fat32"
	"github.com/dargueta/fat32fs/utilities/compression"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestVolumeSectors is the size of the volume most tests use: 4 MiB.
// With one sector per cluster that's a little over 8000 clusters.
const DefaultTestVolumeSectors = 8192

// NewTestLogger returns a logger that discards its output, and a hook that
// records everything logged to it.
func NewTestLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

// CreateFormattedDevice creates a memory device of `totalSectors` sectors and
// formats it. Fields of `options` left at their zero values get defaults.
func CreateFormattedDevice(
	t *testing.T, totalSectors uint32, options fat32.FormatOptions,
) *blockdevice.StreamDevice {
	device := blockdevice.NewMemoryDevice(uint64(totalSectors))

	options.TotalSectors = totalSectors
	if options.Logger == nil {
		options.Logger, _ = NewTestLogger()
	}
	if options.VolumeID == 0 {
		options.VolumeID = 0x12345678
	}

	err := fat32.Format(device, options)
	require.NoError(t, err, "failed to format %d-sector volume", totalSectors)
	return device
}

// MountFresh formats a memory device with one sector per cluster and mounts it.
// Log output is discarded unless the caller passes its own logger in
// `mountOptions`.
func MountFresh(
	t *testing.T, totalSectors uint32, mountOptions ...fat32.Option,
) (*fat32.Driver, *blockdevice.StreamDevice) {
	device := CreateFormattedDevice(t, totalSectors, fat32.FormatOptions{SectorsPerCluster: 1})

	logger, _ := NewTestLogger()
	options := append([]fat32.Option{fat32.WithLogger(logger)}, mountOptions...)

	driver, err := fat32.Mount(device, options...)
	require.NoError(t, err, "failed to mount freshly formatted volume")
	return driver, device
}

// AssertMirrorsIdentical checks that every copy of the FAT is byte-for-byte
// identical to the first.
func AssertMirrorsIdentical(t *testing.T, device fat32fs.BlockDevice, boot *fat32.BootSector) bool {
	size := uint(boot.SectorsPerFAT)
	primary := ReadSectors(t, device, boot.FATStartSector, size)

	ok := true
	for i := uint64(1); i < uint64(boot.NumFATs); i++ {
		mirror := ReadSectors(t, device, boot.FATStartSector+i*uint64(boot.SectorsPerFAT), size)
		ok = assert.Truef(t, bytes.Equal(primary, mirror), "FAT copy %d differs from FAT 0", i) && ok
	}
	return ok
}

// LoadCompressedImage expands an image compressed with
// [compression.CompressImage] into a new memory device.
//
// Writes to the device do not affect `compressedImage`.
func LoadCompressedImage(
	t *testing.T, compressedImage []byte, totalSectors uint,
) *blockdevice.StreamDevice {
	require.Greater(t, len(compressedImage), 0, "compressed image is empty")

	imageBytes, err := compression.DecompressImageToBytes(bytes.NewReader(compressedImage))
	require.NoError(t, err)
	require.Equal(
		t,
		totalSectors*fat32fs.SectorSize,
		uint(len(imageBytes)),
		"uncompressed image is wrong size",
	)

	device, err := blockdevice.NewMemoryDeviceFromBytes(imageBytes)
	require.NoError(t, err)
	return device
}
