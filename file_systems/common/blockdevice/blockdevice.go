// Package blockdevice provides [fat32fs.BlockDevice] implementations backed by
// seekable streams: in-memory images and image files.
package blockdevice

import (
	"fmt"
	"io"
	"os"

	"github.com/dargueta/fat32fs"
	c "github.com/dargueta/fat32fs/file_systems/common"
	"github.com/spf13/afero"
	"github.com/xaionaro-go/bytesextra"
)

// StreamDevice makes any [io.ReadWriteSeeker] look like a block device with
// 512-byte sectors. It is not safe for concurrent use; the driver serializes
// access to it.
type StreamDevice struct {
	stream       io.ReadWriteSeeker
	totalSectors uint64
}

// New wraps a stream holding exactly `totalSectors` sectors.
func New(stream io.ReadWriteSeeker, totalSectors uint64) *StreamDevice {
	return &StreamDevice{
		stream:       stream,
		totalSectors: totalSectors,
	}
}

// NewFromStream wraps a stream, taking its size from the stream itself. The
// size is rounded down to the nearest sector.
func NewFromStream(stream io.ReadWriteSeeker) (*StreamDevice, error) {
	totalSectors, err := DetermineSectorCount(stream)
	if err != nil {
		return nil, err
	}
	return New(stream, totalSectors), nil
}

// DetermineSectorCount gives the total number of sectors in a stream, rounded
// down to the nearest sector.
func DetermineSectorCount(stream io.Seeker) (uint64, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fat32fs.ErrIOFailed.Wrap(err)
	}
	return uint64(offset) / fat32fs.SectorSize, nil
}

// NewMemoryDevice creates a zero-filled device that lives entirely in memory.
func NewMemoryDevice(totalSectors uint64) *StreamDevice {
	storage := make([]byte, totalSectors*fat32fs.SectorSize)
	return New(bytesextra.NewReadWriteSeeker(storage), totalSectors)
}

// NewMemoryDeviceFromBytes creates an in-memory device from an existing image.
// The image is copied, so writes to the device never affect `image`.
func NewMemoryDeviceFromBytes(image []byte) (*StreamDevice, error) {
	if len(image)%fat32fs.SectorSize != 0 {
		return nil, fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"image size must be a multiple of %d, got %d",
				fat32fs.SectorSize,
				len(image),
			),
		)
	}

	storage := make([]byte, len(image))
	copy(storage, image)
	return New(
		bytesextra.NewReadWriteSeeker(storage),
		uint64(len(image)/fat32fs.SectorSize),
	), nil
}

// CreateImage creates (or truncates) an image file of `totalSectors` zeroed
// sectors and opens it as a device.
func CreateImage(fs afero.Fs, path string, totalSectors uint64) (*StreamDevice, error) {
	file, err := fs.Create(path)
	if err != nil {
		return nil, fat32fs.ErrIOFailed.Wrap(err)
	}

	err = file.Truncate(int64(totalSectors) * fat32fs.SectorSize)
	if err != nil {
		file.Close()
		return nil, fat32fs.ErrIOFailed.Wrap(err)
	}
	return New(file, totalSectors), nil
}

// OpenImage opens an existing image file for reading and writing.
func OpenImage(fs afero.Fs, path string) (*StreamDevice, error) {
	file, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fat32fs.ErrIOFailed.Wrap(err)
	}

	device, err := NewFromStream(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return device, nil
}

// TotalSectors returns the size of the device, in sectors.
func (device *StreamDevice) TotalSectors() uint64 {
	return device.totalSectors
}

// sectorToOffset converts a sector index into a byte offset into the backing
// stream, checking bounds and buffer size along the way.
func (device *StreamDevice) sectorToOffset(index uint64, bufferSize int) (int64, error) {
	if bufferSize != fat32fs.SectorSize {
		return -1, fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sector buffer must be %d bytes, got %d",
				fat32fs.SectorSize,
				bufferSize,
			),
		)
	}
	if index >= device.totalSectors {
		return -1, fat32fs.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)",
				index,
				device.totalSectors,
			),
		)
	}
	return int64(index) * fat32fs.SectorSize, nil
}

func (device *StreamDevice) ReadSector(index uint64, buffer []byte) error {
	offset, err := device.sectorToOffset(index, len(buffer))
	if err != nil {
		return err
	}

	_, err = device.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}

	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (device *StreamDevice) WriteSector(index uint64, data []byte) error {
	offset, err := device.sectorToOffset(index, len(data))
	if err != nil {
		return err
	}

	_, err = device.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}

	n, err := device.stream.Write(data)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	} else if n != len(data) {
		return fat32fs.ErrIOFailed.WithMessage(
			fmt.Sprintf("short write to sector %d: %d of %d bytes", index, n, len(data)),
		)
	}
	return nil
}

// Snapshot returns a copy of the entire device contents.
func (device *StreamDevice) Snapshot() ([]byte, error) {
	image := make([]byte, device.totalSectors*fat32fs.SectorSize)
	for i := uint64(0); i < device.totalSectors; i++ {
		start := i * fat32fs.SectorSize
		err := device.ReadSector(i, image[start:start+fat32fs.SectorSize])
		if err != nil {
			return nil, err
		}
	}
	return image, nil
}

// Resize grows or shrinks the device. The backing stream must implement
// [common.Truncator]; in-memory devices can't be resized.
func (device *StreamDevice) Resize(totalSectors uint64) error {
	truncator, ok := device.stream.(c.Truncator)
	if !ok {
		return fat32fs.ErrInvalidArgument.WithMessage("device can't be resized")
	}

	err := truncator.Truncate(int64(totalSectors) * fat32fs.SectorSize)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	device.totalSectors = totalSectors
	return nil
}

// Close releases the backing stream if it needs releasing.
func (device *StreamDevice) Close() error {
	closer, ok := device.stream.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}
