package fat32

import (
	"errors"

	"github.com/dargueta/fat32fs"
)

// ioFailure makes sure an error coming out of a block device is classified as
// an I/O error, without wrapping it twice if the device already did.
func ioFailure(err error) error {
	if errors.Is(err, fat32fs.ErrIOFailed) {
		return err
	}
	return fat32fs.ErrIOFailed.Wrap(err)
}

func readSector(device fat32fs.BlockDevice, index uint64, buffer []byte) error {
	err := device.ReadSector(index, buffer)
	if err != nil {
		return ioFailure(err)
	}
	return nil
}

func writeSector(device fat32fs.BlockDevice, index uint64, data []byte) error {
	err := device.WriteSector(index, data)
	if err != nil {
		return ioFailure(err)
	}
	return nil
}

// readSectors reads `count` consecutive sectors into one buffer.
func readSectors(device fat32fs.BlockDevice, first uint64, count uint64) ([]byte, error) {
	buffer := make([]byte, count*fat32fs.SectorSize)
	for i := uint64(0); i < count; i++ {
		start := i * fat32fs.SectorSize
		err := readSector(device, first+i, buffer[start:start+fat32fs.SectorSize])
		if err != nil {
			return nil, err
		}
	}
	return buffer, nil
}

// writeSectors writes `data` over consecutive sectors. The length of `data`
// must be a multiple of the sector size.
func writeSectors(device fat32fs.BlockDevice, first uint64, data []byte) error {
	count := uint64(len(data)) / fat32fs.SectorSize
	for i := uint64(0); i < count; i++ {
		start := i * fat32fs.SectorSize
		err := writeSector(device, first+i, data[start:start+fat32fs.SectorSize])
		if err != nil {
			return err
		}
	}
	return nil
}
