// Package fat32 implements a driver for FAT32 volumes on 512-byte-sector block
// devices.
package fat32

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/fat32fs"
	"github.com/noxer/bytewriter"
)

type ClusterID uint32

// RawBootSector is the on-disk representation of the FAT32 BIOS parameter
// block, i.e. the first 90 bytes of the boot sector. Field order and sizes match
// the disk exactly so it can be read and written with [encoding/binary].
type RawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	Reserved          [12]byte
	DriveNumber       uint8
	Reserved1         uint8
	BootSignature     uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

const rawBootSectorSize = 90

// Offset of the 0x55 0xAA trailer in the boot sector.
const bootSignatureOffset = 0x1FE

// BootSector extends RawBootSector with precomputed fields used everywhere
// else. It's immutable after mounting.
type BootSector struct {
	RawBootSector
	TotalSectors      uint32
	SectorsPerFAT     uint32
	FATStartSector    uint64
	DataStartSector   uint64
	ClusterSize       uint32
	TotalClusters     uint32
	MaxCluster        ClusterID
	DirentsPerCluster uint32
}

// Bytes serializes the parameter block into a full sector, including the
// trailing boot signature.
func (raw *RawBootSector) Bytes() ([]byte, error) {
	sector := make([]byte, fat32fs.SectorSize)
	writer := bytewriter.New(sector)

	err := binary.Write(writer, binary.LittleEndian, raw)
	if err != nil {
		return nil, err
	}

	sector[bootSignatureOffset] = 0x55
	sector[bootSignatureOffset+1] = 0xAA
	return sector, nil
}

func corruptionf(format string, args ...interface{}) error {
	return fat32fs.ErrFileSystemCorrupted.WithMessage(
		"corruption detected: " + fmt.Sprintf(format, args...))
}

// ParseBootSector validates the first sector of a volume and returns the
// geometry it describes.
func ParseBootSector(sector []byte) (*BootSector, error) {
	if len(sector) != fat32fs.SectorSize {
		return nil, fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("boot sector must be %d bytes, got %d", fat32fs.SectorSize, len(sector)))
	}

	if sector[bootSignatureOffset] != 0x55 || sector[bootSignatureOffset+1] != 0xAA {
		return nil, corruptionf(
			"boot signature missing: expected 55 AA, got %02X %02X",
			sector[bootSignatureOffset],
			sector[bootSignatureOffset+1])
	}

	raw := RawBootSector{}
	err := binary.Read(
		bytes.NewReader(sector[:rawBootSectorSize]), binary.LittleEndian, &raw)
	if err != nil {
		return nil, fat32fs.ErrIOFailed.Wrap(err)
	}

	if raw.BytesPerSector != fat32fs.SectorSize {
		return nil, corruptionf(
			"BytesPerSector must be %d, got %d", fat32fs.SectorSize, raw.BytesPerSector)
	}

	// SectorsPerCluster must be 2^x with x in [0, 8)
	switch raw.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, corruptionf(
			"SectorsPerCluster must be a power of 2 in 1-128, got %d",
			raw.SectorsPerCluster)
	}

	if raw.NumFATs == 0 {
		return nil, corruptionf("NumFATs is 0")
	}
	if raw.ReservedSectors == 0 {
		return nil, corruptionf("ReservedSectors is 0")
	}
	if raw.SectorsPerFAT32 == 0 {
		return nil, corruptionf("SectorsPerFAT32 is 0; not a FAT32 volume")
	}
	if raw.RootCluster < 2 {
		return nil, corruptionf("RootCluster must be at least 2, got %d", raw.RootCluster)
	}

	totalSectors := uint32(raw.TotalSectors16)
	if totalSectors == 0 {
		totalSectors = raw.TotalSectors32
	}

	fatStart := uint64(raw.ReservedSectors)
	dataStart := fatStart + uint64(raw.NumFATs)*uint64(raw.SectorsPerFAT32)
	if dataStart >= uint64(totalSectors) {
		return nil, corruptionf(
			"data region starts at sector %d but the volume only has %d sectors",
			dataStart,
			totalSectors)
	}

	totalClusters := (uint64(totalSectors) - dataStart) / uint64(raw.SectorsPerCluster)

	// The FAT might be too small to describe every cluster in the data region.
	// Clusters it can't describe are unusable.
	fatCapacity := uint64(raw.SectorsPerFAT32)*(fat32fs.SectorSize/4) - 2
	if totalClusters > fatCapacity {
		totalClusters = fatCapacity
	}
	if totalClusters == 0 {
		return nil, corruptionf("volume has no data clusters")
	}
	if uint64(raw.RootCluster) > totalClusters+1 {
		return nil, corruptionf(
			"RootCluster %d is past the last cluster %d", raw.RootCluster, totalClusters+1)
	}

	clusterSize := uint32(raw.BytesPerSector) * uint32(raw.SectorsPerCluster)
	return &BootSector{
		RawBootSector:     raw,
		TotalSectors:      totalSectors,
		SectorsPerFAT:     raw.SectorsPerFAT32,
		FATStartSector:    fatStart,
		DataStartSector:   dataStart,
		ClusterSize:       clusterSize,
		TotalClusters:     uint32(totalClusters),
		MaxCluster:        ClusterID(totalClusters + 1),
		DirentsPerCluster: clusterSize / DirentSize,
	}, nil
}

// ClusterToSector gives the absolute sector number of the first sector of a
// cluster. The caller must make sure the cluster is valid.
func (bs *BootSector) ClusterToSector(cluster ClusterID) uint64 {
	return bs.DataStartSector + uint64(cluster-2)*uint64(bs.SectorsPerCluster)
}

// IsValidCluster determines if a cluster number refers to a cluster in the data
// region of this volume.
func (bs *BootSector) IsValidCluster(cluster ClusterID) bool {
	return cluster >= 2 && cluster <= bs.MaxCluster
}

// VolumeLabelString returns the label from the extended BPB, without padding.
func (bs *BootSector) VolumeLabelString() string {
	return string(bytes.TrimRight(bs.VolumeLabel[:], " \x00"))
}

////////////////////////////////////////////////////////////////////////////////
// FSInfo

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000

	// FSInfoUnknown is stored in either field of the FSInfo sector when the
	// value hasn't been computed.
	FSInfoUnknown = 0xFFFFFFFF
)

// FSInfo holds the allocation hints stored in the FSInfo sector. Both values
// are advisory only.
type FSInfo struct {
	FreeCount uint32
	NextFree  uint32
}

// ParseFSInfo decodes an FSInfo sector. Bad signatures are reported as
// corruption.
func ParseFSInfo(sector []byte) (FSInfo, error) {
	if len(sector) != fat32fs.SectorSize {
		return FSInfo{}, fat32fs.ErrInvalidArgument.WithMessage("FSInfo must be a full sector")
	}

	lead := binary.LittleEndian.Uint32(sector[0:4])
	structSig := binary.LittleEndian.Uint32(sector[484:488])
	trail := binary.LittleEndian.Uint32(sector[508:512])
	if lead != fsInfoLeadSignature || structSig != fsInfoStructSignature || trail != fsInfoTrailSignature {
		return FSInfo{}, corruptionf("FSInfo signatures are invalid")
	}

	return FSInfo{
		FreeCount: binary.LittleEndian.Uint32(sector[488:492]),
		NextFree:  binary.LittleEndian.Uint32(sector[492:496]),
	}, nil
}

func (info FSInfo) Bytes() []byte {
	sector := make([]byte, fat32fs.SectorSize)
	binary.LittleEndian.PutUint32(sector[0:4], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(sector[484:488], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(sector[488:492], info.FreeCount)
	binary.LittleEndian.PutUint32(sector[492:496], info.NextFree)
	binary.LittleEndian.PutUint32(sector[508:512], fsInfoTrailSignature)
	return sector
}
