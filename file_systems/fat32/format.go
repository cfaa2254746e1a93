package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/dargueta/fat32fs"
	c "github.com/dargueta/fat32fs/file_systems/common"
	"github.com/dargueta/fat32fs/file_systems/common/blockcache"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FormatOptions controls the layout of a new volume. All fields are optional.
type FormatOptions struct {
	// TotalSectors is the size of the volume. If 0, the size of the device is
	// used, provided it has a TotalSectors method.
	TotalSectors uint32
	// SectorsPerCluster must be a power of two from 1 to 128. If 0, it's chosen
	// based on the size of the volume.
	SectorsPerCluster uint8
	// ReservedSectors defaults to 32. It must be at least 8 so there's room for
	// the backup boot sector.
	ReservedSectors uint16
	// NumFATs defaults to 2.
	NumFATs uint8
	// VolumeLabel is at most 11 characters. If empty, the volume has no label.
	VolumeLabel string
	// VolumeID is the volume serial number. If 0, a random one is generated.
	VolumeID uint32
	// OEMName defaults to "FAT32FS".
	OEMName string
	Logger  *logrus.Entry
}

const (
	defaultReservedSectors = 32
	defaultNumFATs         = 2
	defaultOEMName         = "FAT32FS"
	backupBootSector       = 6
	fsInfoSector           = 1
	formatRootCluster      = 2
	mediaFixedDisk         = 0xF8
)

// defaultSectorsPerCluster picks a cluster size for a volume of the given size,
// following the table Microsoft's formatter uses.
func defaultSectorsPerCluster(totalSectors uint32) uint8 {
	switch {
	case totalSectors <= 532480:
		return 1
	case totalSectors <= 16777216:
		return 8
	case totalSectors <= 33554432:
		return 16
	case totalSectors <= 67108864:
		return 32
	default:
		return 64
	}
}

// computeSectorsPerFAT finds the smallest FAT that can describe every cluster
// left over once the FAT itself has been taken out of the volume. Growing the
// FAT shrinks the data region, so this iterates until the two agree.
func computeSectorsPerFAT(options *FormatOptions) uint32 {
	sectorsPerFAT := uint32(1)
	for {
		overhead := uint64(options.ReservedSectors) + uint64(options.NumFATs)*uint64(sectorsPerFAT)
		if overhead >= uint64(options.TotalSectors) {
			return sectorsPerFAT
		}

		clusters := (uint64(options.TotalSectors) - overhead) / uint64(options.SectorsPerCluster)
		needed := uint32(((clusters+2)*4 + fat32fs.SectorSize - 1) / fat32fs.SectorSize)
		if needed <= sectorsPerFAT {
			return sectorsPerFAT
		}
		sectorsPerFAT = needed
	}
}

func (options *FormatOptions) applyDefaults() error {
	if options.SectorsPerCluster == 0 {
		options.SectorsPerCluster = defaultSectorsPerCluster(options.TotalSectors)
	}
	if options.ReservedSectors == 0 {
		options.ReservedSectors = defaultReservedSectors
	}
	if options.NumFATs == 0 {
		options.NumFATs = defaultNumFATs
	}
	if options.OEMName == "" {
		options.OEMName = defaultOEMName
	}
	if options.VolumeID == 0 {
		id := uuid.New()
		options.VolumeID = binary.LittleEndian.Uint32(id[:4])
	}
	if options.Logger == nil {
		options.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	switch options.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sectors per cluster must be a power of 2 in 1-128, got %d",
				options.SectorsPerCluster))
	}
	if options.ReservedSectors <= backupBootSector+1 {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"need at least %d reserved sectors, got %d",
				backupBootSector+2,
				options.ReservedSectors))
	}
	if len(options.OEMName) > 8 {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("OEM name %q is longer than 8 characters", options.OEMName))
	}
	return nil
}

// encodeVolumeLabel converts a label to the 11-byte, space-padded form used in
// both the boot sector and the root directory.
func encodeVolumeLabel(label string) (ShortName, error) {
	upper := strings.ToUpper(label)
	if len(upper) > 11 {
		return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
			fmt.Sprintf("volume label %q is longer than 11 characters", label))
	}
	for i := 0; i < len(upper); i++ {
		if upper[i] != ' ' && !validShortNameCharacters.Contains(upper[i]) {
			return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
				fmt.Sprintf("volume label %q contains %q", label, upper[i]))
		}
	}
	var name ShortName
	copy(name[:], padded(upper, len(name)))
	return name, nil
}

type stagedWrite struct {
	sector uint64
	data   []byte
}

// sizedDevice is implemented by block devices that know how big they are.
type sizedDevice interface {
	TotalSectors() uint64
}

func padded(s string, size int) []byte {
	result := []byte(strings.Repeat(" ", size))
	copy(result, s)
	return result
}

// Format writes an empty FAT32 file system to `device`. Only the reserved
// sectors, the FATs, and the root directory's cluster are written. The rest of
// the data region is left as it is.
func Format(device fat32fs.BlockDevice, options FormatOptions) error {
	sized, hasSize := device.(sizedDevice)
	if options.TotalSectors == 0 {
		if !hasSize {
			return fat32fs.ErrInvalidArgument.WithMessage(
				"TotalSectors is required for devices of unknown size")
		}
		if sized.TotalSectors() > 0xFFFFFFFF {
			options.TotalSectors = 0xFFFFFFFF
		} else {
			options.TotalSectors = uint32(sized.TotalSectors())
		}
	} else if hasSize && sized.TotalSectors() < uint64(options.TotalSectors) {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"device has %d sectors, can't format %d",
				sized.TotalSectors(),
				options.TotalSectors))
	}

	err := options.applyDefaults()
	if err != nil {
		return err
	}

	label := ShortName{}
	if options.VolumeLabel != "" {
		label, err = encodeVolumeLabel(options.VolumeLabel)
		if err != nil {
			return err
		}
	}

	sectorsPerFAT := computeSectorsPerFAT(&options)
	dataStart := uint64(options.ReservedSectors) + uint64(options.NumFATs)*uint64(sectorsPerFAT)
	if dataStart+uint64(options.SectorsPerCluster) > uint64(options.TotalSectors) {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d sectors is too small for a FAT32 volume; metadata alone needs %d",
				options.TotalSectors,
				dataStart+uint64(options.SectorsPerCluster)))
	}
	totalClusters := (uint64(options.TotalSectors) - dataStart) / uint64(options.SectorsPerCluster)

	raw := RawBootSector{
		JmpBoot:           [3]byte{0xEB, 0x58, 0x90},
		BytesPerSector:    fat32fs.SectorSize,
		SectorsPerCluster: options.SectorsPerCluster,
		ReservedSectors:   options.ReservedSectors,
		NumFATs:           options.NumFATs,
		Media:             mediaFixedDisk,
		SectorsPerTrack:   63,
		NumHeads:          255,
		TotalSectors32:    options.TotalSectors,
		SectorsPerFAT32:   sectorsPerFAT,
		RootCluster:       formatRootCluster,
		FSInfoSector:      fsInfoSector,
		BackupBootSector:  backupBootSector,
		DriveNumber:       0x80,
		BootSignature:     0x29,
		VolumeID:          options.VolumeID,
	}
	copy(raw.OEMName[:], padded(options.OEMName, 8))
	copy(raw.FileSystemType[:], "FAT32   ")
	if options.VolumeLabel != "" {
		copy(raw.VolumeLabel[:], label[:])
	} else {
		copy(raw.VolumeLabel[:], "NO NAME    ")
	}

	bootSector, err := raw.Bytes()
	if err != nil {
		return err
	}
	fsInfo := FSInfo{
		FreeCount: uint32(totalClusters) - 1,
		NextFree:  formatRootCluster + 1,
	}.Bytes()

	// Everything up to and including the root directory's cluster is staged in
	// memory and written out in one pass.
	metadataSectors := dataStart + uint64(options.SectorsPerCluster)
	cache := blockcache.NewBlank(device, 0, uint(metadataSectors))

	writes := []stagedWrite{
		{0, bootSector},
		{fsInfoSector, fsInfo},
		{backupBootSector, bootSector},
		{backupBootSector + fsInfoSector, fsInfo},
	}

	firstFATSector := make([]byte, fat32fs.SectorSize)
	binary.LittleEndian.PutUint32(firstFATSector[0:4], 0x0FFFFF00|mediaFixedDisk)
	binary.LittleEndian.PutUint32(firstFATSector[4:8], uint32(EndOfChain))
	binary.LittleEndian.PutUint32(firstFATSector[formatRootCluster*4:], uint32(EndOfChain))
	for i := uint64(0); i < uint64(options.NumFATs); i++ {
		writes = append(writes, stagedWrite{uint64(options.ReservedSectors) + i*uint64(sectorsPerFAT), firstFATSector})
	}

	if options.VolumeLabel != "" {
		dirent := RawDirent{Name: label, Attributes: AttrVolumeLabel}
		dirent.SetLastModifiedAt(time.Now())
		writes = append(writes, stagedWrite{dataStart, dirent.Bytes()})
	}

	for _, write := range writes {
		err = cache.Write(c.SectorIndex(write.sector), write.data)
		if err != nil {
			return err
		}
	}

	// Blank sectors still have to be written over whatever was on the device.
	err = cache.MarkBlockRangeDirty(0, uint(metadataSectors))
	if err != nil {
		return err
	}
	err = cache.Flush()
	if err != nil {
		return err
	}

	options.Logger.WithFields(logrus.Fields{
		"sectors":         options.TotalSectors,
		"cluster_sectors": options.SectorsPerCluster,
		"clusters":        totalClusters,
		"fat_sectors":     sectorsPerFAT,
		"label":           strings.TrimRight(string(label[:]), " \x00"),
	}).Info("formatted FAT32 volume")
	return nil
}
