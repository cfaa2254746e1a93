package fat32

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/fat32fs"
	c "github.com/dargueta/fat32fs/file_systems/common"
	"github.com/dargueta/fat32fs/file_systems/common/blockcache"
	"github.com/sirupsen/logrus"
)

const (
	// Only the low 28 bits of a FAT32 entry are significant. The top four are
	// reserved and must be preserved when an entry is modified.
	entryMask     = 0x0FFFFFFF
	reservedMask  = 0xF0000000
	endOfChainMin = 0x0FFFFFF8

	entriesPerSector = fat32fs.SectorSize / 4
)

const (
	FreeCluster ClusterID = 0
	BadCluster  ClusterID = 0x0FFFFFF7
	EndOfChain  ClusterID = 0x0FFFFFFF
)

// IsEndOfChain determines if a FAT entry value marks the end of a chain.
func IsEndOfChain(value ClusterID) bool {
	return value >= endOfChainMin
}

// Table manages the file allocation table(s) of a mounted volume. Every write
// goes to all copies of the FAT before returning.
//
// Table holds no copy of the FAT in memory. The only state it keeps is the
// allocation cursor.
type Table struct {
	device fat32fs.BlockDevice
	boot   *BootSector
	cursor ClusterID
	log    *logrus.Entry
}

func NewTable(device fat32fs.BlockDevice, boot *BootSector, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		device: device,
		boot:   boot,
		cursor: 2,
		log:    log,
	}
}

// Cursor gives the cluster where the next allocation scan will begin.
func (t *Table) Cursor() ClusterID {
	return t.cursor
}

// SetCursor moves the allocation cursor. Invalid clusters are ignored, which
// makes it safe to pass an unvalidated hint such as the one in FSInfo.
func (t *Table) SetCursor(cluster ClusterID) {
	if t.boot.IsValidCluster(cluster) {
		t.cursor = cluster
	}
}

func (t *Table) advanceCursor(from ClusterID) {
	if from >= t.boot.MaxCluster {
		t.cursor = 2
	} else {
		t.cursor = from + 1
	}
}

// entrySector gives the sector holding the entry for `cluster` in the FAT copy
// `fatIndex`, and the offset of the entry within that sector.
func (t *Table) entrySector(fatIndex uint8, cluster ClusterID) (uint64, int) {
	fatStart := t.boot.FATStartSector + uint64(fatIndex)*uint64(t.boot.SectorsPerFAT)
	return fatStart + uint64(cluster)/entriesPerSector, int(cluster%entriesPerSector) * 4
}

// fatReader reads entries from the first FAT, keeping the most recently read
// sector around so sequential scans don't reread it for every entry. It only
// lives for the duration of one operation.
type fatReader struct {
	table        *Table
	loadedSector uint64
	isLoaded     bool
	buffer       []byte
}

func (t *Table) newReader() *fatReader {
	return &fatReader{table: t, buffer: make([]byte, fat32fs.SectorSize)}
}

func (r *fatReader) entry(cluster ClusterID) (ClusterID, error) {
	sector, offset := r.table.entrySector(0, cluster)
	if !r.isLoaded || sector != r.loadedSector {
		err := readSector(r.table.device, sector, r.buffer)
		if err != nil {
			r.isLoaded = false
			return 0, err
		}
		r.loadedSector = sector
		r.isLoaded = true
	}
	return ClusterID(binary.LittleEndian.Uint32(r.buffer[offset:offset+4]) & entryMask), nil
}

// invalidate must be called after the table is written to, so the reader
// doesn't return stale entries.
func (r *fatReader) invalidate() {
	r.isLoaded = false
}

// writeEntry sets the entry for `cluster` in every copy of the FAT. The reserved
// high bits of the existing entry are kept.
func (t *Table) writeEntry(cluster ClusterID, value ClusterID) error {
	buffer := make([]byte, fat32fs.SectorSize)

	for fatIndex := uint8(0); fatIndex < t.boot.NumFATs; fatIndex++ {
		sector, offset := t.entrySector(fatIndex, cluster)
		err := readSector(t.device, sector, buffer)
		if err != nil {
			return err
		}

		current := binary.LittleEndian.Uint32(buffer[offset : offset+4])
		updated := (current & reservedMask) | (uint32(value) & entryMask)
		binary.LittleEndian.PutUint32(buffer[offset:offset+4], updated)

		err = writeSector(t.device, sector, buffer)
		if err != nil {
			return err
		}
	}
	return nil
}

// NextCluster returns the FAT entry for `cluster`: either the next cluster in
// its chain, [FreeCluster], [BadCluster], or a value for which [IsEndOfChain]
// is true.
func (t *Table) NextCluster(cluster ClusterID) (ClusterID, error) {
	if !t.boot.IsValidCluster(cluster) {
		return 0, corruptionf(
			"cluster %d not in range [2, %d]", cluster, t.boot.MaxCluster)
	}
	return t.newReader().entry(cluster)
}

// AllocateCluster finds a free cluster, marks it as the end of a new chain, and
// returns it. The search starts at the cursor and wraps around the end of the
// volume, so consecutive allocations spread across the disk instead of always
// reusing the lowest free cluster.
func (t *Table) AllocateCluster() (ClusterID, error) {
	total := ClusterID(t.boot.TotalClusters)
	start := t.cursor
	if !t.boot.IsValidCluster(start) {
		start = 2
	}

	reader := t.newReader()
	for i := ClusterID(0); i < total; i++ {
		cluster := 2 + (start-2+i)%total
		value, err := reader.entry(cluster)
		if err != nil {
			return 0, err
		}
		if value != FreeCluster {
			continue
		}

		err = t.writeEntry(cluster, EndOfChain)
		if err != nil {
			return 0, err
		}
		t.advanceCursor(cluster)
		t.log.WithField("cluster", cluster).Debug("allocated cluster")
		return cluster, nil
	}

	return 0, fat32fs.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("all %d clusters are in use", total))
}

// ExtendChain allocates a cluster and appends it to the chain ending at `last`.
// It returns the new cluster, which is now the end of the chain.
func (t *Table) ExtendChain(last ClusterID) (ClusterID, error) {
	value, err := t.NextCluster(last)
	if err != nil {
		return 0, err
	}
	if !IsEndOfChain(value) {
		return 0, fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cluster %d isn't the end of its chain (next is %#x)", last, value))
	}

	newCluster, err := t.AllocateCluster()
	if err != nil {
		return 0, err
	}

	err = t.writeEntry(last, newCluster)
	if err != nil {
		return 0, err
	}
	t.log.WithFields(logrus.Fields{"from": last, "to": newCluster}).Debug("extended chain")
	return newCluster, nil
}

// AllocateChain allocates `count` clusters linked into one chain and returns
// the first. A count of 0 returns [FreeCluster], the first cluster of an empty
// file.
func (t *Table) AllocateChain(count uint32) (ClusterID, error) {
	if count == 0 {
		return FreeCluster, nil
	}

	first, err := t.AllocateCluster()
	if err != nil {
		return 0, err
	}

	last := first
	for i := uint32(1); i < count; i++ {
		last, err = t.ExtendChain(last)
		if err != nil {
			return 0, err
		}
	}
	return first, nil
}

// FreeChain releases every cluster in the chain beginning at `start`. Freeing a
// chain that's already free is not an error, and [FreeCluster] as the start is
// treated as an empty chain.
func (t *Table) FreeChain(start ClusterID) error {
	if start == FreeCluster {
		return nil
	}
	if !t.boot.IsValidCluster(start) {
		return corruptionf("can't free chain at invalid cluster %d", start)
	}

	freed := 0
	current := start
	reader := t.newReader()

	for {
		if freed > int(t.boot.TotalClusters) {
			return corruptionf("chain from cluster %d never terminates", start)
		}

		next, err := reader.entry(current)
		if err != nil {
			return err
		}
		if next == FreeCluster {
			// Either the whole chain was already freed, or we've hit what's left
			// of a chain that was partially freed. Either way, nothing to do.
			break
		}

		err = t.writeEntry(current, FreeCluster)
		if err != nil {
			return err
		}
		reader.invalidate()
		freed++

		if IsEndOfChain(next) {
			break
		}
		if !t.boot.IsValidCluster(next) {
			return corruptionf(
				"cluster %d in chain from %d links to invalid cluster %#x",
				current,
				start,
				next)
		}
		current = next
	}

	t.log.WithFields(logrus.Fields{"start": start, "freed": freed}).Debug("freed chain")
	return nil
}

// TruncateChain keeps the first `keep` clusters of the chain beginning at
// `start` and frees the rest. If `keep` is 0 the whole chain is freed.
//
// The new last cluster is marked as the end of the chain before the tail is
// freed, so a failure partway through leaks clusters rather than leaving a
// chain that runs into free space.
func (t *Table) TruncateChain(start ClusterID, keep uint32) error {
	if keep == 0 {
		return t.FreeChain(start)
	}

	newLast := start
	for i := uint32(1); i < keep; i++ {
		next, err := t.NextCluster(newLast)
		if err != nil {
			return err
		}
		if IsEndOfChain(next) {
			return fat32fs.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"can't keep %d clusters of the chain from %d, it only has %d",
					keep,
					start,
					i))
		}
		newLast = next
	}

	tail, err := t.NextCluster(newLast)
	if err != nil {
		return err
	}
	if IsEndOfChain(tail) {
		return nil
	}

	err = t.writeEntry(newLast, EndOfChain)
	if err != nil {
		return err
	}
	return t.FreeChain(tail)
}

// ListChain returns every cluster in the chain beginning at `start`, in order.
// [FreeCluster] as the start gives an empty chain.
//
// A chain longer than the number of clusters on the volume must contain a
// cycle; this and links to free, bad, or out-of-range clusters are reported as
// corruption.
func (t *Table) ListChain(start ClusterID) ([]ClusterID, error) {
	if start == FreeCluster {
		return nil, nil
	}

	chain := []ClusterID{}
	current := start
	reader := t.newReader()

	for {
		if !t.boot.IsValidCluster(current) {
			return chain, corruptionf(
				"chain from cluster %d reaches invalid cluster %#x at index %d",
				start,
				current,
				len(chain))
		}
		if len(chain) >= int(t.boot.TotalClusters) {
			return chain, corruptionf(
				"chain from cluster %d exceeds %d clusters; it probably has a cycle",
				start,
				t.boot.TotalClusters)
		}

		chain = append(chain, current)
		next, err := reader.entry(current)
		if err != nil {
			return chain, err
		}
		if IsEndOfChain(next) {
			return chain, nil
		}
		if next == FreeCluster || next == BadCluster {
			return chain, corruptionf(
				"cluster %d in chain from %d is followed by %#x",
				current,
				start,
				next)
		}
		current = next
	}
}

// ChainLength counts the clusters in the chain beginning at `start`. See
// [Table.ListChain] for the failure conditions.
func (t *Table) ChainLength(start ClusterID) (uint32, error) {
	chain, err := t.ListChain(start)
	if err != nil {
		return 0, err
	}
	return uint32(len(chain)), nil
}

// FreeClusterCount scans the FAT and counts the free clusters.
func (t *Table) FreeClusterCount() (uint32, error) {
	reader := t.newReader()
	count := uint32(0)

	for cluster := ClusterID(2); cluster <= t.boot.MaxCluster; cluster++ {
		value, err := reader.entry(cluster)
		if err != nil {
			return 0, err
		}
		if value == FreeCluster {
			count++
		}
	}
	return count, nil
}

// mirrorChunkSectors bounds how much of each FAT copy VerifyMirrors holds in
// memory at once.
const mirrorChunkSectors = 128

// VerifyMirrors compares every copy of the FAT against the first one. It does
// not attempt to fix anything.
func (t *Table) VerifyMirrors() error {
	fatSectors := uint64(t.boot.SectorsPerFAT)

	for chunkStart := uint64(0); chunkStart < fatSectors; chunkStart += mirrorChunkSectors {
		chunkLength := fatSectors - chunkStart
		if chunkLength > mirrorChunkSectors {
			chunkLength = mirrorChunkSectors
		}

		primary, err := t.loadFATSectors(0, chunkStart, chunkLength)
		if err != nil {
			return err
		}

		for fatIndex := uint8(1); fatIndex < t.boot.NumFATs; fatIndex++ {
			mirror, err := t.loadFATSectors(fatIndex, chunkStart, chunkLength)
			if err != nil {
				return err
			}

			for i := uint64(0); i < chunkLength; i++ {
				offset := i * fat32fs.SectorSize
				if !bytes.Equal(
					primary[offset:offset+fat32fs.SectorSize],
					mirror[offset:offset+fat32fs.SectorSize],
				) {
					return corruptionf(
						"FAT copy %d differs from copy 0 in sector %d of the table",
						fatIndex,
						chunkStart+i)
				}
			}
		}
	}
	return nil
}

// loadFATSectors reads `count` sectors of one copy of the FAT, starting at
// sector `start` relative to the beginning of that copy.
func (t *Table) loadFATSectors(fatIndex uint8, start, count uint64) ([]byte, error) {
	firstSector := t.boot.FATStartSector +
		uint64(fatIndex)*uint64(t.boot.SectorsPerFAT) + start
	cache := blockcache.WrapDevice(t.device, c.SectorIndex(firstSector), uint(count))
	return cache.GetSlice(0, uint(count))
}
