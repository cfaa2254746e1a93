package fat32

import (
	"strings"

	"github.com/dargueta/fat32fs"
	"github.com/sirupsen/logrus"
)

// EntryLocation identifies a 32-byte slot in a directory: the cluster it's in,
// and its byte offset from the beginning of that cluster.
type EntryLocation struct {
	Cluster ClusterID
	Offset  uint32
}

// dirRecord is one live entry of a directory after decoding: its short entry,
// the name decoded from the entry run, and where every slot of the run is.
type dirRecord struct {
	Name     string
	Dirent   RawDirent
	Location EntryLocation
	// LongLocations gives the slots of the long file name entries in disk
	// order. Empty if the name came from the short entry alone.
	LongLocations []EntryLocation
}

// Locations returns every slot used by the record, in disk order, ending with
// the short entry.
func (r *dirRecord) Locations() []EntryLocation {
	locations := make([]EntryLocation, 0, len(r.LongLocations)+1)
	locations = append(locations, r.LongLocations...)
	return append(locations, r.Location)
}

func (r *dirRecord) toDirectoryEntry() fat32fs.DirectoryEntry {
	size := int64(r.Dirent.FileSize)
	if r.Dirent.IsDirectory() {
		size = 0
	}

	return fat32fs.NewDirectoryEntry(
		r.Name,
		r.Dirent.IsDirectory(),
		fat32fs.FileStat{
			Size:         size,
			Attributes:   r.Dirent.Attributes,
			FirstCluster: uint32(r.Dirent.FirstCluster()),
			CreatedAt:    r.Dirent.CreatedAt(),
			LastModified: r.Dirent.LastModifiedAt(),
			LastAccessed: r.Dirent.LastAccessedAt(),
		},
	)
}

// isListable determines if the record is a file or directory a user would
// expect to see, as opposed to `.`, `..`, or the volume label.
func (r *dirRecord) isListable() bool {
	return !r.Dirent.IsDotEntry() && !r.Dirent.IsVolumeLabel()
}

// directory is a snapshot of a directory's contents, read in one pass over its
// cluster chain. It's only valid until the directory is modified.
type directory struct {
	firstCluster ClusterID
	chain        []ClusterID
	records      []dirRecord
	// freeSlots[i] is true if slot i held a deleted entry when the directory
	// was read.
	freeSlots []bool
	// endIndex is the index of the first end-of-directory marker, or the total
	// number of slots if there isn't one. Every slot from here on is free.
	endIndex        int
	entriesPerChunk int
}

func (dir *directory) totalSlots() int {
	return len(dir.chain) * dir.entriesPerChunk
}

func (dir *directory) slotLocation(index int) EntryLocation {
	return EntryLocation{
		Cluster: dir.chain[index/dir.entriesPerChunk],
		Offset:  uint32(index%dir.entriesPerChunk) * DirentSize,
	}
}

func (dir *directory) isSlotFree(index int) bool {
	return index >= dir.endIndex || dir.freeSlots[index]
}

// find looks up a listable entry by name. Both the long name and the short name
// are matched, ignoring case.
func (dir *directory) find(name string) *dirRecord {
	for i := range dir.records {
		record := &dir.records[i]
		if !record.isListable() {
			continue
		}
		if strings.EqualFold(record.Name, name) ||
			strings.EqualFold(record.Dirent.Name.String(), name) {
			return record
		}
	}
	return nil
}

// shortNameTaken determines if any entry in the directory, including `.`,
// `..`, and the volume label, already uses the given short name.
func (dir *directory) shortNameTaken(name ShortName) bool {
	for i := range dir.records {
		if dir.records[i].Dirent.Name == name {
			return true
		}
	}
	return false
}

// findFreeRun returns the index of the first run of `count` consecutive free
// slots, or -1 if there isn't one.
func (dir *directory) findFreeRun(count int) int {
	runLength := 0
	for i := 0; i < dir.totalSlots(); i++ {
		if !dir.isSlotFree(i) {
			runLength = 0
			continue
		}
		runLength++
		if runLength == count {
			return i - count + 1
		}
	}
	return -1
}

////////////////////////////////////////////////////////////////////////////////
// Cluster and slot I/O

func (drv *Driver) readCluster(cluster ClusterID) ([]byte, error) {
	return readSectors(
		drv.device, drv.boot.ClusterToSector(cluster), uint64(drv.boot.SectorsPerCluster))
}

// writeCluster writes `data` to the beginning of a cluster. If `data` is
// shorter than a cluster, the rest of the cluster is zeroed.
func (drv *Driver) writeCluster(cluster ClusterID, data []byte) error {
	buffer := data
	if len(buffer) != int(drv.boot.ClusterSize) {
		buffer = make([]byte, drv.boot.ClusterSize)
		copy(buffer, data)
	}
	return writeSectors(drv.device, drv.boot.ClusterToSector(cluster), buffer)
}

// slotSector gives the absolute sector containing a slot, and the slot's offset
// within that sector.
func (drv *Driver) slotSector(location EntryLocation) (uint64, uint32) {
	sector := drv.boot.ClusterToSector(location.Cluster) + uint64(location.Offset/fat32fs.SectorSize)
	return sector, location.Offset % fat32fs.SectorSize
}

func (drv *Driver) readSlot(location EntryLocation) ([]byte, error) {
	sector, offset := drv.slotSector(location)
	buffer := make([]byte, fat32fs.SectorSize)
	err := readSector(drv.device, sector, buffer)
	if err != nil {
		return nil, err
	}
	return buffer[offset : offset+DirentSize], nil
}

// writeSlot overwrites a single 32-byte slot, leaving the rest of its sector
// alone.
func (drv *Driver) writeSlot(location EntryLocation, data []byte) error {
	sector, offset := drv.slotSector(location)
	buffer := make([]byte, fat32fs.SectorSize)
	err := readSector(drv.device, sector, buffer)
	if err != nil {
		return err
	}

	copy(buffer[offset:offset+DirentSize], data)
	return writeSector(drv.device, sector, buffer)
}

// tombstone marks slots as deleted. The rest of each entry is left intact.
func (drv *Driver) tombstone(locations []EntryLocation) error {
	for _, location := range locations {
		slot, err := drv.readSlot(location)
		if err != nil {
			return err
		}
		slot[0] = markerDeleted
		err = drv.writeSlot(location, slot)
		if err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Reading and modifying directories

// readDirectory reads every cluster of a directory and decodes its entries.
// Decoding stops at the first end-of-directory marker.
func (drv *Driver) readDirectory(firstCluster ClusterID) (*directory, error) {
	chain, err := drv.table.ListChain(firstCluster)
	if err != nil {
		return nil, err
	}

	dir := &directory{
		firstCluster:    firstCluster,
		chain:           chain,
		entriesPerChunk: int(drv.boot.DirentsPerCluster),
	}
	dir.freeSlots = make([]bool, dir.totalSlots())
	dir.endIndex = dir.totalSlots()

	var pendingLong [][]byte
	var pendingLocations []EntryLocation

	slotIndex := 0
scan:
	for _, cluster := range chain {
		data, err := drv.readCluster(cluster)
		if err != nil {
			return nil, err
		}

		for offset := 0; offset < len(data); offset += DirentSize {
			slot := data[offset : offset+DirentSize]
			location := dir.slotLocation(slotIndex)

			switch {
			case isEndMarker(slot):
				dir.endIndex = slotIndex
				break scan
			case isDeleted(slot):
				dir.freeSlots[slotIndex] = true
				pendingLong = nil
				pendingLocations = nil
			case isLongNameSlot(slot):
				// A slot flagged as the last entry starts a new run, discarding
				// anything orphaned before it.
				if slot[0]&lfnLastEntryFlag != 0 {
					pendingLong = nil
					pendingLocations = nil
				}
				pendingLong = append(pendingLong, slot)
				pendingLocations = append(pendingLocations, location)
			default:
				name, usedLongName := DecodeEntryRun(pendingLong, slot)
				record := dirRecord{
					Name:     name,
					Dirent:   DecodeRawDirent(slot),
					Location: location,
				}
				if usedLongName {
					record.LongLocations = pendingLocations
				} else if len(pendingLong) > 0 {
					drv.log.WithFields(logrus.Fields{
						"cluster": location.Cluster,
						"offset":  location.Offset,
					}).Debug("discarding long name entries that don't match their short entry")
				}
				dir.records = append(dir.records, record)
				pendingLong = nil
				pendingLocations = nil
			}
			slotIndex++
		}
	}

	return dir, nil
}

// extendDirectory adds a zeroed cluster to the end of a directory's chain.
func (drv *Driver) extendDirectory(dir *directory) error {
	last := dir.chain[len(dir.chain)-1]
	newCluster, err := drv.table.ExtendChain(last)
	if err != nil {
		return err
	}

	err = drv.writeCluster(newCluster, nil)
	if err != nil {
		return err
	}

	dir.chain = append(dir.chain, newCluster)
	dir.freeSlots = append(dir.freeSlots, make([]bool, dir.entriesPerChunk)...)
	drv.log.WithFields(logrus.Fields{
		"directory": dir.firstCluster,
		"cluster":   newCluster,
	}).Debug("extended directory")
	return nil
}

// addEntries writes an entry run into the first stretch of free slots big
// enough to hold it, growing the directory if there isn't one. It returns the
// locations the entries were written to.
func (drv *Driver) addEntries(dir *directory, entries [][]byte) ([]EntryLocation, error) {
	if len(dir.chain) == 0 {
		return nil, corruptionf("directory at cluster %d has no clusters", dir.firstCluster)
	}

	start := dir.findFreeRun(len(entries))
	for start < 0 {
		err := drv.extendDirectory(dir)
		if err != nil {
			return nil, err
		}
		start = dir.findFreeRun(len(entries))
	}

	locations := make([]EntryLocation, len(entries))
	for i, entry := range entries {
		locations[i] = dir.slotLocation(start + i)
		err := drv.writeSlot(locations[i], entry)
		if err != nil {
			return nil, err
		}
		dir.freeSlots[start+i] = false
	}

	// If the run went over the end-of-directory marker, the slot after it must
	// become the new marker. Anything past the old marker is undefined.
	after := start + len(entries)
	if after > dir.endIndex {
		if after < dir.totalSlots() {
			err := drv.writeSlot(dir.slotLocation(after), make([]byte, DirentSize))
			if err != nil {
				return nil, err
			}
		}
		dir.endIndex = after
	}
	return locations, nil
}
