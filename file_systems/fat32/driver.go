package fat32

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dargueta/fat32fs"
	"github.com/sirupsen/logrus"
)

// Driver is a mounted FAT32 volume. All public methods are safe to call from
// multiple goroutines; a single lock serializes them for the whole volume.
//
// Unexported methods assume the caller holds the lock.
type Driver struct {
	mu               sync.Mutex
	device           fat32fs.BlockDevice
	boot             *BootSector
	table            *Table
	log              *logrus.Entry
	now              func() time.Time
	updateAccessTime bool
	unmounted        bool
}

var _ fat32fs.Driver = (*Driver)(nil)

// Option configures a [Driver] at mount time.
type Option func(*Driver)

// WithLogger sets the logger the driver reports to. The default is the logrus
// standard logger.
func WithLogger(log *logrus.Entry) Option {
	return func(drv *Driver) {
		if log != nil {
			drv.log = log
		}
	}
}

// WithClock replaces the function used to get the current time when stamping
// directory entries.
func WithClock(now func() time.Time) Option {
	return func(drv *Driver) {
		if now != nil {
			drv.now = now
		}
	}
}

// WithAccessTimeUpdates makes [Driver.ReadFile] update the last-accessed date of
// the file it reads. It's off by default, so reads never write to the device.
func WithAccessTimeUpdates(enabled bool) Option {
	return func(drv *Driver) {
		drv.updateAccessTime = enabled
	}
}

// Mount reads the boot sector of `device` and returns a driver for the volume.
// Nothing is written to the device.
func Mount(device fat32fs.BlockDevice, options ...Option) (*Driver, error) {
	drv := &Driver{
		device: device,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		now:    time.Now,
	}
	for _, option := range options {
		option(drv)
	}

	sector := make([]byte, fat32fs.SectorSize)
	err := readSector(device, 0, sector)
	if err != nil {
		return nil, err
	}

	drv.boot, err = ParseBootSector(sector)
	if err != nil {
		return nil, err
	}
	drv.table = NewTable(device, drv.boot, drv.log)

	err = drv.loadAllocationHint()
	if err != nil {
		return nil, err
	}

	drv.log.WithFields(logrus.Fields{
		"label":        drv.boot.VolumeLabelString(),
		"clusters":     drv.boot.TotalClusters,
		"cluster_size": drv.boot.ClusterSize,
		"fats":         drv.boot.NumFATs,
	}).Info("mounted FAT32 volume")
	return drv, nil
}

// loadAllocationHint seeds the allocation cursor from the FSInfo sector. The
// hint is advisory, so a missing or damaged FSInfo sector is ignored. Only I/O
// errors are returned.
func (drv *Driver) loadAllocationHint() error {
	index := uint64(drv.boot.FSInfoSector)
	if index == 0 || index >= uint64(drv.boot.ReservedSectors) {
		return nil
	}

	sector := make([]byte, fat32fs.SectorSize)
	err := readSector(drv.device, index, sector)
	if err != nil {
		return err
	}

	info, err := ParseFSInfo(sector)
	if err != nil {
		drv.log.WithError(err).Debug("ignoring FSInfo sector")
		return nil
	}
	if info.NextFree != FSInfoUnknown {
		drv.table.SetCursor(ClusterID(info.NextFree))
	}
	return nil
}

// BootSector returns the parsed boot sector of the volume.
func (drv *Driver) BootSector() *BootSector {
	return drv.boot
}

// Table returns the FAT manager of the volume. Using it directly bypasses the
// driver's lock.
func (drv *Driver) Table() *Table {
	return drv.table
}

// acquire takes the volume lock, failing if the driver has been unmounted.
func (drv *Driver) acquire() (func(), error) {
	drv.mu.Lock()
	if drv.unmounted {
		drv.mu.Unlock()
		return nil, fat32fs.ErrInvalidArgument.WithMessage("volume is not mounted")
	}
	return drv.mu.Unlock, nil
}

func (drv *Driver) Unmount() error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	drv.unmounted = true
	drv.log.Info("unmounted FAT32 volume")
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Public API

func (drv *Driver) ListDirectory(path string) ([]fat32fs.DirectoryEntry, error) {
	unlock, err := drv.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return drv.listDirectory(path)
}

func (drv *Driver) Stat(path string) (fat32fs.DirectoryEntry, error) {
	unlock, err := drv.acquire()
	if err != nil {
		return fat32fs.DirectoryEntry{}, err
	}
	defer unlock()

	entry, err := drv.resolve(path)
	if err != nil {
		return fat32fs.DirectoryEntry{}, err
	}
	return entry.toDirectoryEntry(), nil
}

// CreateFile creates a new file at `path` containing `data`. The parent
// directory must already exist, and nothing may exist at `path`.
func (drv *Driver) CreateFile(path string, data []byte) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.createFile(path, data)
}

// CreateDirectory creates an empty directory at `path`.
func (drv *Driver) CreateDirectory(path string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.createDirectory(path)
}

func (drv *Driver) ReadFile(path string) ([]byte, error) {
	unlock, err := drv.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return drv.readFile(path)
}

// WriteFile replaces the contents of an existing file. The file's cluster chain
// grows or shrinks to fit `data` exactly.
func (drv *Driver) WriteFile(path string, data []byte) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.writeFile(path, data)
}

func (drv *Driver) DeleteFile(path string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.deleteFile(path)
}

// DeleteDirectory removes an empty directory.
func (drv *Driver) DeleteDirectory(path string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.deleteDirectory(path)
}

// PathExists determines if a file or directory exists at `path`. Errors other
// than the path not existing are logged and treated as if it doesn't.
func (drv *Driver) PathExists(path string) bool {
	unlock, err := drv.acquire()
	if err != nil {
		return false
	}
	defer unlock()

	_, err = drv.resolveQuietly(path)
	return err == nil
}

// IsFile determines if `path` exists and is a regular file.
func (drv *Driver) IsFile(path string) bool {
	unlock, err := drv.acquire()
	if err != nil {
		return false
	}
	defer unlock()

	entry, err := drv.resolveQuietly(path)
	return err == nil && !entry.isDirectory()
}

////////////////////////////////////////////////////////////////////////////////
// Implementation

// resolveQuietly is [Driver.resolve] for callers that only want a yes or no.
// Failures other than a missing path are still worth knowing about.
func (drv *Driver) resolveQuietly(path string) (*resolvedEntry, error) {
	entry, err := drv.resolve(path)
	if err != nil && !errors.Is(err, fat32fs.ErrNotFound) && !errors.Is(err, fat32fs.ErrNotADirectory) {
		drv.log.WithError(err).WithField("path", path).Warn("failed to resolve path")
	}
	return entry, err
}

func (drv *Driver) listDirectory(path string) ([]fat32fs.DirectoryEntry, error) {
	entry, err := drv.resolve(path)
	if err != nil {
		return nil, err
	}
	if !entry.isDirectory() {
		return nil, fat32fs.ErrNotADirectory.WithMessage(path)
	}

	dir, err := drv.readDirectory(drv.directoryCluster(entry))
	if err != nil {
		return nil, err
	}

	listing := make([]fat32fs.DirectoryEntry, 0, len(dir.records))
	for i := range dir.records {
		if dir.records[i].isListable() {
			listing = append(listing, dir.records[i].toDirectoryEntry())
		}
	}
	return listing, nil
}

// pendingEntry is a validated name waiting to be written into its parent
// directory.
type pendingEntry struct {
	path          string
	parent        *resolvedEntry
	parentCluster ClusterID
	dir           *directory
	shortName     ShortName
	caseFlags     uint8
	longEntries   [][]byte
}

// prepareEntry checks that a new entry can be created at `path` and works out
// how its name will be stored. Nothing is written. If `replacing` isn't nil,
// that record is ignored when checking for conflicts; this lets an entry be
// renamed to a different case of its own name.
func (drv *Driver) prepareEntry(path string, replacing *dirRecord) (*pendingEntry, error) {
	trail, leaf, err := drv.resolveParent(path)
	if err != nil {
		return nil, err
	}
	err = ValidateLongName(leaf)
	if err != nil {
		return nil, err
	}

	parent := trail[len(trail)-1]
	parentCluster := drv.directoryCluster(parent)
	dir, err := drv.readDirectory(parentCluster)
	if err != nil {
		return nil, err
	}
	if replacing != nil {
		dir.records = withoutRecord(dir.records, replacing.Location)
	}

	if dir.find(leaf) != nil {
		return nil, fat32fs.ErrExists.WithMessage(path)
	}

	pending := &pendingEntry{
		path:          path,
		parent:        parent,
		parentCluster: parentCluster,
		dir:           dir,
	}

	// Names that fit in 8.3 and are all one case in each part don't need a long
	// name. The case is kept in the NT flags.
	short, err := EncodeShortName(leaf)
	if err == nil {
		flags, ok := ShortNameCaseFlags(leaf)
		if ok && !dir.shortNameTaken(short) {
			pending.shortName = short
			pending.caseFlags = flags
			return pending, nil
		}
	}

	pending.shortName, err = GenerateAlias(leaf, dir.shortNameTaken)
	if err != nil {
		return nil, err
	}
	pending.longEntries, err = EncodeLongName(leaf, pending.shortName)
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func withoutRecord(records []dirRecord, location EntryLocation) []dirRecord {
	filtered := make([]dirRecord, 0, len(records))
	for _, record := range records {
		if record.Location != location {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

// commitEntry writes the entry run for a prepared name. The name fields of
// `dirent` are overwritten; everything else is written as given.
func (drv *Driver) commitEntry(pending *pendingEntry, dirent RawDirent) error {
	dirent.Name = pending.shortName
	dirent.NTReserved = pending.caseFlags

	entries := make([][]byte, 0, len(pending.longEntries)+1)
	entries = append(entries, pending.longEntries...)
	entries = append(entries, dirent.Bytes())

	locations, err := drv.addEntries(pending.dir, entries)
	if err != nil {
		return err
	}

	drv.log.WithFields(logrus.Fields{
		"path":       pending.path,
		"short_name": pending.shortName.String(),
		"cluster":    locations[len(locations)-1].Cluster,
		"offset":     locations[len(locations)-1].Offset,
	}).Debug("wrote directory entry")
	return nil
}

func (drv *Driver) newDirent(attributes uint8, firstCluster ClusterID, size uint32) RawDirent {
	now := drv.now()
	dirent := RawDirent{Attributes: attributes, FileSize: size}
	dirent.SetFirstCluster(firstCluster)
	dirent.SetCreatedAt(now)
	dirent.SetLastModifiedAt(now)
	dirent.SetLastAccessedAt(now)
	return dirent
}

// clustersFor gives the number of clusters needed to hold `size` bytes.
func (drv *Driver) clustersFor(size int) uint32 {
	clusterSize := int(drv.boot.ClusterSize)
	return uint32((size + clusterSize - 1) / clusterSize)
}

func checkFileSize(path string, data []byte) error {
	if uint64(len(data)) > 0xFFFFFFFF {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: FAT32 files can't be 4 GiB or larger", path))
	}
	return nil
}

// writeChainData writes `data` across the chain starting at `first`, which must
// be exactly long enough to hold it. Unused space in the last cluster is zeroed.
func (drv *Driver) writeChainData(first ClusterID, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	chain, err := drv.table.ListChain(first)
	if err != nil {
		return err
	}

	clusterSize := int(drv.boot.ClusterSize)
	for i, cluster := range chain {
		start := i * clusterSize
		if start >= len(data) {
			break
		}
		end := start + clusterSize
		if end > len(data) {
			end = len(data)
		}

		err = drv.writeCluster(cluster, data[start:end])
		if err != nil {
			return err
		}
	}
	return nil
}

func (drv *Driver) createFile(path string, data []byte) error {
	err := checkFileSize(path, data)
	if err != nil {
		return err
	}

	pending, err := drv.prepareEntry(path, nil)
	if err != nil {
		return err
	}

	first, err := drv.table.AllocateChain(drv.clustersFor(len(data)))
	if err != nil {
		return err
	}
	err = drv.writeChainData(first, data)
	if err != nil {
		return err
	}

	return drv.commitEntry(pending, drv.newDirent(AttrArchive, first, uint32(len(data))))
}

// makeDotEntries builds the `.` and `..` entries at the start of a new
// directory's first cluster. `..` points to cluster 0 if the parent is the root
// directory.
func (drv *Driver) makeDotEntries(self ClusterID, parent ClusterID) []byte {
	if parent == ClusterID(drv.boot.RootCluster) {
		parent = FreeCluster
	}

	data := make([]byte, 2*DirentSize)
	dot := drv.newDirent(AttrDirectory, self, 0)
	dot.Name = dotName
	dot.Encode(data[:DirentSize])

	dotDot := drv.newDirent(AttrDirectory, parent, 0)
	dotDot.Name = dotDotName
	dotDot.Encode(data[DirentSize:])
	return data
}

func (drv *Driver) createDirectory(path string) error {
	pending, err := drv.prepareEntry(path, nil)
	if err != nil {
		return err
	}

	cluster, err := drv.table.AllocateCluster()
	if err != nil {
		return err
	}
	err = drv.writeCluster(cluster, drv.makeDotEntries(cluster, pending.parentCluster))
	if err != nil {
		return err
	}

	return drv.commitEntry(pending, drv.newDirent(AttrDirectory, cluster, 0))
}

func (drv *Driver) readFile(path string) ([]byte, error) {
	entry, err := drv.resolve(path)
	if err != nil {
		return nil, err
	}
	if entry.isDirectory() {
		return nil, fat32fs.ErrIsADirectory.WithMessage(path)
	}

	view, err := drv.openView(&entry.Dirent)
	if err != nil {
		return nil, err
	}
	data, err := view.readAll()
	if err != nil {
		return nil, err
	}

	if drv.updateAccessTime {
		entry.Dirent.SetLastAccessedAt(drv.now())
		err = drv.writeSlot(entry.Location, entry.Dirent.Bytes())
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (drv *Driver) writeFile(path string, data []byte) error {
	err := checkFileSize(path, data)
	if err != nil {
		return err
	}

	entry, err := drv.resolve(path)
	if err != nil {
		return err
	}
	if entry.isDirectory() {
		return fat32fs.ErrIsADirectory.WithMessage(path)
	}

	first := entry.Dirent.FirstCluster()
	chain, err := drv.table.ListChain(first)
	if err != nil {
		return err
	}

	needed := drv.clustersFor(len(data))
	current := uint32(len(chain))

	switch {
	case needed > current && current == 0:
		first, err = drv.table.AllocateChain(needed)
		if err != nil {
			return err
		}
	case needed > current:
		last := chain[len(chain)-1]
		for i := current; i < needed; i++ {
			last, err = drv.table.ExtendChain(last)
			if err != nil {
				return err
			}
		}
	case needed < current:
		err = drv.table.TruncateChain(first, needed)
		if err != nil {
			return err
		}
		if needed == 0 {
			first = FreeCluster
		}
	}

	err = drv.writeChainData(first, data)
	if err != nil {
		return err
	}

	now := drv.now()
	entry.Dirent.SetFirstCluster(first)
	entry.Dirent.FileSize = uint32(len(data))
	entry.Dirent.Attributes |= AttrArchive
	entry.Dirent.SetLastModifiedAt(now)
	entry.Dirent.SetLastAccessedAt(now)

	drv.log.WithFields(logrus.Fields{
		"path":     path,
		"size":     len(data),
		"clusters": needed,
	}).Debug("rewrote file")
	return drv.writeSlot(entry.Location, entry.Dirent.Bytes())
}

// removeEntry deletes an entry: its slots are marked deleted first, then its
// clusters are freed. If the second step fails the clusters are leaked but the
// directory stays consistent.
func (drv *Driver) removeEntry(entry *resolvedEntry) error {
	err := drv.tombstone(entry.Locations())
	if err != nil {
		return err
	}
	return drv.table.FreeChain(entry.Dirent.FirstCluster())
}

func (drv *Driver) deleteFile(path string) error {
	entry, err := drv.resolve(path)
	if err != nil {
		return err
	}
	if entry.isRoot {
		return fat32fs.ErrInvalidArgument.WithMessage("can't delete the root directory")
	}
	if entry.isDirectory() {
		return fat32fs.ErrIsADirectory.WithMessage(path)
	}

	err = drv.removeEntry(entry)
	if err != nil {
		return err
	}
	drv.log.WithField("path", path).Debug("deleted file")
	return nil
}

func (drv *Driver) deleteDirectory(path string) error {
	entry, err := drv.resolve(path)
	if err != nil {
		return err
	}
	if entry.isRoot {
		return fat32fs.ErrInvalidArgument.WithMessage("can't delete the root directory")
	}
	if !entry.isDirectory() {
		return fat32fs.ErrNotADirectory.WithMessage(path)
	}

	dir, err := drv.readDirectory(drv.directoryCluster(entry))
	if err != nil {
		return err
	}
	for i := range dir.records {
		if dir.records[i].isListable() {
			return fat32fs.ErrDirectoryNotEmpty.WithMessage(path)
		}
	}

	err = drv.removeEntry(entry)
	if err != nil {
		return err
	}
	drv.log.WithField("path", path).Debug("deleted directory")
	return nil
}
