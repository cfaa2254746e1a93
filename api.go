package fat32fs

import (
	"io/fs"
	"time"
)

// SectorSize is the size of a single sector on every device this package
// supports, in bytes.
const SectorSize = 512

//go:generate mockgen -destination=testing/mock_blockdevice.go -package=testing github.com/dargueta/fat32fs BlockDevice

// BlockDevice is the transport a volume is mounted on. Both operations are
// synchronous: they don't return until the transfer has completed or failed.
//
// Buffers are always exactly [SectorSize] bytes.
type BlockDevice interface {
	ReadSector(index uint64, buffer []byte) error
	WriteSector(index uint64, data []byte) error
}

// ReadingDriver is the interface for drivers supporting read operations.
type ReadingDriver interface {
	// ListDirectory returns the live entries of the directory at `path`, in
	// on-disk order. The `.` and `..` entries are never included.
	ListDirectory(path string) ([]DirectoryEntry, error)
	// ReadFile returns the contents of the file at the given path.
	ReadFile(path string) ([]byte, error)
	// Stat returns information about the directory entry at the given path.
	Stat(path string) (DirectoryEntry, error)
	PathExists(path string) bool
	IsFile(path string) bool
}

// WritingDriver is the interface for drivers supporting write operations.
type WritingDriver interface {
	CreateFile(path string, data []byte) error
	CreateDirectory(path string) error
	WriteFile(path string, data []byte) error
	DeleteFile(path string) error
	DeleteDirectory(path string) error
	Move(oldPath, newPath string) error
	Rename(path, newName string) error
}

// Driver is the interface for drivers implementing all driver capabilities.
type Driver interface {
	ReadingDriver
	WritingDriver

	// Unmount releases the volume. The driver must not be used after this
	// function is called.
	Unmount() error
}

// FileStat holds the metadata stored in a directory entry.
type FileStat struct {
	Size         int64
	Attributes   uint8
	FirstCluster uint32
	CreatedAt    time.Time
	LastModified time.Time
	// LastAccessed only has a resolution of one day.
	LastAccessed time.Time
}

// DirectoryEntry represents a file or directory encountered on the file system.
// It implements [fs.FileInfo].
type DirectoryEntry struct {
	name  string
	isDir bool
	Stat  FileStat
}

func NewDirectoryEntry(name string, isDir bool, stat FileStat) DirectoryEntry {
	return DirectoryEntry{name: name, isDir: isDir, Stat: stat}
}

// Name returns the base name of the directory entry. If the entry has a long
// file name this is it, otherwise it's the 8.3 name.
func (d DirectoryEntry) Name() string {
	return d.name
}

// Size is the size of the entry in bytes. Directories always report 0.
func (d DirectoryEntry) Size() int64 {
	return d.Stat.Size
}

// Mode returns a permission mode derived from the attribute byte. The only
// permission FAT records is the read-only flag.
func (d DirectoryEntry) Mode() fs.FileMode {
	var mode fs.FileMode = 0o777
	if d.Stat.Attributes&0x01 != 0 {
		mode = 0o555
	}
	if d.isDir {
		mode |= fs.ModeDir
	}
	return mode
}

func (d DirectoryEntry) ModTime() time.Time {
	return d.Stat.LastModified
}

func (d DirectoryEntry) IsDir() bool {
	return d.isDir
}

// Sys returns a copy of the FileStat backing this directory entry.
func (d DirectoryEntry) Sys() interface{} {
	return d.Stat
}
