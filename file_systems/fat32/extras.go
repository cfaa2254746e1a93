package fat32

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dargueta/fat32fs"
	"github.com/sirupsen/logrus"
)

// CopyFile creates a new file at `destination` with the contents of `source`.
func (drv *Driver) CopyFile(source, destination string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.copyFile(source, destination)
}

// CopyDirectory recursively copies a directory tree. `destination` must not
// exist yet, and may not be inside `source`.
func (drv *Driver) CopyDirectory(source, destination string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	entry, err := drv.resolve(source)
	if err != nil {
		return err
	}
	if !entry.isDirectory() {
		return fat32fs.ErrNotADirectory.WithMessage(source)
	}

	trail, _, err := drv.resolveParent(destination)
	if err != nil {
		return err
	}
	if drv.trailContains(trail, entry) {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't copy %s into itself", source))
	}
	return drv.copyDirectory(source, destination)
}

// Move relinks a file or directory to a new path. No data is copied; the entry
// is written into the destination directory and removed from the source. A
// directory can't be moved into itself or any of its subdirectories.
func (drv *Driver) Move(source, destination string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return drv.move(source, destination)
}

// Rename changes the name of a file or directory, leaving it in the same
// directory. `newName` must be a single path component.
func (drv *Driver) Rename(path, newName string) error {
	unlock, err := drv.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	if strings.Contains(newName, "/") {
		return fat32fs.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q contains a path separator", newName))
	}

	components := splitPath(path)
	if len(components) == 0 {
		return fat32fs.ErrInvalidArgument.WithMessage("can't rename the root directory")
	}
	components[len(components)-1] = newName
	return drv.move(path, "/"+strings.Join(components, "/"))
}

// ReadTextFile reads a file and returns its contents as a string. The contents
// must be valid UTF-8.
func (drv *Driver) ReadTextFile(path string) (string, error) {
	data, err := drv.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s is not valid UTF-8", path))
	}
	return string(data), nil
}

// CreateTextFile creates a file containing `text`, encoded as UTF-8.
func (drv *Driver) CreateTextFile(path, text string) error {
	return drv.CreateFile(path, []byte(text))
}

////////////////////////////////////////////////////////////////////////////////

// trailContains determines if any directory along `trail` is the directory
// described by `entry`.
func (drv *Driver) trailContains(trail []*resolvedEntry, entry *resolvedEntry) bool {
	target := drv.directoryCluster(entry)
	for _, ancestor := range trail {
		if ancestor.isDirectory() && drv.directoryCluster(ancestor) == target {
			return true
		}
	}
	return false
}

func (drv *Driver) copyFile(source, destination string) error {
	entry, err := drv.resolve(source)
	if err != nil {
		return err
	}
	if entry.isDirectory() {
		return fat32fs.ErrIsADirectory.WithMessage(source)
	}

	view, err := drv.openView(&entry.Dirent)
	if err != nil {
		return err
	}
	data, err := view.readAll()
	if err != nil {
		return err
	}
	return drv.createFile(destination, data)
}

func (drv *Driver) copyDirectory(source, destination string) error {
	err := drv.createDirectory(destination)
	if err != nil {
		return err
	}

	children, err := drv.listDirectory(source)
	if err != nil {
		return err
	}

	for _, child := range children {
		childSource := joinPath(source, child.Name())
		childDestination := joinPath(destination, child.Name())
		if child.IsDir() {
			err = drv.copyDirectory(childSource, childDestination)
		} else {
			err = drv.copyFile(childSource, childDestination)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func joinPath(directory, name string) string {
	return strings.TrimRight(directory, "/") + "/" + name
}

func (drv *Driver) move(source, destination string) error {
	entry, err := drv.resolve(source)
	if err != nil {
		return err
	}
	if entry.isRoot {
		return fat32fs.ErrInvalidArgument.WithMessage("can't move the root directory")
	}

	if entry.isDirectory() {
		trail, _, err := drv.resolveParent(destination)
		if err != nil {
			return err
		}
		if drv.trailContains(trail, entry) {
			return fat32fs.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("can't move %s into itself", source))
		}
	}

	pending, err := drv.prepareEntry(destination, &entry.dirRecord)
	if err != nil {
		return err
	}

	// The new entry is written before the old one is removed. If this fails
	// halfway, the file shows up twice rather than not at all.
	err = drv.commitEntry(pending, entry.Dirent)
	if err != nil {
		return err
	}
	err = drv.tombstone(entry.Locations())
	if err != nil {
		return err
	}

	if entry.isDirectory() && pending.parentCluster != entry.parentCluster {
		err = drv.updateDotDot(entry.Dirent.FirstCluster(), pending.parentCluster)
		if err != nil {
			return err
		}
	}

	drv.log.WithFields(logrus.Fields{
		"from": source,
		"to":   destination,
	}).Debug("moved entry")
	return nil
}

// updateDotDot points the `..` entry of a directory at its new parent.
func (drv *Driver) updateDotDot(dirCluster ClusterID, newParent ClusterID) error {
	if newParent == ClusterID(drv.boot.RootCluster) {
		newParent = FreeCluster
	}

	dir, err := drv.readDirectory(dirCluster)
	if err != nil {
		return err
	}
	for i := range dir.records {
		record := &dir.records[i]
		if record.Dirent.Name != dotDotName {
			continue
		}
		record.Dirent.SetFirstCluster(newParent)
		return drv.writeSlot(record.Location, record.Dirent.Bytes())
	}

	// Not having a `..` entry is harmless since this driver never reads it.
	drv.log.WithField("cluster", dirCluster).Warn("moved directory has no `..` entry")
	return nil
}

// VolumeInfo summarizes the geometry and usage of a mounted volume.
type VolumeInfo struct {
	Label             string
	VolumeID          uint32
	OEMName           string
	TotalSectors      uint32
	SectorsPerCluster uint8
	ClusterSize       uint32
	NumFATs           uint8
	SectorsPerFAT     uint32
	TotalClusters     uint32
	FreeClusters      uint32
	RootCluster       ClusterID
}

// Info scans the FAT to count free clusters and returns a summary of the
// volume.
func (drv *Driver) Info() (VolumeInfo, error) {
	unlock, err := drv.acquire()
	if err != nil {
		return VolumeInfo{}, err
	}
	defer unlock()

	free, err := drv.table.FreeClusterCount()
	if err != nil {
		return VolumeInfo{}, err
	}

	return VolumeInfo{
		Label:             drv.boot.VolumeLabelString(),
		VolumeID:          drv.boot.VolumeID,
		OEMName:           strings.TrimRight(string(drv.boot.OEMName[:]), " \x00"),
		TotalSectors:      drv.boot.TotalSectors,
		SectorsPerCluster: drv.boot.SectorsPerCluster,
		ClusterSize:       drv.boot.ClusterSize,
		NumFATs:           drv.boot.NumFATs,
		SectorsPerFAT:     drv.boot.SectorsPerFAT,
		TotalClusters:     drv.boot.TotalClusters,
		FreeClusters:      free,
		RootCluster:       ClusterID(drv.boot.RootCluster),
	}, nil
}
