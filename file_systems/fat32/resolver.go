package fat32

import (
	"fmt"
	"strings"

	"github.com/dargueta/fat32fs"
)

// resolvedEntry is the result of looking up a path: the entry's record and the
// first cluster of the directory containing it. The root directory has no
// entry of its own, so it's represented by a synthetic record.
type resolvedEntry struct {
	dirRecord
	isRoot        bool
	parentCluster ClusterID
}

func (e *resolvedEntry) isDirectory() bool {
	return e.isRoot || e.Dirent.IsDirectory()
}

// splitPath breaks a path into its components. Empty components are dropped, so
// "/a//b/" is the same as "a/b". The root directory has no components.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	components := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			components = append(components, part)
		}
	}
	return components
}

func (drv *Driver) rootEntry() *resolvedEntry {
	entry := &resolvedEntry{
		dirRecord: dirRecord{Name: "/"},
		isRoot:    true,
	}
	entry.Dirent.Attributes = AttrDirectory
	entry.Dirent.SetFirstCluster(ClusterID(drv.boot.RootCluster))
	return entry
}

// directoryCluster gives the first cluster of a directory entry. A directory
// entry with a first cluster of 0 is only legal for `..`, where it means the
// root directory.
func (drv *Driver) directoryCluster(entry *resolvedEntry) ClusterID {
	cluster := entry.Dirent.FirstCluster()
	if cluster == FreeCluster {
		return ClusterID(drv.boot.RootCluster)
	}
	return cluster
}

// resolveComponents walks the directory tree from the root and returns the
// entry for every component of the path, in order. The first element is always
// the root directory.
//
// The number of directory clusters read is bounded by the number of clusters on
// the volume, so a directory cycle can't make this loop forever.
func (drv *Driver) resolveComponents(components []string) ([]*resolvedEntry, error) {
	trail := make([]*resolvedEntry, 1, len(components)+1)
	trail[0] = drv.rootEntry()
	clustersVisited := uint64(0)

	for i, component := range components {
		current := trail[len(trail)-1]
		if !current.isDirectory() {
			return nil, fat32fs.ErrNotADirectory.WithMessage(
				fmt.Sprintf("/%s is not a directory", strings.Join(components[:i], "/")))
		}

		parentCluster := drv.directoryCluster(current)
		dir, err := drv.readDirectory(parentCluster)
		if err != nil {
			return nil, err
		}

		clustersVisited += uint64(len(dir.chain))
		if clustersVisited > uint64(drv.boot.TotalClusters) {
			return nil, corruptionf(
				"resolving /%s read more directory clusters than the volume has",
				strings.Join(components, "/"))
		}

		record := dir.find(component)
		if record == nil {
			return nil, fat32fs.ErrNotFound.WithMessage(
				fmt.Sprintf("/%s", strings.Join(components[:i+1], "/")))
		}

		trail = append(trail, &resolvedEntry{
			dirRecord:     *record,
			parentCluster: parentCluster,
		})
	}
	return trail, nil
}

// resolve looks up the entry at `path`.
func (drv *Driver) resolve(path string) (*resolvedEntry, error) {
	trail, err := drv.resolveComponents(splitPath(path))
	if err != nil {
		return nil, err
	}
	return trail[len(trail)-1], nil
}

// resolveParent looks up the directory that contains (or would contain) `path`,
// and returns it with the last component of the path. The directory itself is
// the last element of the returned trail. The root has no parent, so passing it
// returns [fat32fs.ErrInvalidArgument].
func (drv *Driver) resolveParent(path string) ([]*resolvedEntry, string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, "", fat32fs.ErrInvalidArgument.WithMessage(
			"the root directory has no parent")
	}

	trail, err := drv.resolveComponents(components[:len(components)-1])
	if err != nil {
		return nil, "", err
	}

	parent := trail[len(trail)-1]
	if !parent.isDirectory() {
		return nil, "", fat32fs.ErrNotADirectory.WithMessage(
			fmt.Sprintf("/%s is not a directory", strings.Join(components[:len(components)-1], "/")))
	}
	return trail, components[len(components)-1], nil
}
