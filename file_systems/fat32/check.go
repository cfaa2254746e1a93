package fat32

import (
	"github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
)

// CheckReport summarizes a consistency check of a volume.
type CheckReport struct {
	Files       int
	Directories int
	// UsedClusters is the number of clusters reachable from the root directory,
	// including the root directory's own clusters.
	UsedClusters uint32
	FreeClusters uint32
	BadClusters  uint32
	// LostClusters are allocated in the FAT but not reachable from any file or
	// directory. They're wasted space but otherwise harmless.
	LostClusters uint32
}

// Check verifies the structure of the volume without modifying it. It returns
// [fat32fs.ErrFileSystemCorrupted] if a cluster belongs to more than one file or
// directory, a chain is broken or cyclic, a file's chain is too short for its
// size, or the copies of the FAT differ.
func (drv *Driver) Check() (CheckReport, error) {
	unlock, err := drv.acquire()
	if err != nil {
		return CheckReport{}, err
	}
	defer unlock()

	report := CheckReport{}
	owned := bitmap.New(int(drv.boot.MaxCluster) + 1)

	claim := func(owner ClusterID, chain []ClusterID) error {
		for _, cluster := range chain {
			if owned.Get(int(cluster)) {
				return corruptionf(
					"cluster %d in the chain starting at %d is already in use", cluster, owner)
			}
			owned.Set(int(cluster), true)
			report.UsedClusters++
		}
		return nil
	}

	// Directories are only claimed when they're read. A directory that
	// contains one of its own ancestors will try to claim the same clusters a
	// second time, so cycles in the tree are caught as cross-links.
	pending := []ClusterID{ClusterID(drv.boot.RootCluster)}
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		dir, err := drv.readDirectory(current)
		if err != nil {
			return report, err
		}
		err = claim(current, dir.chain)
		if err != nil {
			return report, err
		}

		for i := range dir.records {
			record := &dir.records[i]
			if !record.isListable() {
				continue
			}

			first := record.Dirent.FirstCluster()
			if record.Dirent.IsDirectory() {
				report.Directories++
				if first == FreeCluster {
					return report, corruptionf("directory %q has no clusters", record.Name)
				}
				pending = append(pending, first)
				continue
			}

			report.Files++
			chain, err := drv.table.ListChain(first)
			if err != nil {
				return report, err
			}
			if uint32(len(chain)) < drv.clustersFor(int(record.Dirent.FileSize)) {
				return report, corruptionf(
					"file %q is %d bytes but only has %d clusters",
					record.Name,
					record.Dirent.FileSize,
					len(chain))
			}
			err = claim(first, chain)
			if err != nil {
				return report, err
			}
		}
	}

	reader := drv.table.newReader()
	for cluster := ClusterID(2); cluster <= drv.boot.MaxCluster; cluster++ {
		value, err := reader.entry(cluster)
		if err != nil {
			return report, err
		}

		switch {
		case value == FreeCluster:
			report.FreeClusters++
		case value == BadCluster:
			report.BadClusters++
		case !owned.Get(int(cluster)):
			report.LostClusters++
		}
	}

	err = drv.table.VerifyMirrors()
	if err != nil {
		return report, err
	}

	drv.log.WithFields(logrus.Fields{
		"files":       report.Files,
		"directories": report.Directories,
		"used":        report.UsedClusters,
		"free":        report.FreeClusters,
		"lost":        report.LostClusters,
	}).Info("volume check complete")
	return report, nil
}
