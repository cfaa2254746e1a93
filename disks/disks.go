// Package disks holds predefined volume layouts for formatting.
package disks

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/dargueta/fat32fs"
	"github.com/gocarina/gocsv"
)

// VolumePreset describes a common size of FAT32 volume and the cluster size a
// formatter would normally pick for it.
type VolumePreset struct {
	Name              string `csv:"name"`
	Slug              string `csv:"slug"`
	TotalSectors      uint32 `csv:"total_sectors"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	Notes             string `csv:"notes"`
}

// TotalSizeBytes gives the size of the volume in bytes.
func (p *VolumePreset) TotalSizeBytes() int64 {
	return int64(p.TotalSectors) * fat32fs.SectorSize
}

//go:embed volume-presets.csv
var volumePresetsRawCSV string
var volumePresets map[string]VolumePreset

// GetPreset returns the preset with the given slug.
func GetPreset(slug string) (VolumePreset, error) {
	preset, ok := volumePresets[slug]
	if ok {
		return preset, nil
	}
	return VolumePreset{}, fat32fs.ErrNotFound.WithMessage(
		fmt.Sprintf("no volume preset exists with slug %q", slug))
}

// Presets returns every preset, smallest first.
func Presets() []VolumePreset {
	presets := make([]VolumePreset, 0, len(volumePresets))
	for _, preset := range volumePresets {
		presets = append(presets, preset)
	}
	sort.Slice(presets, func(i, j int) bool {
		return presets[i].TotalSectors < presets[j].TotalSectors
	})
	return presets
}

func init() {
	var rows []VolumePreset
	err := gocsv.UnmarshalString(volumePresetsRawCSV, &rows)
	if err != nil {
		panic(fmt.Errorf("failed to decode volume presets: %w", err))
	}

	volumePresets = make(map[string]VolumePreset, len(rows))
	for i, row := range rows {
		_, exists := volumePresets[row.Slug]
		if exists {
			panic(fmt.Errorf("duplicate definition for preset %q found on row %d", row.Slug, i+1))
		}
		volumePresets[row.Slug] = row
	}
}
