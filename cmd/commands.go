package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dargueta/fat32fs"
	"github.com/dargueta/fat32fs/disks"
	"github.com/dargueta/fat32fs/file_systems/common/blockdevice"
	"github.com/dargueta/fat32fs/file_systems/fat32"
	"github.com/dargueta/fat32fs/utilities/compression"
	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func imagePath(ctx *cli.Context) (string, error) {
	path := ctx.String("image")
	if path == "" {
		return "", fat32fs.ErrInvalidArgument.WithMessage(
			"no image given; pass --image or set FAT32FS_IMAGE")
	}
	return path, nil
}

// requireArgs fails unless the command got exactly `count` positional
// arguments.
func requireArgs(ctx *cli.Context, count int) error {
	if ctx.Args().Len() != count {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%s expects %d argument(s), got %d; usage: %s",
				ctx.Command.Name,
				count,
				ctx.Args().Len(),
				ctx.Command.ArgsUsage))
	}
	return nil
}

// closeInto closes `closer` and reports a failure through `err` unless `err`
// already holds an earlier error.
func closeInto(err *error, closer io.Closer) {
	closeErr := closer.Close()
	if closeErr != nil && *err == nil {
		*err = fat32fs.ErrIOFailed.Wrap(closeErr)
	}
}

// withVolume mounts the image for the duration of `action`.
func withVolume(ctx *cli.Context, action func(driver *fat32.Driver) error) (err error) {
	path, err := imagePath(ctx)
	if err != nil {
		return err
	}

	device, err := blockdevice.OpenImage(hostFs, path)
	if err != nil {
		return err
	}
	defer closeInto(&err, device)

	driver, err := fat32.Mount(
		device,
		fat32.WithLogger(logger.WithField("image", path)),
		fat32.WithAccessTimeUpdates(ctx.Bool("atime")),
	)
	if err != nil {
		return err
	}
	defer func() {
		unmountErr := driver.Unmount()
		if err == nil {
			err = unmountErr
		}
	}()

	return action(driver)
}

func formatImage(ctx *cli.Context) (err error) {
	err = requireArgs(ctx, 0)
	if err != nil {
		return err
	}
	path, err := imagePath(ctx)
	if err != nil {
		return err
	}

	totalSectors := ctx.Uint64("sectors")
	options := fat32.FormatOptions{
		VolumeLabel: ctx.String("label"),
		Logger:      logger.WithField("image", path),
	}

	if ctx.IsSet("preset") {
		preset, err := disks.GetPreset(ctx.String("preset"))
		if err != nil {
			return err
		}
		if totalSectors == 0 {
			totalSectors = uint64(preset.TotalSectors)
		}
		options.SectorsPerCluster = preset.SectorsPerCluster
	}
	if ctx.IsSet("cluster-sectors") {
		if ctx.Uint("cluster-sectors") > 128 {
			return fat32fs.ErrInvalidArgument.WithMessage("--cluster-sectors can't be more than 128")
		}
		options.SectorsPerCluster = uint8(ctx.Uint("cluster-sectors"))
	}
	if totalSectors > 0xFFFFFFFF {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("FAT32 volumes can't have more than %d sectors", uint32(0xFFFFFFFF)))
	}

	device, err := openImageForFormat(path, totalSectors)
	if err != nil {
		return err
	}
	defer closeInto(&err, device)

	options.TotalSectors = uint32(totalSectors)
	return fat32.Format(device, options)
}

// openImageForFormat opens the image that's about to be formatted. A missing
// image is created. An existing one keeps its size if `totalSectors` is 0 and
// is resized in place otherwise.
func openImageForFormat(path string, totalSectors uint64) (*blockdevice.StreamDevice, error) {
	if totalSectors == 0 {
		return blockdevice.OpenImage(hostFs, path)
	}

	exists, err := afero.Exists(hostFs, path)
	if err != nil {
		return nil, fat32fs.ErrIOFailed.Wrap(err)
	}
	if !exists {
		return blockdevice.CreateImage(hostFs, path, totalSectors)
	}

	device, err := blockdevice.OpenImage(hostFs, path)
	if err != nil {
		return nil, err
	}
	if device.TotalSectors() != totalSectors {
		logger.WithFields(logrus.Fields{
			"image": path,
			"from":  device.TotalSectors(),
			"to":    totalSectors,
		}).Info("resizing image")

		err = device.Resize(totalSectors)
		if err != nil {
			device.Close()
			return nil, err
		}
	}
	return device, nil
}

type presetRow struct {
	Slug              string `csv:"slug"`
	Name              string `csv:"name"`
	TotalSectors      uint32 `csv:"total_sectors"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	SizeBytes         int64  `csv:"size_bytes"`
}

func listPresets(ctx *cli.Context) error {
	presets := disks.Presets()
	rows := make([]presetRow, len(presets))
	for i := range presets {
		rows[i] = presetRow{
			Slug:              presets[i].Slug,
			Name:              presets[i].Name,
			TotalSectors:      presets[i].TotalSectors,
			SectorsPerCluster: presets[i].SectorsPerCluster,
			SizeBytes:         presets[i].TotalSizeBytes(),
		}
	}

	if ctx.Bool("csv") {
		return gocsv.Marshal(rows, ctx.App.Writer)
	}
	for _, row := range rows {
		fmt.Fprintf(
			ctx.App.Writer,
			"%-10s %12d sectors  %3d sectors/cluster  %s\n",
			row.Slug,
			row.TotalSectors,
			row.SectorsPerCluster,
			row.Name)
	}
	return nil
}

func showInfo(ctx *cli.Context) error {
	return withVolume(ctx, func(driver *fat32.Driver) error {
		info, err := driver.Info()
		if err != nil {
			return err
		}

		out := ctx.App.Writer
		fmt.Fprintf(out, "Label:           %s\n", info.Label)
		fmt.Fprintf(out, "Volume ID:       %08X\n", info.VolumeID)
		fmt.Fprintf(out, "OEM name:        %s\n", info.OEMName)
		fmt.Fprintf(out, "Total sectors:   %d\n", info.TotalSectors)
		fmt.Fprintf(out, "Cluster size:    %d bytes (%d sectors)\n", info.ClusterSize, info.SectorsPerCluster)
		fmt.Fprintf(out, "FATs:            %d x %d sectors\n", info.NumFATs, info.SectorsPerFAT)
		fmt.Fprintf(out, "Root cluster:    %d\n", info.RootCluster)
		fmt.Fprintf(out, "Clusters:        %d total, %d free\n", info.TotalClusters, info.FreeClusters)
		return nil
	})
}

// listingRow is one line of `ls --csv` output.
type listingRow struct {
	Name     string `csv:"name"`
	Type     string `csv:"type"`
	Size     int64  `csv:"size"`
	Modified string `csv:"modified"`
}

func listDirectory(ctx *cli.Context) error {
	if ctx.Args().Len() > 1 {
		return requireArgs(ctx, 1)
	}
	path := ctx.Args().First()
	if path == "" {
		path = "/"
	}

	return withVolume(ctx, func(driver *fat32.Driver) error {
		entries, err := driver.ListDirectory(path)
		if err != nil {
			return err
		}

		rows := make([]listingRow, len(entries))
		for i, entry := range entries {
			rows[i] = listingRow{
				Name:     entry.Name(),
				Type:     "file",
				Size:     entry.Size(),
				Modified: entry.ModTime().Format(time.RFC3339),
			}
			if entry.IsDir() {
				rows[i].Type = "dir"
			}
		}

		if ctx.Bool("csv") {
			return gocsv.Marshal(rows, ctx.App.Writer)
		}
		for _, row := range rows {
			fmt.Fprintf(
				ctx.App.Writer, "%-4s %10d  %s  %s\n", row.Type, row.Size, row.Modified, row.Name)
		}
		return nil
	})
}

func catFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	return withVolume(ctx, func(driver *fat32.Driver) error {
		data, err := driver.ReadFile(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		_, err = ctx.App.Writer.Write(data)
		return err
	})
}

func putFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}
	hostPath := ctx.Args().Get(0)
	path := ctx.Args().Get(1)

	data, err := readHostFile(hostPath)
	if err != nil {
		return err
	}

	return withVolume(ctx, func(driver *fat32.Driver) error {
		if driver.IsFile(path) {
			return driver.WriteFile(path, data)
		}
		return driver.CreateFile(path, data)
	})
}

func getFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	return withVolume(ctx, func(driver *fat32.Driver) error {
		data, err := driver.ReadFile(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return writeHostFile(ctx.Args().Get(1), data)
	})
}

func makeDirectory(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	return withVolume(ctx, func(driver *fat32.Driver) error {
		return driver.CreateDirectory(ctx.Args().Get(0))
	})
}

func removeFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	return withVolume(ctx, func(driver *fat32.Driver) error {
		return driver.DeleteFile(ctx.Args().Get(0))
	})
}

func removeDirectory(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	return withVolume(ctx, func(driver *fat32.Driver) error {
		return driver.DeleteDirectory(ctx.Args().Get(0))
	})
}

func copyItem(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}
	return withVolume(ctx, func(driver *fat32.Driver) error {
		if ctx.Bool("recursive") {
			return driver.CopyDirectory(ctx.Args().Get(0), ctx.Args().Get(1))
		}
		return driver.CopyFile(ctx.Args().Get(0), ctx.Args().Get(1))
	})
}

func moveItem(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}
	return withVolume(ctx, func(driver *fat32.Driver) error {
		return driver.Move(ctx.Args().Get(0), ctx.Args().Get(1))
	})
}

func checkVolume(ctx *cli.Context) error {
	err := requireArgs(ctx, 0)
	if err != nil {
		return err
	}
	return withVolume(ctx, func(driver *fat32.Driver) error {
		report, err := driver.Check()
		if err != nil {
			return err
		}

		fmt.Fprintf(
			ctx.App.Writer,
			"%d files, %d directories\n%d clusters used, %d free, %d bad, %d lost\n",
			report.Files,
			report.Directories,
			report.UsedClusters,
			report.FreeClusters,
			report.BadClusters,
			report.LostClusters)
		return nil
	})
}

func packImage(ctx *cli.Context) (err error) {
	err = requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	path, err := imagePath(ctx)
	if err != nil {
		return err
	}

	input, err := hostFs.Open(path)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	defer input.Close()

	output, err := hostFs.Create(ctx.Args().Get(0))
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	defer closeInto(&err, output)

	written, err := compression.CompressImage(input, output)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	logger.WithFields(logrus.Fields{
		"image":  path,
		"output": ctx.Args().Get(0),
		"bytes":  written,
	}).Info("compressed image")
	return nil
}

func unpackImage(ctx *cli.Context) (err error) {
	err = requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	path, err := imagePath(ctx)
	if err != nil {
		return err
	}

	input, err := hostFs.Open(ctx.Args().Get(0))
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	defer input.Close()

	output, err := hostFs.Create(path)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	defer closeInto(&err, output)

	written, err := compression.DecompressImage(input, output)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	if written%fat32fs.SectorSize != 0 {
		logger.WithField("bytes", written).Warn("expanded image isn't a whole number of sectors")
	}
	logger.WithFields(logrus.Fields{
		"input": ctx.Args().Get(0),
		"image": path,
		"bytes": written,
	}).Info("expanded image")
	return nil
}

func readHostFile(path string) ([]byte, error) {
	data, err := afero.ReadFile(hostFs, path)
	if err != nil {
		return nil, fat32fs.ErrIOFailed.Wrap(err)
	}
	return data, nil
}

func writeHostFile(path string, data []byte) error {
	err := afero.WriteFile(hostFs, path, data, 0o644)
	if err != nil {
		return fat32fs.ErrIOFailed.Wrap(err)
	}
	return nil
}
