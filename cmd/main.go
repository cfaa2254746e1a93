package main

import (
	"os"

	"github.com/dargueta/fat32fs"
	fserrors "github.com/dargueta/fat32fs/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

// hostFs is where image files and files copied in and out of images live.
var hostFs = afero.NewOsFs()

var logger = logrus.New()

func newApp() *cli.App {
	return &cli.App{
		Name:  "fat32fs",
		Usage: "Manage FAT32 disk image files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "path to the disk image",
				EnvVars: []string{"FAT32FS_IMAGE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "one of: panic, fatal, error, warning, info, debug, trace",
				EnvVars: []string{"FAT32FS_LOG_LEVEL"},
				Value:   "warning",
			},
			&cli.BoolFlag{
				Name:    "atime",
				Usage:   "update the last-accessed date of files when reading them",
				EnvVars: []string{"FAT32FS_ATIME"},
			},
		},
		Before: configureLogging,
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "Create or wipe an image and format it as FAT32",
				ArgsUsage: " ",
				Action:    formatImage,
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:  "sectors",
						Usage: "size of the volume in 512-byte sectors (default: size of the existing image)",
					},
					&cli.StringFlag{
						Name:  "preset",
						Usage: "use the size and cluster size of a predefined volume; see `presets`",
					},
					&cli.UintFlag{
						Name:  "cluster-sectors",
						Usage: "sectors per cluster, a power of 2 up to 128 (default: chosen by size)",
					},
					&cli.StringFlag{
						Name:  "label",
						Usage: "volume label, up to 11 characters",
					},
				},
			},
			{
				Name:      "presets",
				Usage:     "List the predefined volume sizes",
				ArgsUsage: " ",
				Action:    listPresets,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "print CSV instead of a table"},
				},
			},
			{
				Name:      "info",
				Usage:     "Show the geometry and usage of the volume",
				ArgsUsage: " ",
				Action:    showInfo,
			},
			{
				Name:      "ls",
				Usage:     "List the contents of a directory",
				ArgsUsage: "[PATH]",
				Action:    listDirectory,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "print CSV instead of a table"},
				},
			},
			{
				Name:      "cat",
				Usage:     "Write the contents of a file to standard output",
				ArgsUsage: "PATH",
				Action:    catFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a file from the host into the image, replacing it if it exists",
				ArgsUsage: "HOST_FILE PATH",
				Action:    putFile,
			},
			{
				Name:      "get",
				Usage:     "Copy a file out of the image onto the host",
				ArgsUsage: "PATH HOST_FILE",
				Action:    getFile,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "PATH",
				Action:    makeDirectory,
			},
			{
				Name:      "rm",
				Usage:     "Delete a file",
				ArgsUsage: "PATH",
				Action:    removeFile,
			},
			{
				Name:      "rmdir",
				Usage:     "Delete an empty directory",
				ArgsUsage: "PATH",
				Action:    removeDirectory,
			},
			{
				Name:      "cp",
				Usage:     "Copy a file or directory within the image",
				ArgsUsage: "SOURCE DESTINATION",
				Action:    copyItem,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "copy directories"},
				},
			},
			{
				Name:      "mv",
				Usage:     "Move or rename a file or directory within the image",
				ArgsUsage: "SOURCE DESTINATION",
				Action:    moveItem,
			},
			{
				Name:      "check",
				Usage:     "Check the volume for corruption without modifying it",
				ArgsUsage: " ",
				Action:    checkVolume,
			},
			{
				Name:      "pack",
				Usage:     "Compress the image into a file",
				ArgsUsage: "OUTPUT_FILE",
				Action:    packImage,
			},
			{
				Name:      "unpack",
				Usage:     "Expand a compressed image, overwriting the image",
				ArgsUsage: "INPUT_FILE",
				Action:    unpackImage,
			},
		},
	}
}

func configureLogging(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fat32fs.ErrInvalidArgument.Wrap(err)
	}
	logger.SetLevel(level)
	return nil
}

func main() {
	logger.SetOutput(os.Stderr)

	err := newApp().Run(os.Args)
	if err != nil {
		logger.WithError(err).Error("command failed")
		os.Exit(fserrors.ExitCode(err))
	}
}
