package errors

import (
	stderrors "errors"

	"github.com/dargueta/fat32fs"
)

// errnoTable is checked in order, so refinements (ErrExists is also an
// ErrInvalidName) must come before the errors they refine.
var errnoTable = []struct {
	target error
	errno  Errno
}{
	{fat32fs.ErrExists, EEXIST},
	{fat32fs.ErrIOFailed, EIO},
	{fat32fs.ErrFileSystemCorrupted, EUCLEAN},
	{fat32fs.ErrNotFound, ENOENT},
	{fat32fs.ErrNotADirectory, ENOTDIR},
	{fat32fs.ErrIsADirectory, EISDIR},
	{fat32fs.ErrDirectoryNotEmpty, ENOTEMPTY},
	{fat32fs.ErrNoSpaceOnDevice, ENOSPC},
	{fat32fs.ErrNameTooLong, ENAMETOOLONG},
	{fat32fs.ErrInvalidName, EILSEQ},
	{fat32fs.ErrReadOnlyFileSystem, EROFS},
	{fat32fs.ErrInvalidArgument, EINVAL},
}

// FromError classifies an error returned by the driver. nil maps to EOK, and
// anything not originating from the driver maps to EIO.
func FromError(err error) Errno {
	if err == nil {
		return EOK
	}

	for _, row := range errnoTable {
		if stderrors.Is(err, row.target) {
			return row.errno
		}
	}
	return EIO
}

// ExitCode gives a process exit status for an error. It's never 0 for a
// non-nil error.
func ExitCode(err error) int {
	code := int(FromError(err))
	if err != nil && code == 0 {
		return 1
	}
	return code
}
