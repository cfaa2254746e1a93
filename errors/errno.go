// This is a compatibility shim mapping driver errors onto POSIX errno codes,
// so that command-line tools can report failures the way the host OS would.
// The syscall package doesn't define all the values we need on all systems,
// particularly things like EUCLEAN.

package errors

import (
	"fmt"
)

type Errno int

var errorMessagesByCode map[Errno]string

// The numeric values match Linux.
const (
	EOK          Errno = 0
	ENOENT       Errno = 2
	EIO          Errno = 5
	EEXIST       Errno = 17
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	ENOSPC       Errno = 28
	EROFS        Errno = 30
	ENAMETOOLONG Errno = 36
	ENOTEMPTY    Errno = 39
	EILSEQ       Errno = 84
	EUCLEAN      Errno = 117
)

func init() {
	errorMessagesByCode = make(map[Errno]string, 13)
	errorMessagesByCode[EOK] = "Success"
	errorMessagesByCode[ENOENT] = "No such file or directory"
	errorMessagesByCode[EIO] = "Input/output error"
	errorMessagesByCode[EEXIST] = "File exists"
	errorMessagesByCode[ENOTDIR] = "Not a directory"
	errorMessagesByCode[EISDIR] = "Is a directory"
	errorMessagesByCode[EINVAL] = "Invalid argument"
	errorMessagesByCode[ENOSPC] = "No space left on device"
	errorMessagesByCode[EROFS] = "Read-only file system"
	errorMessagesByCode[ENAMETOOLONG] = "File name too long"
	errorMessagesByCode[ENOTEMPTY] = "Directory not empty"
	errorMessagesByCode[EILSEQ] = "Invalid or incomplete multibyte or wide character"
	errorMessagesByCode[EUCLEAN] = "Structure needs cleaning"
}

func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}
