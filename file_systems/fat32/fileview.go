package fat32

import (
	"bytes"
	"io"
)

// fileView reads a file's contents one cluster at a time, following its chain
// and stopping after the number of bytes given by the directory entry.
type fileView struct {
	drv       *Driver
	chain     []ClusterID
	index     int
	offset    uint32
	remaining uint32
}

// openView prepares to read the file described by `dirent`. The chain must be
// long enough to hold the file's recorded size, otherwise the volume is
// corrupted. Extra clusters past the end of the data are ignored.
func (drv *Driver) openView(dirent *RawDirent) (*fileView, error) {
	chain, err := drv.table.ListChain(dirent.FirstCluster())
	if err != nil {
		return nil, err
	}

	needed := drv.clustersFor(int(dirent.FileSize))
	if uint32(len(chain)) < needed {
		return nil, corruptionf(
			"file of %d bytes needs %d clusters but its chain has %d",
			dirent.FileSize,
			needed,
			len(chain))
	}

	return &fileView{
		drv:       drv,
		chain:     chain,
		remaining: dirent.FileSize,
	}, nil
}

// Read implements [io.Reader].
func (v *fileView) Read(buffer []byte) (int, error) {
	if v.remaining == 0 {
		return 0, io.EOF
	}

	data, err := v.drv.readCluster(v.chain[v.index])
	if err != nil {
		return 0, err
	}

	available := uint32(len(data)) - v.offset
	if available > v.remaining {
		available = v.remaining
	}
	n := copy(buffer, data[v.offset:v.offset+available])

	v.remaining -= uint32(n)
	v.offset += uint32(n)
	if v.offset == v.drv.boot.ClusterSize {
		v.index++
		v.offset = 0
	}
	return n, nil
}

func (v *fileView) readAll() ([]byte, error) {
	var buffer bytes.Buffer
	buffer.Grow(int(v.remaining))

	// Copying through a cluster-sized buffer reads each cluster exactly once.
	chunk := make([]byte, v.drv.boot.ClusterSize)
	_, err := io.CopyBuffer(&buffer, struct{ io.Reader }{v}, chunk)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
