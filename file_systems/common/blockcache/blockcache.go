// Package blockcache provides a sector-oriented cache sitting between a block
// device and code that wants to treat a run of sectors as one contiguous
// buffer, such as the formatter laying out the reserved region and FATs or the
// checker comparing FAT copies.
//
// All block indices begin at 0 and are relative to the start of the cache, not
// the device.

package blockcache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/fat32fs"
	c "github.com/dargueta/fat32fs/file_systems/common"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.SectorIndex, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex c.SectorIndex, buffer []byte) error

type BlockCache struct {
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
}

// New creates a new BlockCache. `fetchCb` reads a single block from the backing
// storage, and `flushCb` writes a single block to it.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *BlockCache {
	return &BlockCache{
		loadedBlocks:  bitmap.New(int(totalBlocks)),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// WrapDevice creates a [BlockCache] over `totalBlocks` sectors of a device,
// beginning at sector `firstSector`.
func WrapDevice(
	device fat32fs.BlockDevice,
	firstSector c.SectorIndex,
	totalBlocks uint,
) *BlockCache {
	fetchCb := func(block c.SectorIndex, buffer []byte) error {
		return device.ReadSector(uint64(firstSector+block), buffer)
	}
	return New(fat32fs.SectorSize, totalBlocks, fetchCb, deviceFlusher(device, firstSector))
}

// NewBlank is like [WrapDevice] except the existing contents of the device are
// never read. Blocks start out zeroed, which is what a formatter wants.
func NewBlank(
	device fat32fs.BlockDevice,
	firstSector c.SectorIndex,
	totalBlocks uint,
) *BlockCache {
	fetchCb := func(block c.SectorIndex, buffer []byte) error {
		for i := range buffer {
			buffer[i] = 0
		}
		return nil
	}
	return New(fat32fs.SectorSize, totalBlocks, fetchCb, deviceFlusher(device, firstSector))
}

func deviceFlusher(device fat32fs.BlockDevice, firstSector c.SectorIndex) FlushBlockCallback {
	return func(block c.SectorIndex, buffer []byte) error {
		return device.WriteSector(uint64(firstSector+block), buffer)
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// LengthToNumBlocks gives the minimum number of blocks required to hold the
// given number of bytes.
func (cache *BlockCache) LengthToNumBlocks(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}

// checkBounds verifies that `count` blocks can be accessed in the cache
// starting from block `start`. If not, it returns an error describing the exact
// conditions. If no error would occur, this returns nil.
func (cache *BlockCache) checkBounds(start c.SectorIndex, count uint) error {
	if uint64(start)+uint64(count) > uint64(cache.totalBlocks) {
		return fat32fs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't access %d blocks from block %d; range not in [0, %d)",
				count,
				start,
				cache.totalBlocks,
			),
		)
	}
	return nil
}

// blockSlice returns the part of the cache's storage holding blocks
// [start, start + count) without loading anything.
func (cache *BlockCache) blockSlice(start c.SectorIndex, count uint) []byte {
	startOffset := uint(start) * cache.bytesPerBlock
	endOffset := startOffset + (count * cache.bytesPerBlock)
	return cache.data[startOffset:endOffset]
}

// GetSlice returns a slice pointing to the cache's storage, beginning at block
// `start` and continuing for `count` blocks.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) GetSlice(start c.SectorIndex, count uint) ([]byte, error) {
	err := cache.loadBlockRange(start, count)
	if err != nil {
		return nil, err
	}
	return cache.blockSlice(start, count), nil
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start c.SectorIndex, count uint) error {
	err := cache.checkBounds(start, count)
	if err != nil {
		return err
	}

	for blockIndex := int(start); uint(blockIndex) < uint(start)+count; blockIndex++ {
		// Dirty blocks are present by definition, so we don't need to check
		// `dirtyBlocks`.
		if cache.loadedBlocks.Get(blockIndex) {
			continue
		}

		buffer := cache.blockSlice(c.SectorIndex(blockIndex), 1)
		err = cache.fetch(c.SectorIndex(blockIndex), buffer)
		if err != nil {
			return fat32fs.ErrIOFailed.Wrap(err).WithMessage(
				fmt.Sprintf("failed to load block %d from source", blockIndex),
			)
		}

		cache.loadedBlocks.Set(blockIndex, true)
		cache.dirtyBlocks.Set(blockIndex, false)
	}

	return nil
}

// flushBlockRange writes out all dirty blocks (and only dirty blocks) to the
// underlying storage and marks them as clean.
func (cache *BlockCache) flushBlockRange(start c.SectorIndex, count uint) error {
	err := cache.checkBounds(start, count)
	if err != nil {
		return err
	}

	for blockIndex := int(start); uint(blockIndex) < uint(start)+count; blockIndex++ {
		// Missing blocks are considered clean.
		if !cache.dirtyBlocks.Get(blockIndex) {
			continue
		}

		buffer := cache.blockSlice(c.SectorIndex(blockIndex), 1)
		err = cache.flush(c.SectorIndex(blockIndex), buffer)
		if err != nil {
			return fat32fs.ErrIOFailed.Wrap(err).WithMessage(
				fmt.Sprintf("failed to flush block %d to storage", blockIndex),
			)
		}

		cache.dirtyBlocks.Set(blockIndex, false)
	}

	return nil
}

// Flush flushes all dirty blocks from the cache into storage, and marks them
// as clean.
func (cache *BlockCache) Flush() error {
	return cache.flushBlockRange(0, cache.totalBlocks)
}

// Write copies data into the cache from `buffer`, beginning at block `start`.
// All modified blocks are marked as dirty. `buffer` does not need to be an
// exact multiple of the size of one block.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) Write(start c.SectorIndex, buffer []byte) error {
	totalBlocks := cache.LengthToNumBlocks(uint(len(buffer)))

	// A partial trailing block must be loaded first so the bytes we don't
	// overwrite are correct when it's flushed.
	targetByteSlice, err := cache.GetSlice(start, totalBlocks)
	if err != nil {
		return err
	}

	copy(targetByteSlice, buffer)
	return cache.MarkBlockRangeDirty(start, totalBlocks)
}

// MarkBlockRangeDirty marks a range of blocks as modified. They will be written
// out to the backing storage on the next call to [BlockCache.Flush].
func (cache *BlockCache) MarkBlockRangeDirty(start c.SectorIndex, count uint) error {
	err := cache.checkBounds(start, count)
	if err != nil {
		return err
	}

	for i := uint(0); i < count; i++ {
		bitIndex := int(start) + int(i)
		cache.dirtyBlocks.Set(bitIndex, true)
		cache.loadedBlocks.Set(bitIndex, true)
	}
	return nil
}
