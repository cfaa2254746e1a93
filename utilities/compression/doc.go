// Package compression shrinks FAT32 volume images for storage and transfer.
//
// A freshly formatted volume is almost entirely zero bytes: only the reserved
// sectors, the start of each FAT, and the root directory hold anything. Images
// are first run-length encoded with RLE8, then gzipped. RLE8 collapses the long
// runs gzip's window can't see across, and gzip cleans up what's left.
//
// In RLE8, a byte that occurs two or more times in a row is written twice,
// followed by one byte giving how many more times it occurs:
//
//	A B B B B B C D D
//	A B B 3 C D D 0
//
// A group covers at most 257 bytes. Longer runs are split into several groups.
package compression
