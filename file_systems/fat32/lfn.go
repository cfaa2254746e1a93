package fat32

import (
	"encoding/binary"
	"unicode/utf16"
)

const (
	lfnLastEntryFlag = 0x40
	lfnOrdinalMask   = 0x1F
	lfnCharsPerEntry = 13
	// 255 UTF-16 code units need at most 20 entries.
	lfnMaxEntries = (MaxLongNameLength + lfnCharsPerEntry - 1) / lfnCharsPerEntry
)

// Byte offsets of the 13 UTF-16 code units in a long file name entry. They're
// split across three regions around the attribute byte and the (always zero)
// first cluster field.
var lfnCharOffsets = [lfnCharsPerEntry]int{
	0x01, 0x03, 0x05, 0x07, 0x09,
	0x0E, 0x10, 0x12, 0x14, 0x16, 0x18,
	0x1C, 0x1E,
}

// EncodeLongName builds the long file name entries for `name`, in the order
// they're stored on disk: the highest ordinal (flagged as the last entry) first,
// and ordinal 1 immediately before the short entry. Every entry carries the
// checksum of `short`.
func EncodeLongName(name string, short ShortName) ([][]byte, error) {
	err := ValidateLongName(name)
	if err != nil {
		return nil, err
	}

	units := utf16.Encode([]rune(name))
	count := (len(units) + lfnCharsPerEntry - 1) / lfnCharsPerEntry
	checksum := short.Checksum()
	entries := make([][]byte, 0, count)

	for ordinal := count; ordinal >= 1; ordinal-- {
		entry := make([]byte, DirentSize)
		entry[0] = byte(ordinal)
		if ordinal == count {
			entry[0] |= lfnLastEntryFlag
		}
		entry[0x0B] = AttrLongName
		entry[0x0D] = checksum

		// The name is terminated by a single 0x0000 if there's room for it, and
		// unused slots after that are filled with 0xFFFF.
		start := (ordinal - 1) * lfnCharsPerEntry
		for i, offset := range lfnCharOffsets {
			unit := uint16(0xFFFF)
			if start+i < len(units) {
				unit = units[start+i]
			} else if start+i == len(units) {
				unit = 0x0000
			}
			binary.LittleEndian.PutUint16(entry[offset:offset+2], unit)
		}

		entries = append(entries, entry)
	}
	return entries, nil
}

// DecodeEntryRun reconstructs the name of a short entry and the long file name
// entries immediately preceding it on disk (highest ordinal first). If the long
// entries are malformed or any of their checksums doesn't match the short name,
// they're ignored and the short name is used. `usedLongName` reports which
// happened.
func DecodeEntryRun(longEntries [][]byte, short []byte) (name string, usedLongName bool) {
	dirent := DecodeRawDirent(short)
	longName, ok := decodeLongName(longEntries, dirent.Name.Checksum())
	if !ok {
		return dirent.DisplayName(), false
	}
	return longName, true
}

func decodeLongName(entries [][]byte, checksum uint8) (string, bool) {
	count := len(entries)
	if count == 0 || count > lfnMaxEntries {
		return "", false
	}
	if entries[0][0]&lfnLastEntryFlag == 0 {
		return "", false
	}

	units := make([]uint16, 0, count*lfnCharsPerEntry)
	for i := count - 1; i >= 0; i-- {
		entry := entries[i]
		if !isLongNameSlot(entry) || entry[0x0D] != checksum {
			return "", false
		}
		if int(entry[0]&lfnOrdinalMask) != count-i {
			return "", false
		}

		for _, offset := range lfnCharOffsets {
			units = append(units, binary.LittleEndian.Uint16(entry[offset:offset+2]))
		}
	}

	for i, unit := range units {
		if unit == 0x0000 {
			units = units[:i]
			break
		}
	}
	if len(units) == 0 {
		return "", false
	}
	return string(utf16.Decode(units)), true
}
