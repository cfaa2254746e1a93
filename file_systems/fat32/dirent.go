package fat32

import (
	"encoding/binary"
	"strings"
	"time"
)

// DirentSize is the size of a single raw directory entry, in bytes.
const DirentSize = 32

const (
	// AttrReadOnly is an attribute flag marking a directory entry as read-only.
	AttrReadOnly = 0x01

	// AttrHidden marks an entry that shouldn't show up in normal directory
	// listings. This driver lists hidden entries anyway but never clears the flag.
	AttrHidden = 0x02

	// AttrSystem marks an entry as essential to the operating system.
	AttrSystem = 0x04

	// AttrVolumeLabel marks the entry holding the volume label. It must reside in
	// the root directory, and there must be only one.
	AttrVolumeLabel = 0x08

	// AttrDirectory is an attribute flag marking a directory entry as being a directory.
	AttrDirectory = 0x10

	// AttrArchive is set whenever the entry is created or modified. Backup tools
	// use it to determine whether the file needs to be backed up.
	AttrArchive = 0x20

	// AttrLongName is the combination of flags that marks an entry as part of a
	// long file name rather than a real file.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel

	attrLongNameMask = 0x3F
)

const (
	markerEndOfDirectory = 0x00
	markerDeleted        = 0xE5
	// A real name starting with 0xE5 is stored with 0x05 instead, so it isn't
	// mistaken for a deleted entry.
	markerEscapedE5 = 0x05
)

// Flags in the NT-reserved byte recording that the base name or extension of a
// short name is entirely lowercase.
const (
	ntLowercaseBase      = 0x08
	ntLowercaseExtension = 0x10
)

var (
	fatEpoch   = time.Date(1980, 1, 1, 0, 0, 0, 0, time.Local)
	fatMaxTime = time.Date(2107, 12, 31, 23, 59, 59, 990000000, time.Local)
)

// RawDirent is a short directory entry, broken down into its constituent
// fields.
type RawDirent struct {
	Name                  ShortName
	Attributes            uint8
	NTReserved            uint8
	CreatedTimeHundredths uint8
	CreatedTime           uint16
	CreatedDate           uint16
	LastAccessedDate      uint16
	FirstClusterHigh      uint16
	LastModifiedTime      uint16
	LastModifiedDate      uint16
	FirstClusterLow       uint16
	FileSize              uint32
}

// DecodeRawDirent deserializes 32 bytes into a RawDirent.
func DecodeRawDirent(data []byte) RawDirent {
	dirent := RawDirent{
		Attributes:            data[0x0B],
		NTReserved:            data[0x0C],
		CreatedTimeHundredths: data[0x0D],
		CreatedTime:           binary.LittleEndian.Uint16(data[0x0E:0x10]),
		CreatedDate:           binary.LittleEndian.Uint16(data[0x10:0x12]),
		LastAccessedDate:      binary.LittleEndian.Uint16(data[0x12:0x14]),
		FirstClusterHigh:      binary.LittleEndian.Uint16(data[0x14:0x16]),
		LastModifiedTime:      binary.LittleEndian.Uint16(data[0x16:0x18]),
		LastModifiedDate:      binary.LittleEndian.Uint16(data[0x18:0x1A]),
		FirstClusterLow:       binary.LittleEndian.Uint16(data[0x1A:0x1C]),
		FileSize:              binary.LittleEndian.Uint32(data[0x1C:0x20]),
	}
	copy(dirent.Name[:], data[:11])
	return dirent
}

// Encode serializes the entry into the first 32 bytes of `data`.
func (d *RawDirent) Encode(data []byte) {
	copy(data[:11], d.Name[:])
	data[0x0B] = d.Attributes
	data[0x0C] = d.NTReserved
	data[0x0D] = d.CreatedTimeHundredths
	binary.LittleEndian.PutUint16(data[0x0E:0x10], d.CreatedTime)
	binary.LittleEndian.PutUint16(data[0x10:0x12], d.CreatedDate)
	binary.LittleEndian.PutUint16(data[0x12:0x14], d.LastAccessedDate)
	binary.LittleEndian.PutUint16(data[0x14:0x16], d.FirstClusterHigh)
	binary.LittleEndian.PutUint16(data[0x16:0x18], d.LastModifiedTime)
	binary.LittleEndian.PutUint16(data[0x18:0x1A], d.LastModifiedDate)
	binary.LittleEndian.PutUint16(data[0x1A:0x1C], d.FirstClusterLow)
	binary.LittleEndian.PutUint32(data[0x1C:0x20], d.FileSize)
}

func (d *RawDirent) Bytes() []byte {
	data := make([]byte, DirentSize)
	d.Encode(data)
	return data
}

func (d *RawDirent) FirstCluster() ClusterID {
	return ClusterID(uint32(d.FirstClusterHigh)<<16|uint32(d.FirstClusterLow)) & entryMask
}

func (d *RawDirent) SetFirstCluster(cluster ClusterID) {
	d.FirstClusterHigh = uint16(cluster >> 16)
	d.FirstClusterLow = uint16(cluster)
}

func (d *RawDirent) IsDirectory() bool {
	return d.Attributes&AttrDirectory != 0
}

func (d *RawDirent) IsVolumeLabel() bool {
	return d.Attributes&(AttrVolumeLabel|AttrDirectory) == AttrVolumeLabel
}

// IsDotEntry determines if this is the `.` or `..` entry of a directory.
func (d *RawDirent) IsDotEntry() bool {
	return d.Name == dotName || d.Name == dotDotName
}

// DisplayName gives the short name as it should be shown to a user, e.g.
// "README.TXT", with the NT lowercase flags applied.
func (d *RawDirent) DisplayName() string {
	base := strings.TrimRight(latin1String(d.Name[:8]), " ")
	ext := strings.TrimRight(latin1String(d.Name[8:]), " ")

	if base != "" && d.Name[0] == markerEscapedE5 {
		base = "å" + base[1:]
	}
	if d.NTReserved&ntLowercaseBase != 0 {
		base = strings.ToLower(base)
	}
	if d.NTReserved&ntLowercaseExtension != 0 {
		ext = strings.ToLower(ext)
	}

	if ext == "" {
		return base
	}
	return base + "." + ext
}

// latin1String maps each byte to the code point with the same value, so names
// written with an unknown OEM code page still decode to something printable.
func latin1String(data []byte) string {
	var builder strings.Builder
	for _, b := range data {
		builder.WriteRune(rune(b))
	}
	return builder.String()
}

// Slot-level markers. These operate on the raw 32 bytes so they can be used
// before deciding how to decode an entry.

func isEndMarker(slot []byte) bool {
	return slot[0] == markerEndOfDirectory
}

func isDeleted(slot []byte) bool {
	return slot[0] == markerDeleted
}

func isLongNameSlot(slot []byte) bool {
	return slot[0x0B]&attrLongNameMask == AttrLongName
}

////////////////////////////////////////////////////////////////////////////////
// Timestamps

// DateFromInt converts the FAT on-disk representation of a date into a Go time.Time
// object. 0 means "not set" and gives the zero time.
func DateFromInt(value uint16) time.Time {
	if value == 0 {
		return time.Time{}
	}

	day := int(value & 0x001f)
	month := time.Month((value >> 5) & 0x000f)
	year := int(1980 + (value >> 9))
	return time.Date(year, month, day, 0, 0, 0, 0, time.Local)
}

// TimestampFromParts converts a FAT timestamp into a time.Time object. datePart is
// required; timePart and hundredths should be 0 if they're not present in the source
// field(s).
func TimestampFromParts(datePart uint16, timePart uint16, hundredths uint8) time.Time {
	dateDt := DateFromInt(datePart)
	if dateDt.IsZero() {
		return dateDt
	}

	seconds := int(timePart&0x001f)*2 + int(hundredths/100)
	minutes := int((timePart >> 5) & 0x003f)
	hours := int(timePart >> 11)
	nanoseconds := int(hundredths%100) * 10000000

	return time.Date(
		dateDt.Year(), dateDt.Month(), dateDt.Day(), hours, minutes, seconds, nanoseconds, time.Local)
}

// TimestampToParts is the inverse of [TimestampFromParts]. Times outside the
// range FAT can represent (1980-2107) are clamped.
func TimestampToParts(t time.Time) (datePart uint16, timePart uint16, hundredths uint8) {
	t = t.In(time.Local)
	if t.Before(fatEpoch) {
		t = fatEpoch
	} else if t.After(fatMaxTime) {
		t = fatMaxTime
	}

	datePart = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	timePart = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	hundredths = uint8((t.Second()%2)*100 + t.Nanosecond()/10000000)
	return
}

func (d *RawDirent) CreatedAt() time.Time {
	return TimestampFromParts(d.CreatedDate, d.CreatedTime, d.CreatedTimeHundredths)
}

func (d *RawDirent) LastModifiedAt() time.Time {
	return TimestampFromParts(d.LastModifiedDate, d.LastModifiedTime, 0)
}

func (d *RawDirent) LastAccessedAt() time.Time {
	return DateFromInt(d.LastAccessedDate)
}

func (d *RawDirent) SetCreatedAt(t time.Time) {
	d.CreatedDate, d.CreatedTime, d.CreatedTimeHundredths = TimestampToParts(t)
}

// SetLastModifiedAt sets the modification timestamp. FAT only stores it with a
// resolution of two seconds.
func (d *RawDirent) SetLastModifiedAt(t time.Time) {
	d.LastModifiedDate, d.LastModifiedTime, _ = TimestampToParts(t)
}

func (d *RawDirent) SetLastAccessedAt(t time.Time) {
	d.LastAccessedDate, _, _ = TimestampToParts(t)
}
