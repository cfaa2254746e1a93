package fat32

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dargueta/fat32fs"
	"github.com/elliotwutingfeng/asciiset"
)

// ShortName is an 8.3 name as stored on disk: eight bytes of base name and three
// bytes of extension, both padded with spaces. There's no dot.
type ShortName [11]byte

// MaxLongNameLength is the maximum length of a long file name, in UTF-16 code
// units.
const MaxLongNameLength = 255

// maxNumericTail bounds the `~N` suffixes tried when generating an alias. With
// seven characters of tail only one character of the basis name remains.
const maxNumericTail = 999999

var dotName = ShortName{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
var dotDotName = ShortName{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

var validShortNameCharacters, _ = asciiset.MakeASCIISet(
	"!#$%&'()-0123456789@ABCDEFGHIJKLMNOPQRSTUVWXYZ^_`{}~")

// Characters that may not appear in any name, long or short.
const forbiddenNameCharacters = "\"*/:<>?\\|\x7f"

// String gives the name in its usual "BASE.EXT" form, without any case
// adjustment.
func (s ShortName) String() string {
	base := strings.TrimRight(latin1String(s[:8]), " ")
	ext := strings.TrimRight(latin1String(s[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// Checksum computes the checksum stored in every long file name entry belonging
// to this short name.
func (s ShortName) Checksum() uint8 {
	sum := uint8(0)
	for _, b := range s {
		sum = ((sum & 1) << 7) + (sum >> 1) + b
	}
	return sum
}

func newShortName(base, ext string) ShortName {
	var name ShortName
	for i := range name {
		name[i] = ' '
	}
	copy(name[:8], base)
	copy(name[8:], ext)
	return name
}

// splitExtension splits a name at its last dot. A leading dot doesn't count as
// the start of an extension.
func splitExtension(name string) (string, string, bool) {
	index := strings.LastIndexByte(name, '.')
	if index <= 0 {
		return name, "", false
	}
	return name[:index], name[index+1:], true
}

// EncodeShortName converts a name to its 8.3 form, uppercasing it. If the name
// doesn't fit in 8.3 or contains characters not allowed in short names, it
// returns [fat32fs.ErrInvalidName].
//
// Case is not considered. Use [ShortNameCaseFlags] to find out if the name's
// case can be preserved without a long name.
func EncodeShortName(name string) (ShortName, error) {
	upper := strings.ToUpper(name)
	base, ext, hasDot := splitExtension(upper)

	if base == "" {
		return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q has no base name", name))
	}
	if hasDot && ext == "" {
		return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q ends with a dot", name))
	}
	if len(base) > 8 || len(ext) > 3 {
		return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q doesn't fit in 8.3", name))
	}

	for _, part := range []string{base, ext} {
		for i := 0; i < len(part); i++ {
			if part[i] >= utf8.RuneSelf || !validShortNameCharacters.Contains(part[i]) {
				return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
					fmt.Sprintf("%q contains %q, which isn't allowed in a short name", name, part[i]))
			}
		}
	}

	return newShortName(base, ext), nil
}

// classifyCase determines if `s` is all lowercase. `ok` is false if it mixes
// upper and lower case letters, in which case the case can't be stored in a
// short name.
func classifyCase(s string) (lower bool, ok bool) {
	hasUpper := strings.ToLower(s) != s
	hasLower := strings.ToUpper(s) != s
	if hasUpper && hasLower {
		return false, false
	}
	return hasLower, true
}

// ShortNameCaseFlags gives the NT-reserved flags that reproduce the case of
// `name` when it's decoded from its short name. If `name` mixes case within the
// base name or extension this isn't possible, and `ok` is false.
func ShortNameCaseFlags(name string) (flags uint8, ok bool) {
	base, ext, _ := splitExtension(name)

	baseLower, ok := classifyCase(base)
	if !ok {
		return 0, false
	}
	extLower, ok := classifyCase(ext)
	if !ok {
		return 0, false
	}

	if baseLower {
		flags |= ntLowercaseBase
	}
	if extLower {
		flags |= ntLowercaseExtension
	}
	return flags, true
}

// basisPart converts part of a long name into characters legal in a short name,
// dropping spaces and dots and replacing anything else that isn't allowed with
// an underscore. `lossy` is true if anything was dropped, replaced, or truncated.
func basisPart(part string, maxLength int) (result string, lossy bool) {
	var builder strings.Builder

	for _, r := range part {
		if r == ' ' || r == '.' {
			lossy = true
			continue
		}
		if builder.Len() == maxLength {
			lossy = true
			break
		}
		if r >= utf8.RuneSelf || !validShortNameCharacters.Contains(byte(r)) {
			builder.WriteByte('_')
			lossy = true
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String(), lossy
}

// GenerateAlias creates a short name for a name that can't be stored as one
// directly, using the numeric-tail scheme: "Long File Name.html" becomes
// "LONGFI~1.HTM", or "LONGFI~2.HTM" if that's taken, and so on.
//
// `taken` reports whether a candidate already exists in the directory. If all
// candidates are taken, [fat32fs.ErrInvalidName] is returned.
func GenerateAlias(name string, taken func(ShortName) bool) (ShortName, error) {
	upper := strings.TrimLeft(strings.ToUpper(name), ". ")
	base, ext, _ := splitExtension(upper)

	basisBase, baseLossy := basisPart(base, 8)
	basisExt, extLossy := basisPart(ext, 3)
	lossy := baseLossy || extLossy || len(upper) != len(strings.ToUpper(name))

	if basisBase == "" {
		basisBase = "_"
		lossy = true
	}

	if !lossy {
		candidate := newShortName(basisBase, basisExt)
		if !taken(candidate) {
			return candidate, nil
		}
	}

	for n := 1; n <= maxNumericTail; n++ {
		tail := "~" + strconv.Itoa(n)
		truncatedBase := basisBase
		if len(truncatedBase)+len(tail) > 8 {
			truncatedBase = truncatedBase[:8-len(tail)]
		}

		candidate := newShortName(truncatedBase+tail, basisExt)
		if !taken(candidate) {
			return candidate, nil
		}
	}

	return ShortName{}, fat32fs.ErrInvalidName.WithMessage(
		fmt.Sprintf("all short name aliases for %q are in use", name))
}

// ValidateLongName checks that `name` can be stored as a long file name.
func ValidateLongName(name string) error {
	if !utf8.ValidString(name) {
		return fat32fs.ErrInvalidName.WithMessage(fmt.Sprintf("%q isn't valid UTF-8", name))
	}
	if name == "" || name == "." || name == ".." || strings.Trim(name, ". ") == "" {
		return fat32fs.ErrInvalidName.WithMessage(fmt.Sprintf("%q isn't a valid file name", name))
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return fat32fs.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q ends with a dot or space", name))
	}

	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(forbiddenNameCharacters, r) {
			return fat32fs.ErrInvalidName.WithMessage(
				fmt.Sprintf("%q contains forbidden character %q", name, r))
		}
	}

	length := len(utf16.Encode([]rune(name)))
	if length > MaxLongNameLength {
		return fat32fs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("name is %d UTF-16 code units, limit is %d", length, MaxLongNameLength))
	}
	return nil
}
