package fat32_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dargueta/fat32fs"
	"github.com/dargueta/fat32fs/file_systems/fat32"
	ftesting "github.com/dargueta/fat32fs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formattedBootSector(t *testing.T) []byte {
	device := ftesting.CreateFormattedDevice(
		t, ftesting.DefaultTestVolumeSectors, fat32.FormatOptions{SectorsPerCluster: 1})
	return ftesting.ReadSectors(t, device, 0, 1)
}

func TestParseBootSector__Geometry(t *testing.T) {
	boot, err := fat32.ParseBootSector(formattedBootSector(t))
	require.NoError(t, err)

	assert.EqualValues(t, 512, boot.BytesPerSector)
	assert.EqualValues(t, 1, boot.SectorsPerCluster)
	assert.EqualValues(t, 32, boot.ReservedSectors)
	assert.EqualValues(t, 2, boot.NumFATs)
	assert.EqualValues(t, 2, boot.RootCluster)
	assert.EqualValues(t, ftesting.DefaultTestVolumeSectors, boot.TotalSectors)
	assert.EqualValues(t, 64, boot.SectorsPerFAT)
	assert.EqualValues(t, 32, boot.FATStartSector)
	assert.EqualValues(t, 32+2*64, boot.DataStartSector)
	assert.EqualValues(t, 512, boot.ClusterSize)
	assert.EqualValues(t, 16, boot.DirentsPerCluster)
	assert.EqualValues(t, ftesting.DefaultTestVolumeSectors-160, boot.TotalClusters)
	assert.EqualValues(t, boot.TotalClusters+1, boot.MaxCluster)
}

func TestParseBootSector__ClusterToSector(t *testing.T) {
	boot, err := fat32.ParseBootSector(formattedBootSector(t))
	require.NoError(t, err)

	assert.EqualValues(t, boot.DataStartSector, boot.ClusterToSector(2))
	assert.EqualValues(t, boot.DataStartSector+10, boot.ClusterToSector(12))
	assert.True(t, boot.IsValidCluster(2))
	assert.True(t, boot.IsValidCluster(boot.MaxCluster))
	assert.False(t, boot.IsValidCluster(1))
	assert.False(t, boot.IsValidCluster(boot.MaxCluster+1))
}

func TestParseBootSector__Invalid(t *testing.T) {
	testCases := []struct {
		Name   string
		Mangle func(sector []byte)
	}{
		{"no signature", func(sector []byte) { sector[0x1FE] = 0 }},
		{"bytes per sector", func(sector []byte) {
			binary.LittleEndian.PutUint16(sector[0x0B:], 4096)
		}},
		{"zero sectors per cluster", func(sector []byte) { sector[0x0D] = 0 }},
		{"sectors per cluster not power of 2", func(sector []byte) { sector[0x0D] = 3 }},
		{"no FATs", func(sector []byte) { sector[0x10] = 0 }},
		{"no reserved sectors", func(sector []byte) {
			binary.LittleEndian.PutUint16(sector[0x0E:], 0)
		}},
		{"not FAT32", func(sector []byte) {
			binary.LittleEndian.PutUint32(sector[0x24:], 0)
		}},
		{"root cluster too small", func(sector []byte) {
			binary.LittleEndian.PutUint32(sector[0x2C:], 1)
		}},
		{"root cluster past end", func(sector []byte) {
			binary.LittleEndian.PutUint32(sector[0x2C:], 0x0FFFFFF0)
		}},
		{"FATs larger than volume", func(sector []byte) {
			binary.LittleEndian.PutUint32(sector[0x24:], 1<<20)
		}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			sector := formattedBootSector(t)
			testCase.Mangle(sector)

			_, err := fat32.ParseBootSector(sector)
			assert.Truef(
				t,
				errors.Is(err, fat32fs.ErrFileSystemCorrupted),
				"expected corruption error, got %v",
				err)
		})
	}
}

func TestParseBootSector__WrongBufferSize(t *testing.T) {
	_, err := fat32.ParseBootSector(make([]byte, 90))
	assert.True(t, errors.Is(err, fat32fs.ErrInvalidArgument), "wrong error: %v", err)
}

func TestRawBootSector__BytesRoundTrip(t *testing.T) {
	original := formattedBootSector(t)
	boot, err := fat32.ParseBootSector(original)
	require.NoError(t, err)

	encoded, err := boot.RawBootSector.Bytes()
	require.NoError(t, err)
	assert.Equal(t, original[:90], encoded[:90])
	assert.Equal(t, []byte{0x55, 0xAA}, encoded[0x1FE:])
}

func TestFSInfo__RoundTrip(t *testing.T) {
	info := fat32.FSInfo{FreeCount: 1234, NextFree: 99}
	decoded, err := fat32.ParseFSInfo(info.Bytes())
	require.NoError(t, err)
	assert.Equal(t, info, decoded)
}

func TestFSInfo__BadSignature(t *testing.T) {
	sector := fat32.FSInfo{FreeCount: 1, NextFree: 2}.Bytes()
	sector[0] = 0

	_, err := fat32.ParseFSInfo(sector)
	assert.True(t, errors.Is(err, fat32fs.ErrFileSystemCorrupted), "wrong error: %v", err)
}
