package fat32_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/dargueta/fat32fs"
	"github.com/dargueta/fat32fs/file_systems/fat32"
	ftesting "github.com/dargueta/fat32fs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRawFATEntry overwrites an entry in every copy of the FAT, bypassing the
// table manager.
func setRawFATEntry(
	t *testing.T, device fat32fs.BlockDevice, boot *fat32.BootSector, cluster fat32.ClusterID, value uint32,
) {
	for i := uint64(0); i < uint64(boot.NumFATs); i++ {
		sectorIndex := boot.FATStartSector + i*uint64(boot.SectorsPerFAT) + uint64(cluster)/128
		sector := ftesting.ReadSectors(t, device, sectorIndex, 1)
		binary.LittleEndian.PutUint32(sector[(cluster%128)*4:], value)
		require.NoError(t, device.WriteSector(sectorIndex, sector))
	}
}

func rawFATEntry(
	t *testing.T, device fat32fs.BlockDevice, boot *fat32.BootSector, fatIndex uint64, cluster fat32.ClusterID,
) uint32 {
	sectorIndex := boot.FATStartSector + fatIndex*uint64(boot.SectorsPerFAT) + uint64(cluster)/128
	sector := ftesting.ReadSectors(t, device, sectorIndex, 1)
	return binary.LittleEndian.Uint32(sector[(cluster%128)*4:])
}

func TestTable__NextCluster(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()

	next, err := table.NextCluster(2)
	require.NoError(t, err)
	assert.True(t, fat32.IsEndOfChain(next), "root directory should be one cluster")

	next, err = table.NextCluster(3)
	require.NoError(t, err)
	assert.Equal(t, fat32.FreeCluster, next)

	for _, invalid := range []fat32.ClusterID{0, 1, driver.BootSector().MaxCluster + 1} {
		_, err = table.NextCluster(invalid)
		assert.Truef(
			t,
			errors.Is(err, fat32fs.ErrFileSystemCorrupted),
			"cluster %d: wrong error: %v",
			invalid,
			err)
	}
}

// Allocation starts at the FSInfo hint and keeps moving forward instead of
// reusing the lowest free cluster.
func TestTable__AllocateCluster__Rotates(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()
	assert.EqualValues(t, 3, table.Cursor(), "cursor wasn't seeded from FSInfo")

	first, err := table.AllocateCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 3, first)

	second, err := table.AllocateCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 4, second)

	require.NoError(t, table.FreeChain(first))
	third, err := table.AllocateCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 5, third, "allocation went back to a freed cluster")

	assert.EqualValues(t, fat32.EndOfChain, rawFATEntry(t, device, driver.BootSector(), 0, third))
	ftesting.AssertMirrorsIdentical(t, device, driver.BootSector())
}

func TestTable__AllocateCluster__Wraps(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()
	last := driver.BootSector().MaxCluster

	table.SetCursor(last)
	cluster, err := table.AllocateCluster()
	require.NoError(t, err)
	assert.Equal(t, last, cluster)

	cluster, err = table.AllocateCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 3, cluster, "allocation should wrap to the start, skipping the root")
}

func TestTable__SetCursor__IgnoresInvalid(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()

	table.SetCursor(100)
	table.SetCursor(0xFFFFFFFF)
	table.SetCursor(1)
	assert.EqualValues(t, 100, table.Cursor())
}

func TestTable__AllocateCluster__NoSpace(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, 200)
	table := driver.Table()
	total := driver.BootSector().TotalClusters

	// The root directory already has one cluster.
	for i := uint32(1); i < total; i++ {
		_, err := table.AllocateCluster()
		require.NoErrorf(t, err, "allocation %d of %d failed", i, total-1)
	}

	_, err := table.AllocateCluster()
	assert.True(t, errors.Is(err, fat32fs.ErrNoSpaceOnDevice), "wrong error: %v", err)

	free, err := table.FreeClusterCount()
	require.NoError(t, err)
	assert.EqualValues(t, 0, free)
}

func TestTable__PreservesReservedBits(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	boot := driver.BootSector()
	setRawFATEntry(t, device, boot, 3, 0xA0000000)

	cluster, err := driver.Table().AllocateCluster()
	require.NoError(t, err)
	require.EqualValues(t, 3, cluster, "entry with only reserved bits set should count as free")

	for i := uint64(0); i < uint64(boot.NumFATs); i++ {
		assert.EqualValues(t, 0xAFFFFFFF, rawFATEntry(t, device, boot, i, 3), "FAT %d", i)
	}
}

func TestTable__ExtendChain(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()

	first, err := table.AllocateCluster()
	require.NoError(t, err)
	second, err := table.ExtendChain(first)
	require.NoError(t, err)

	next, err := table.NextCluster(first)
	require.NoError(t, err)
	assert.Equal(t, second, next)

	chain, err := table.ListChain(first)
	require.NoError(t, err)
	assert.Equal(t, []fat32.ClusterID{first, second}, chain)

	_, err = table.ExtendChain(first)
	assert.True(t, errors.Is(err, fat32fs.ErrInvalidArgument), "extended from the middle: %v", err)
	ftesting.AssertMirrorsIdentical(t, device, driver.BootSector())
}

func TestTable__FreeChain__Idempotent(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()
	boot := driver.BootSector()

	first, err := table.AllocateChain(5)
	require.NoError(t, err)
	chain, err := table.ListChain(first)
	require.NoError(t, err)
	require.Len(t, chain, 5)

	require.NoError(t, table.FreeChain(first))
	snapshot := ftesting.ReadSectors(t, device, boot.FATStartSector, uint(boot.SectorsPerFAT)*2)

	require.NoError(t, table.FreeChain(first), "second free should be a no-op")
	assert.Equal(
		t,
		snapshot,
		ftesting.ReadSectors(t, device, boot.FATStartSector, uint(boot.SectorsPerFAT)*2),
		"second free modified the FAT")

	for _, cluster := range chain {
		value, err := table.NextCluster(cluster)
		require.NoError(t, err)
		assert.Equal(t, fat32.FreeCluster, value, "cluster %d wasn't freed", cluster)
	}

	assert.NoError(t, table.FreeChain(fat32.FreeCluster))
}

func TestTable__TruncateChain(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()

	first, err := table.AllocateChain(6)
	require.NoError(t, err)
	original, err := table.ListChain(first)
	require.NoError(t, err)

	require.NoError(t, table.TruncateChain(first, 2))
	chain, err := table.ListChain(first)
	require.NoError(t, err)
	assert.Equal(t, original[:2], chain)

	for _, cluster := range original[2:] {
		value, err := table.NextCluster(cluster)
		require.NoError(t, err)
		assert.Equal(t, fat32.FreeCluster, value)
	}

	err = table.TruncateChain(first, 10)
	assert.True(t, errors.Is(err, fat32fs.ErrInvalidArgument), "wrong error: %v", err)
}

func TestTable__ChainLength__Cycle(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()

	first, err := table.AllocateChain(3)
	require.NoError(t, err)
	chain, err := table.ListChain(first)
	require.NoError(t, err)

	// Point the last cluster back at the first.
	setRawFATEntry(t, device, driver.BootSector(), chain[2], uint32(chain[0]))

	_, err = table.ChainLength(first)
	assert.True(t, errors.Is(err, fat32fs.ErrFileSystemCorrupted), "wrong error: %v", err)

	err = table.FreeChain(first)
	assert.NoError(t, err, "freeing a cycle should stop when it reaches a freed cluster")
}

func TestTable__ChainLength__LinkToFree(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	table := driver.Table()

	first, err := table.AllocateCluster()
	require.NoError(t, err)
	setRawFATEntry(t, device, driver.BootSector(), first, 500)

	_, err = table.ChainLength(first)
	assert.True(t, errors.Is(err, fat32fs.ErrFileSystemCorrupted), "wrong error: %v", err)
}

func TestTable__VerifyMirrors__DetectsMismatch(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	boot := driver.BootSector()
	require.NoError(t, driver.Table().VerifyMirrors())

	mirrorSector := boot.FATStartSector + uint64(boot.SectorsPerFAT)
	sector := ftesting.ReadSectors(t, device, mirrorSector, 1)
	sector[100] ^= 0xFF
	require.NoError(t, device.WriteSector(mirrorSector, sector))

	err := driver.Table().VerifyMirrors()
	assert.True(t, errors.Is(err, fat32fs.ErrFileSystemCorrupted), "wrong error: %v", err)
}

// Tables bigger than one comparison chunk must be checked all the way to the
// end of the last copy.
func TestTable__VerifyMirrors__LastSectorOfLargeTable(t *testing.T) {
	driver, device := ftesting.MountFresh(t, 40000)
	boot := driver.BootSector()
	require.Greater(t, boot.SectorsPerFAT, uint32(128), "volume too small to span chunks")
	require.NoError(t, driver.Table().VerifyMirrors())

	lastSector := uint64(boot.SectorsPerFAT) - 1
	mirrorSector := boot.FATStartSector + uint64(boot.SectorsPerFAT) + lastSector
	sector := ftesting.ReadSectors(t, device, mirrorSector, 1)
	sector[fat32fs.SectorSize-1] ^= 0x01
	require.NoError(t, device.WriteSector(mirrorSector, sector))

	err := driver.Table().VerifyMirrors()
	require.True(t, errors.Is(err, fat32fs.ErrFileSystemCorrupted), "wrong error: %v", err)
	assert.Contains(t, err.Error(), fmt.Sprintf("sector %d of the table", lastSector))
}

// After any sequence of allocations, extensions, and frees, every cluster is
// either free or in exactly one chain, and every chain is what we built.
func TestTable__ChainInvariant(t *testing.T) {
	driver, device := ftesting.MountFresh(t, 1024)
	table := driver.Table()
	boot := driver.BootSector()
	random := rand.New(rand.NewSource(1234))

	chains := map[fat32.ClusterID][]fat32.ClusterID{}
	heads := []fat32.ClusterID{}

	for step := 0; step < 400; step++ {
		switch op := random.Intn(3); {
		case op == 0 || len(heads) == 0:
			cluster, err := table.AllocateCluster()
			require.NoError(t, err)
			chains[cluster] = []fat32.ClusterID{cluster}
			heads = append(heads, cluster)
		case op == 1:
			head := heads[random.Intn(len(heads))]
			chain := chains[head]
			cluster, err := table.ExtendChain(chain[len(chain)-1])
			require.NoError(t, err)
			chains[head] = append(chain, cluster)
		default:
			index := random.Intn(len(heads))
			head := heads[index]
			require.NoError(t, table.FreeChain(head))
			delete(chains, head)
			heads = append(heads[:index], heads[index+1:]...)
		}
	}

	owner := map[fat32.ClusterID]fat32.ClusterID{}
	for head, expected := range chains {
		actual, err := table.ListChain(head)
		require.NoError(t, err)
		assert.Equal(t, expected, actual, "chain starting at %d", head)

		for _, cluster := range actual {
			previous, taken := owner[cluster]
			assert.False(t, taken, "cluster %d is in chains %d and %d", cluster, previous, head)
			owner[cluster] = head
		}
	}

	root := fat32.ClusterID(boot.RootCluster)
	for cluster := fat32.ClusterID(2); cluster <= boot.MaxCluster; cluster++ {
		if _, live := owner[cluster]; live || cluster == root {
			continue
		}
		value, err := table.NextCluster(cluster)
		require.NoError(t, err)
		assert.Equal(t, fat32.FreeCluster, value, "cluster %d is in no chain but isn't free", cluster)
	}

	ftesting.AssertMirrorsIdentical(t, device, boot)
}
