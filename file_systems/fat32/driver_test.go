package fat32_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dargueta/fat32fs"
	"github.com/dargueta/fat32fs/file_systems/fat32"
	ftesting "github.com/dargueta/fat32fs/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, time.June, 1, 12, 30, 44, 0, time.Local)

func fixedClock() time.Time {
	return fixedTime
}

// directorySlot returns the raw 32 bytes of a slot in the first cluster of a
// directory.
func directorySlot(
	t *testing.T, device fat32fs.BlockDevice, boot *fat32.BootSector, cluster fat32.ClusterID, index int,
) []byte {
	sector := boot.ClusterToSector(cluster) + uint64(index*fat32.DirentSize/fat32fs.SectorSize)
	data := ftesting.ReadSectors(t, device, sector, 1)
	offset := (index * fat32.DirentSize) % fat32fs.SectorSize
	return data[offset : offset+fat32.DirentSize]
}

func rootCluster(driver *fat32.Driver) fat32.ClusterID {
	return fat32.ClusterID(driver.BootSector().RootCluster)
}

func listNames(t *testing.T, driver *fat32.Driver, path string) []string {
	entries, err := driver.ListDirectory(path)
	require.NoError(t, err, "failed to list %s", path)

	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	return names
}

func chainLengthOf(t *testing.T, driver *fat32.Driver, path string) uint32 {
	entry, err := driver.Stat(path)
	require.NoError(t, err)

	length, err := driver.Table().ChainLength(fat32.ClusterID(entry.Stat.FirstCluster))
	require.NoError(t, err)
	return length
}

func assertErrorIs(t *testing.T, err error, target error) bool {
	return assert.Truef(t, errors.Is(err, target), "expected %q, got %v", target, err)
}

////////////////////////////////////////////////////////////////////////////////
// End-to-end scenarios

func TestScenario__CreateReadList(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	require.NoError(t, driver.CreateFile("/a.txt", []byte("hi")))

	data, err := driver.ReadFile("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)

	entries, err := driver.ListDirectory("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
	assert.EqualValues(t, 2, entries[0].Size())
	assert.False(t, entries[0].IsDir())

	// An all-lowercase 8.3 name is stored as a short entry with the NT case
	// flags instead of a long name.
	slot := directorySlot(t, device, driver.BootSector(), rootCluster(driver), 0)
	assert.Equal(t, []byte("A       TXT"), slot[:11])
	assert.EqualValues(t, 0x18, slot[0x0C])
	assert.EqualValues(t, 0, directorySlot(t, device, driver.BootSector(), rootCluster(driver), 1)[0])
}

func TestScenario__DirectoryNotEmpty(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	require.NoError(t, driver.CreateDirectory("/docs"))
	require.NoError(t, driver.CreateFile("/docs/readme.txt", []byte("...")))

	err := driver.DeleteDirectory("/docs")
	assertErrorIs(t, err, fat32fs.ErrDirectoryNotEmpty)
	assert.True(t, driver.PathExists("/docs/readme.txt"))

	require.NoError(t, driver.DeleteFile("/docs/readme.txt"))
	require.NoError(t, driver.DeleteDirectory("/docs"))
	assert.False(t, driver.PathExists("/docs"))
	assert.Empty(t, listNames(t, driver, "/"))
}

func TestScenario__GrowThenShrink(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	clusterSize := int(driver.BootSector().ClusterSize)
	table := driver.Table()

	require.NoError(t, driver.CreateFile("/grow.bin", bytes.Repeat([]byte{1}, 100)))
	assert.EqualValues(t, 1, chainLengthOf(t, driver, "/grow.bin"))

	entry, err := driver.Stat("/grow.bin")
	require.NoError(t, err)
	first := fat32.ClusterID(entry.Stat.FirstCluster)

	// Cross two cluster boundaries upward.
	bigger := bytes.Repeat([]byte{2}, 2*clusterSize+100)
	require.NoError(t, driver.WriteFile("/grow.bin", bigger))
	assert.EqualValues(t, 3, chainLengthOf(t, driver, "/grow.bin"))

	chain, err := table.ListChain(first)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, first, chain[0], "growing a file must keep its first cluster")

	data, err := driver.ReadFile("/grow.bin")
	require.NoError(t, err)
	assert.Equal(t, bigger, data)

	freeBefore, err := table.FreeClusterCount()
	require.NoError(t, err)

	// And back down again.
	smaller := bytes.Repeat([]byte{3}, 10)
	require.NoError(t, driver.WriteFile("/grow.bin", smaller))
	assert.EqualValues(t, 1, chainLengthOf(t, driver, "/grow.bin"))

	freeAfter, err := table.FreeClusterCount()
	require.NoError(t, err)
	assert.Equal(t, freeBefore+2, freeAfter)

	data, err = driver.ReadFile("/grow.bin")
	require.NoError(t, err)
	assert.Equal(t, smaller, data)

	// The freed clusters can be allocated again.
	for _, freed := range chain[1:] {
		value, err := table.NextCluster(freed)
		require.NoError(t, err)
		assert.Equal(t, fat32.FreeCluster, value)

		table.SetCursor(freed)
		allocated, err := table.AllocateCluster()
		require.NoError(t, err)
		assert.Equal(t, freed, allocated)
	}
}

func TestScenario__UnicodeName(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	name := strings.Repeat("データ", 12) + ".txt"
	require.Equal(t, 40, utf8.RuneCountInString(name))

	require.NoError(t, driver.CreateFile("/"+name, []byte("unicode")))
	assert.Equal(t, []string{name}, listNames(t, driver, "/"))

	data, err := driver.ReadFile("/" + name)
	require.NoError(t, err)
	assert.Equal(t, []byte("unicode"), data)

	// 40 UTF-16 code units need four long name entries before the short one.
	boot := driver.BootSector()
	for i := 0; i < 4; i++ {
		assert.EqualValues(
			t, fat32.AttrLongName, directorySlot(t, device, boot, rootCluster(driver), i)[0x0B])
	}
	assert.EqualValues(t, fat32.AttrArchive, directorySlot(t, device, boot, rootCluster(driver), 4)[0x0B])

	ftesting.AssertMirrorsIdentical(t, device, boot)
}

////////////////////////////////////////////////////////////////////////////////
// Properties

// After every write the chain holds the data with no more than one partially
// used cluster.
func TestWriteFile__SizeInvariant(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	clusterSize := uint32(driver.BootSector().ClusterSize)

	require.NoError(t, driver.CreateFile("/f", nil))
	for _, size := range []int{0, 1, 511, 512, 513, 1024, 1025, 5000, 3, 0, 2048} {
		data := bytes.Repeat([]byte{byte(size)}, size)
		require.NoError(t, driver.WriteFile("/f", data), "size %d", size)

		entry, err := driver.Stat("/f")
		require.NoError(t, err)
		chainLength := chainLengthOf(t, driver, "/f")

		fileSize := uint32(entry.Size())
		assert.EqualValues(t, size, fileSize)
		assert.LessOrEqual(t, fileSize, chainLength*clusterSize, "size %d", size)
		if fileSize == 0 {
			assert.EqualValues(t, 0, entry.Stat.FirstCluster, "empty file should have no clusters")
		} else {
			assert.Greater(t, fileSize, (chainLength-1)*clusterSize, "size %d", size)
		}

		readBack, err := driver.ReadFile("/f")
		require.NoError(t, err)
		assert.Equal(t, len(data), len(readBack))
		assert.True(t, bytes.Equal(data, readBack), "size %d: contents differ", size)
	}
}

func TestDeleteFile__Idempotent(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	boot := driver.BootSector()

	require.NoError(t, driver.CreateFile("/Some Long Name.dat", bytes.Repeat([]byte{7}, 1500)))
	entry, err := driver.Stat("/Some Long Name.dat")
	require.NoError(t, err)
	chain, err := driver.Table().ListChain(fat32.ClusterID(entry.Stat.FirstCluster))
	require.NoError(t, err)

	require.NoError(t, driver.DeleteFile("/Some Long Name.dat"))
	snapshot, err := device.Snapshot()
	require.NoError(t, err)

	err = driver.DeleteFile("/Some Long Name.dat")
	assertErrorIs(t, err, fat32fs.ErrNotFound)

	after, err := device.Snapshot()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(snapshot, after), "failed delete modified the volume")

	// The long name entries and the short entry are all tombstoned.
	for i := 0; i < 3; i++ {
		assert.EqualValues(t, 0xE5, directorySlot(t, device, boot, rootCluster(driver), i)[0], "slot %d", i)
	}
	for _, cluster := range chain {
		value, err := driver.Table().NextCluster(cluster)
		require.NoError(t, err)
		assert.Equal(t, fat32.FreeCluster, value)
	}
}

// Tombstoned slots are reused by later entries.
func TestCreateFile__ReusesDeletedSlots(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	require.NoError(t, driver.CreateFile("/one.txt", nil))
	require.NoError(t, driver.CreateFile("/two.txt", nil))
	require.NoError(t, driver.DeleteFile("/one.txt"))
	require.NoError(t, driver.CreateFile("/three.txt", nil))

	slot := directorySlot(t, device, driver.BootSector(), rootCluster(driver), 0)
	assert.Equal(t, []byte("THREE   TXT"), slot[:11])
	assert.Equal(t, []string{"three.txt", "two.txt"}, listNames(t, driver, "/"))
}

////////////////////////////////////////////////////////////////////////////////
// Creation

func TestCreateFile__Conflict(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateFile("/a.txt", []byte("original")))

	for _, path := range []string{"/a.txt", "/A.TXT", "//a.txt"} {
		err := driver.CreateFile(path, []byte("new"))
		assertErrorIs(t, err, fat32fs.ErrExists)
		assertErrorIs(t, err, fat32fs.ErrInvalidName)

		err = driver.CreateDirectory(path)
		assertErrorIs(t, err, fat32fs.ErrExists)
	}

	data, err := driver.ReadFile("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data, "conflicting create overwrote the file")
}

func TestCreateFile__InvalidNames(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	for _, path := range []string{"/bad:name", "/what?", "/trailing.", "/ctrl\x01"} {
		err := driver.CreateFile(path, nil)
		assertErrorIs(t, err, fat32fs.ErrInvalidName)
	}

	err := driver.CreateFile("/"+strings.Repeat("x", 256), nil)
	assertErrorIs(t, err, fat32fs.ErrNameTooLong)

	err = driver.CreateFile("/", nil)
	assertErrorIs(t, err, fat32fs.ErrInvalidArgument)

	err = driver.CreateDirectory("/")
	assertErrorIs(t, err, fat32fs.ErrInvalidArgument)

	free, err := driver.Table().FreeClusterCount()
	require.NoError(t, err)
	assert.EqualValues(t, driver.BootSector().TotalClusters-1, free, "failed creates leaked clusters")
}

func TestCreateFile__MissingParent(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	err := driver.CreateFile("/nope/file.txt", nil)
	assertErrorIs(t, err, fat32fs.ErrNotFound)

	require.NoError(t, driver.CreateFile("/file.txt", nil))
	err = driver.CreateFile("/file.txt/child", nil)
	assertErrorIs(t, err, fat32fs.ErrNotADirectory)
}

func TestCreateFile__Aliases(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	boot := driver.BootSector()

	require.NoError(t, driver.CreateFile("/Long File Name.html", []byte("1")))
	require.NoError(t, driver.CreateFile("/Long File Name 2.html", []byte("2")))

	// Each name takes two long entries plus its short entry.
	assert.Equal(t, []byte("LONGFI~1HTM"), directorySlot(t, device, boot, rootCluster(driver), 2)[:11])
	assert.Equal(t, []byte("LONGFI~2HTM"), directorySlot(t, device, boot, rootCluster(driver), 5)[:11])

	// Both the long name and the alias resolve, ignoring case.
	for path, expected := range map[string]string{
		"/long file name.html": "1",
		"/LONGFI~1.HTM":        "1",
		"/longfi~2.htm":        "2",
	} {
		data, err := driver.ReadFile(path)
		if assert.NoError(t, err, path) {
			assert.Equal(t, expected, string(data), path)
		}
	}

	err := driver.CreateFile("/LONGFI~1.HTM", nil)
	assertErrorIs(t, err, fat32fs.ErrExists)
}

func TestCreateFile__MixedCaseShortName(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)

	require.NoError(t, driver.CreateFile("/ReadMe.md", nil))
	assert.Equal(t, []string{"ReadMe.md"}, listNames(t, driver, "/"))
	assert.True(t, driver.IsFile("/README.MD"))
}

// Directories grow a cluster at a time when they run out of slots.
func TestCreateFile__ExtendsDirectory(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateDirectory("/many"))

	// 16 slots per cluster, 2 taken by `.` and `..`.
	expected := make([]string, 40)
	for i := range expected {
		expected[i] = fmt.Sprintf("f%02d.txt", i)
		require.NoError(t, driver.CreateFile("/many/"+expected[i], []byte(expected[i])))
	}

	assert.Equal(t, expected, listNames(t, driver, "/many"))
	assert.EqualValues(t, 3, chainLengthOf(t, driver, "/many"))

	data, err := driver.ReadFile("/many/f39.txt")
	require.NoError(t, err)
	assert.Equal(t, "f39.txt", string(data))
}

func TestCreateFile__NoSpace(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, 200)
	clusterSize := int(driver.BootSector().ClusterSize)
	total := int(driver.BootSector().TotalClusters)

	err := driver.CreateFile("/huge", make([]byte, total*clusterSize))
	assertErrorIs(t, err, fat32fs.ErrNoSpaceOnDevice)
}

func TestCreateDirectory__DotEntries(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	boot := driver.BootSector()

	require.NoError(t, driver.CreateDirectory("/outer"))
	require.NoError(t, driver.CreateDirectory("/outer/inner"))

	outer, err := driver.Stat("/outer")
	require.NoError(t, err)
	inner, err := driver.Stat("/outer/inner")
	require.NoError(t, err)
	assert.True(t, outer.IsDir())
	assert.EqualValues(t, 0, outer.Size())

	outerCluster := fat32.ClusterID(outer.Stat.FirstCluster)
	innerCluster := fat32.ClusterID(inner.Stat.FirstCluster)
	assert.EqualValues(t, 1, chainLengthOf(t, driver, "/outer"))

	dot := fat32.DecodeRawDirent(directorySlot(t, device, boot, outerCluster, 0))
	dotDot := fat32.DecodeRawDirent(directorySlot(t, device, boot, outerCluster, 1))
	assert.Equal(t, ".", dot.Name.String())
	assert.Equal(t, outerCluster, dot.FirstCluster())
	assert.Equal(t, "..", dotDot.Name.String())
	assert.EqualValues(t, 0, dotDot.FirstCluster(), "`..` of a root subdirectory must be 0")

	innerDotDot := fat32.DecodeRawDirent(directorySlot(t, device, boot, innerCluster, 1))
	assert.Equal(t, outerCluster, innerDotDot.FirstCluster())

	// `.` and `..` are never listed or matched.
	assert.Equal(t, []string{"inner"}, listNames(t, driver, "/outer"))
	assert.Empty(t, listNames(t, driver, "/outer/inner"))
	assert.False(t, driver.PathExists("/outer/inner/.."))
	assert.False(t, driver.PathExists("/outer/."))
}

////////////////////////////////////////////////////////////////////////////////
// Type errors and resolution

func TestDriver__WrongTypeErrors(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateDirectory("/dir"))
	require.NoError(t, driver.CreateFile("/file", []byte("x")))

	_, err := driver.ReadFile("/dir")
	assertErrorIs(t, err, fat32fs.ErrIsADirectory)
	assertErrorIs(t, driver.WriteFile("/dir", nil), fat32fs.ErrIsADirectory)
	assertErrorIs(t, driver.DeleteFile("/dir"), fat32fs.ErrIsADirectory)
	assertErrorIs(t, driver.DeleteDirectory("/file"), fat32fs.ErrNotADirectory)

	_, err = driver.ListDirectory("/file")
	assertErrorIs(t, err, fat32fs.ErrNotADirectory)
	_, err = driver.ReadFile("/file/child")
	assertErrorIs(t, err, fat32fs.ErrNotADirectory)

	assertErrorIs(t, driver.WriteFile("/missing", nil), fat32fs.ErrNotFound)
	assertErrorIs(t, driver.DeleteFile("/missing"), fat32fs.ErrNotFound)
	assertErrorIs(t, driver.DeleteDirectory("/missing"), fat32fs.ErrNotFound)
	_, err = driver.ReadFile("/dir/missing")
	assertErrorIs(t, err, fat32fs.ErrNotFound)

	assertErrorIs(t, driver.DeleteDirectory("/"), fat32fs.ErrInvalidArgument)
	assertErrorIs(t, driver.DeleteFile("/"), fat32fs.ErrInvalidArgument)
}

func TestDriver__PathNormalization(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateDirectory("/Docs"))
	require.NoError(t, driver.CreateFile("/Docs/Notes.TXT", []byte("n")))

	for _, path := range []string{
		"/Docs/Notes.TXT",
		"docs/notes.txt",
		"//DOCS///NOTES.txt/",
	} {
		assert.True(t, driver.IsFile(path), path)
	}

	assert.True(t, driver.PathExists("/"))
	assert.True(t, driver.PathExists(""))
	assert.False(t, driver.IsFile("/"))
	assert.False(t, driver.IsFile("/Docs"))
	assert.False(t, driver.PathExists("/Docs/Notes.TXT/x"))

	root, err := driver.Stat("/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
}

func TestWriteFile__UpdatesMetadataInPlace(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateFile("/log.txt", []byte("one")))
	require.NoError(t, driver.CreateFile("/other.txt", []byte("two")))

	later := fixedTime.Add(48 * time.Hour)
	laterDriver, err := fat32.Mount(device, fat32.WithClock(func() time.Time { return later }))
	require.NoError(t, err)
	require.NoError(t, laterDriver.WriteFile("/log.txt", []byte("one two three")))

	entry, err := laterDriver.Stat("/log.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 13, entry.Size())
	assert.True(t, later.Equal(entry.ModTime()), "mtime not updated: %v", entry.ModTime())

	// The entry was rewritten where it was, not moved.
	assert.Equal(t, []string{"log.txt", "other.txt"}, listNames(t, laterDriver, "/"))
	slot := fat32.DecodeRawDirent(directorySlot(t, device, driver.BootSector(), rootCluster(driver), 0))
	assert.EqualValues(t, 13, slot.FileSize)
}

func TestReadFile__AccessTime(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors, fat32.WithClock(fixedClock))
	require.NoError(t, driver.CreateFile("/a", []byte("x")))

	later := fixedTime.AddDate(0, 0, 3)
	clock := func() time.Time { return later }

	plain, err := fat32.Mount(device, fat32.WithClock(clock))
	require.NoError(t, err)
	_, err = plain.ReadFile("/a")
	require.NoError(t, err)
	entry, err := plain.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, fixedTime.YearDay(), entry.Stat.LastAccessed.YearDay(), "read without atime updates wrote to disk")

	tracking, err := fat32.Mount(device, fat32.WithClock(clock), fat32.WithAccessTimeUpdates(true))
	require.NoError(t, err)
	_, err = tracking.ReadFile("/a")
	require.NoError(t, err)
	entry, err = tracking.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, later.YearDay(), entry.Stat.LastAccessed.YearDay())
}

func TestDriver__Timestamps(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors, fat32.WithClock(fixedClock))
	require.NoError(t, driver.CreateFile("/stamped", nil))

	entry, err := driver.Stat("/stamped")
	require.NoError(t, err)
	assert.True(t, fixedTime.Equal(entry.Stat.CreatedAt), "created: %v", entry.Stat.CreatedAt)
	assert.True(t, fixedTime.Equal(entry.ModTime()), "modified: %v", entry.ModTime())
	assert.EqualValues(t, fat32.AttrArchive, entry.Stat.Attributes)
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle

func TestMount__Persistence(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateDirectory("/keep"))
	require.NoError(t, driver.CreateFile("/keep/me.txt", []byte("still here")))
	require.NoError(t, driver.Unmount())

	remounted, err := fat32.Mount(device)
	require.NoError(t, err)
	data, err := remounted.ReadFile("/keep/me.txt")
	require.NoError(t, err)
	assert.Equal(t, "still here", string(data))
}

func TestMount__NotFAT32(t *testing.T) {
	device, _ := ftesting.CreateRandomDevice(t, 64)
	_, err := fat32.Mount(device)
	assertErrorIs(t, err, fat32fs.ErrFileSystemCorrupted)
}

func TestMount__LogsAtInfo(t *testing.T) {
	device := ftesting.CreateFormattedDevice(
		t, ftesting.DefaultTestVolumeSectors, fat32.FormatOptions{VolumeLabel: "LOGGED"})
	logger, hook := ftesting.NewTestLogger()

	_, err := fat32.Mount(device, fat32.WithLogger(logger))
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "mounted FAT32 volume", entry.Message)
	assert.Equal(t, "LOGGED", entry.Data["label"])
}

func TestUnmount__DisablesDriver(t *testing.T) {
	driver, _ := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateFile("/a", nil))
	require.NoError(t, driver.Unmount())

	_, err := driver.ReadFile("/a")
	assertErrorIs(t, err, fat32fs.ErrInvalidArgument)
	assertErrorIs(t, driver.CreateFile("/b", nil), fat32fs.ErrInvalidArgument)
	assertErrorIs(t, driver.Unmount(), fat32fs.ErrInvalidArgument)
	assert.False(t, driver.PathExists("/a"))
}

// Operations from many goroutines are serialized by the volume lock and none
// of their changes are lost.
func TestDriver__ConcurrentAccess(t *testing.T) {
	driver, device := ftesting.MountFresh(t, ftesting.DefaultTestVolumeSectors)
	require.NoError(t, driver.CreateDirectory("/shared"))

	const workers = 8
	const filesPerWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*filesPerWorker*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < filesPerWorker; i++ {
				path := fmt.Sprintf("/shared/worker %d file %d.dat", worker, i)
				payload := bytes.Repeat([]byte{byte(worker)}, 600+i)
				if err := driver.CreateFile(path, payload); err != nil {
					errs <- err
					continue
				}
				if _, err := driver.ReadFile(path); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Len(t, listNames(t, driver, "/shared"), workers*filesPerWorker)
	report, err := driver.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 0, report.LostClusters)
	ftesting.AssertMirrorsIdentical(t, device, driver.BootSector())
}
