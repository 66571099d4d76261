package bbpdir

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	return Header{
		GDKVersion: VersionCurrent,
		PtrSize:    8,
		OidSize:    8,
		MaxIntSize: 16,
		Size:       10,
		LogSeqNo:   7,
		TransID:    42,
	}
}

func sampleEntry(id uint32, name string, count int64) DirEntry {
	minpos, maxpos := int64(-1), int64(-1)
	return DirEntry{
		ID:          id,
		Status:      0x1,
		Logical:     name,
		Physical:    "00/" + name,
		Props:       "",
		Count:       count,
		Capacity:    count,
		HSeqBase:    0,
		Type:        "int",
		Width:       4,
		Var:         false,
		Flags:       0,
		NoKey0:      0,
		NoKey1:      0,
		NoSorted:    0,
		NoRevSorted: 0,
		SeqBase:     0,
		HeapFree:    count * 4,
		HeapSize:    count * 4,
		MinPos:      &minpos,
		MaxPos:      &maxpos,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := sampleHeader()
	entries := []DirEntry{
		sampleEntry(1, "t1", 4),
		sampleEntry(3, "t3", 8),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteDir(&buf, h, nil, entries))

	gotHeader, gotEntries, err := ReadDir(&buf)
	require.NoError(t, err)
	require.Equal(t, h.Size, gotHeader.Size)
	require.Equal(t, h.LogSeqNo, gotHeader.LogSeqNo)
	require.Equal(t, h.TransID, gotHeader.TransID)
	require.Equal(t, VersionCurrent, gotHeader.GDKVersion)
	require.Len(t, gotEntries, 2)
	require.Equal(t, "t1", gotEntries[0].Logical)
	require.Equal(t, int64(4), gotEntries[0].Count)
	require.Equal(t, "t3", gotEntries[1].Logical)
}

func TestSubcommitPreservesUntouchedEntriesByteIdentical(t *testing.T) {
	h := sampleHeader()
	old := []DirEntry{
		sampleEntry(1, "t1", 4),
		sampleEntry(2, "t2", 5),
		sampleEntry(3, "t3", 8),
	}

	var oldBuf bytes.Buffer
	require.NoError(t, WriteDir(&oldBuf, h, nil, old))
	_, parsedOld, err := ReadDir(bytes.NewReader(oldBuf.Bytes()))
	require.NoError(t, err)

	// Subcommit touches only id 2.
	overrides := []DirEntry{sampleEntry(2, "t2", 99)}

	var newBuf bytes.Buffer
	require.NoError(t, WriteDir(&newBuf, h, parsedOld, overrides))

	_, gotEntries, err := ReadDir(bytes.NewReader(newBuf.Bytes()))
	require.NoError(t, err)
	require.Len(t, gotEntries, 3)
	require.Equal(t, int64(4), gotEntries[0].Count)  // t1 untouched
	require.Equal(t, int64(99), gotEntries[1].Count) // t2 overwritten
	require.Equal(t, int64(8), gotEntries[2].Count)  // t3 untouched

	// The untouched lines must also be textually identical to the
	// original serialization of those entries.
	oldLines := strings.Split(strings.TrimRight(oldBuf.String(), "\n"), "\n")
	newLines := strings.Split(strings.TrimRight(newBuf.String(), "\n"), "\n")
	require.Equal(t, oldLines[4], newLines[4]) // t1 line, after 4 header lines
	require.Equal(t, oldLines[6], newLines[6]) // t3 line
}

func TestRejectsUnacceptedVersion(t *testing.T) {
	bad := "BBP.dir, GDKversion 1\n8 8 16\nBBPsize=1\nBBPinfo=0 0\n"
	_, _, err := ReadDir(strings.NewReader(bad))
	require.Error(t, err)
}

func TestRejectsEntryIDBeyondBBPsize(t *testing.T) {
	h := sampleHeader()
	h.Size = 2
	var buf bytes.Buffer
	require.NoError(t, WriteDir(&buf, h, nil, []DirEntry{sampleEntry(5, "oops", 1)}))
	_, _, err := ReadDir(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}

func TestPreMinMaxPosDirectoryOmitsMinMaxFields(t *testing.T) {
	old := "BBP.dir, GDKversion 60\n8 8 16\nBBPsize=2\nBBPinfo=0 0\n" +
		"1 1 t1 00/t1 - 4 4 0 int 4 0 0 0 0 0 0 0 4 16 0\n"
	_, entries, err := ReadDir(strings.NewReader(old))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].MinPos)
	require.Nil(t, entries[0].MaxPos)
}

func TestSignalFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.False(t, HasSignal(dir))
	require.NoError(t, WriteSignal(dir))
	require.True(t, HasSignal(dir))
	require.NoError(t, ClearSignal(dir))
	require.False(t, HasSignal(dir))
}
