package fileutils_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packmule/packmule/util/fileutils"
)

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec := &fileutils.Record{
		PackProject: 275351,
		PackFile:    2640809,
		PackName:    "FTB Revelation",
		PackVersion: "3.4.0",
		Minecraft:   "1.12.2",
		Forge:       "14.23.5.2854",
		Files: []fileutils.RecordFile{
			{ProjectID: 1, FileID: 100, FileName: "mod-a.jar"},
			{ProjectID: 2, FileID: 250, FileName: "mod-b.jar", Fallback: true},
		},
	}
	require.NoError(t, fileutils.SaveRecord(dir, rec))
	assert.FileExists(t, filepath.Join(dir, fileutils.RecordName))
	assert.False(t, rec.Updated.IsZero())

	loaded, err := fileutils.LoadRecord(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec.PackName, loaded.PackName)
	assert.Equal(t, rec.Minecraft, loaded.Minecraft)
	assert.Equal(t, rec.Files, loaded.Files)
}

func TestLoadRecordMissing(t *testing.T) {
	rec, err := fileutils.LoadRecord(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecordPutReplacesByProject(t *testing.T) {
	rec := &fileutils.Record{}
	rec.Put(fileutils.RecordFile{ProjectID: 1, FileID: 100, FileName: "mod-a-1.0.jar"})
	rec.Put(fileutils.RecordFile{ProjectID: 1, FileID: 120, FileName: "mod-a-1.1.jar"})
	rec.Put(fileutils.RecordFile{ProjectID: 2, FileID: 200, FileName: "mod-b.jar"})

	require.Len(t, rec.Files, 2)
	f, ok := rec.ByProject(1)
	require.True(t, ok)
	assert.Equal(t, int64(120), f.FileID)

	_, ok = rec.ByFileName("mod-b.jar")
	assert.True(t, ok)
	_, ok = rec.ByFileName("mod-a-1.0.jar")
	assert.False(t, ok)
}

func TestRecordDrop(t *testing.T) {
	rec := &fileutils.Record{Files: []fileutils.RecordFile{
		{ProjectID: 1, FileID: 100},
		{ProjectID: 2, FileID: 200},
	}}

	rec.Drop(1)
	require.Len(t, rec.Files, 1)
	_, ok := rec.ByProject(1)
	assert.False(t, ok)

	rec.Drop(99)
	assert.Len(t, rec.Files, 1)
}
