package fileutils_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packmule/packmule/util/fileutils"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestUnzip(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "pack.zip")
	writeZip(t, archive, map[string]string{
		"manifest.json":          `{"name": "Pack"}`,
		"overrides/config/a.cfg": "A=1",
	})

	dest := filepath.Join(tmp, "unpacked")
	require.NoError(t, fileutils.Unzip(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"name": "Pack"}`, string(data))
	assert.FileExists(t, filepath.Join(dest, "overrides", "config", "a.cfg"))
}

func TestUnzipRejectsEscapingEntries(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "evil.zip")
	writeZip(t, archive, map[string]string{"../evil.txt": "boom"})

	dest := filepath.Join(tmp, "inner", "unpacked")
	err := fileutils.Unzip(archive, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
	assert.NoFileExists(t, filepath.Join(tmp, "inner", "evil.txt"))
}

func TestCopyFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src.jar")
	require.NoError(t, os.WriteFile(src, []byte("bytes"), 0o644))

	dest := filepath.Join(tmp, "dest.jar")
	require.NoError(t, fileutils.CopyFile(src, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))

	require.NoError(t, os.WriteFile(src, []byte("new bytes"), 0o644))
	require.NoError(t, fileutils.CopyFile(src, dest))
	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new bytes", string(data))
}

func TestMergeTreeKeepsExistingFiles(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config", "a.cfg"), []byte("pack-default"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config", "b.cfg"), []byte("pack-new"), 0o644))

	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "config", "a.cfg"), []byte("user-edited"), 0o644))

	require.NoError(t, fileutils.MergeTree(src, dest))

	data, err := os.ReadFile(filepath.Join(dest, "config", "a.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "user-edited", string(data), "existing files are never clobbered")

	data, err = os.ReadFile(filepath.Join(dest, "config", "b.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "pack-new", string(data))
}

func TestMergeTreeMissingSourceIsNoop(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, fileutils.MergeTree(filepath.Join(dest, "does-not-exist"), dest))
}

func TestWriteFileAtomic(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "doc.json")

	require.NoError(t, fileutils.WriteFileAtomic(path, []byte("v1"), 0o644))
	require.NoError(t, fileutils.WriteFileAtomic(path, []byte("v2"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	leftovers, err := filepath.Glob(filepath.Join(tmp, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
