package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractZIP_Shapefile(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"MDB_Local_Municipal_Boundary_2018/LM.shp": "shp",
		"MDB_Local_Municipal_Boundary_2018/LM.shx": "shx",
		"MDB_Local_Municipal_Boundary_2018/LM.dbf": "dbf",
	})

	destDir := t.TempDir()
	extracted, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	assert.Len(t, extracted, 3)

	shp, err := FindByExt(extracted, ".shp")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "MDB_Local_Municipal_Boundary_2018", "LM.shp"), shp)

	data, err := os.ReadFile(shp)
	require.NoError(t, err)
	assert.Equal(t, "shp", string(data))
}

func TestExtractZIP_ZipSlip(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"../../evil.txt": "x"})
	_, err := ExtractZIP(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractZIP_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := ExtractZIP(path, t.TempDir())
	require.Error(t, err)
}

func TestFindByExt_Preference(t *testing.T) {
	paths := []string{"/x/readme.txt", "/x/munis.CSV", "/x/munis.xlsx"}

	got, err := FindByExt(paths, ".xlsx", ".csv")
	require.NoError(t, err)
	assert.Equal(t, "/x/munis.xlsx", got)

	got, err = FindByExt(paths, ".csv")
	require.NoError(t, err)
	assert.Equal(t, "/x/munis.CSV", got)

	_, err = FindByExt(paths, ".shp")
	require.Error(t, err)
}

func TestIsZIP(t *testing.T) {
	assert.True(t, IsZIP("/tmp/MDB.ZIP"))
	assert.False(t, IsZIP("/tmp/munis.csv"))
}
