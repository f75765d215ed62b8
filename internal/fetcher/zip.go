package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// IsZIP reports whether path names a ZIP archive.
func IsZIP(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// ExtractZIP unpacks every regular file in the archive under destDir and
// returns their paths in archive order. Boundary archives ship a shapefile
// as several sibling files, so callers usually follow with FindByExt.
func ExtractZIP(archive, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open archive %s", archive)
	}
	defer zr.Close() //nolint:errcheck

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	var out []string
	for _, entry := range zr.File {
		target := filepath.Join(destDir, entry.Name)
		if !strings.HasPrefix(target, root) {
			return out, eris.Errorf("fetcher: archive entry %q escapes %s (zip slip)", entry.Name, destDir)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return out, eris.Wrap(err, "fetcher: mkdir")
			}
			continue
		}
		if err := writeEntry(entry, target); err != nil {
			return out, err
		}
		out = append(out, target)
	}
	return out, nil
}

func writeEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return eris.Wrap(err, "fetcher: mkdir")
	}
	src, err := entry.Open()
	if err != nil {
		return eris.Wrapf(err, "fetcher: open entry %s", entry.Name)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(target)
	if err != nil {
		return eris.Wrapf(err, "fetcher: create %s", target)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close() //nolint:errcheck,gosec
		return eris.Wrapf(err, "fetcher: extract %s", entry.Name)
	}
	return eris.Wrapf(dst.Close(), "fetcher: close %s", target)
}

// FindByExt returns the first path carrying one of exts, case-insensitive.
// Earlier extensions win over later ones.
func FindByExt(paths []string, exts ...string) (string, error) {
	for _, ext := range exts {
		for _, p := range paths {
			if strings.EqualFold(filepath.Ext(p), ext) {
				return p, nil
			}
		}
	}
	return "", eris.Errorf("fetcher: no %s file among %d extracted", strings.Join(exts, "/"), len(paths))
}
