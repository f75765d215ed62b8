// Package fetcher retrieves seed data sources over HTTP, FTP, or the local
// filesystem and reads the tabular and archive formats they ship in.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Resolver maps a source string (http(s)://, ftp://, or a local path) to a
// local file, downloading it into a work directory when remote.
type Resolver struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewResolver returns a Resolver with default HTTP and FTP fetchers.
func NewResolver(userAgent string) *Resolver {
	return &Resolver{
		HTTP: NewHTTPFetcher(HTTPOptions{UserAgent: userAgent}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// Resolve returns a local path for source. Remote sources are written to
// workDir under their URL base name.
func (r *Resolver) Resolve(ctx context.Context, source, workDir string) (string, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, or a Windows drive letter.
		if _, statErr := os.Stat(source); statErr != nil {
			return "", eris.Wrapf(statErr, "fetcher: source %s", source)
		}
		return source, nil
	}

	var f Fetcher
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		f = r.HTTP
	case "ftp":
		f = r.FTP
	case "file":
		return r.Resolve(ctx, u.Path, workDir)
	default:
		return "", eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create work dir")
	}
	dest := filepath.Join(workDir, name)

	n, err := f.DownloadToFile(ctx, source, dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", source)
	}
	zap.L().Info("fetcher: downloaded source",
		zap.String("source", source),
		zap.String("path", dest),
		zap.Int64("bytes", n),
	)
	return dest, nil
}

// writeFile copies body into a new file at path.
func writeFile(body io.Reader, path string) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
