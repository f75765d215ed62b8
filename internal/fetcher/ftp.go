package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/seemycity/muni-health/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
	Backoff resilience.Backoff // applied to dial and login only
}

// FTPFetcher retrieves seed files from FTP mirrors. Credentials come from
// the URL; without them the session logs in anonymously.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher fills zero options with a 30s timeout and two connection
// attempts.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff.Attempts == 0 {
		opts.Backoff = resilience.Backoff{Attempts: 2, Initial: 2 * time.Second, Max: 10 * time.Second, Factor: 2, Jitter: 0.3}
		opts.Backoff.OnRetry = resilience.LogRetries("seed-source", "ftp-connect")
	}
	return &FTPFetcher{opts: opts}
}

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

func parseFTPURL(raw string) (ftpTarget, error) {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return ftpTarget{}, eris.Wrap(err, "fetcher: parse ftp url")
	case u.Scheme != "ftp":
		return ftpTarget{}, eris.Errorf("fetcher: expected ftp scheme, got %q", u.Scheme)
	case u.Path == "":
		return ftpTarget{}, eris.Errorf("fetcher: ftp url %s has no path", raw)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "21")
	}
	t := ftpTarget{host: host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if name := u.User.Username(); name != "" {
		t.user = name
		t.password, _ = u.User.Password()
	}
	return t, nil
}

// ftpBody quits the session when the transfer is closed.
type ftpBody struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	return eris.Wrap(errors.Join(b.Response.Close(), b.conn.Quit()), "fetcher: close ftp transfer")
}

func (f *FTPFetcher) connect(ctx context.Context, t ftpTarget) (*ftp.ServerConn, error) {
	return resilience.Retry(ctx, f.opts.Backoff, func(ctx context.Context) (*ftp.ServerConn, error) {
		conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: ftp dial %s", t.host)
		}
		if err := conn.Login(t.user, t.password); err != nil {
			_ = conn.Quit()
			return nil, eris.Wrapf(err, "fetcher: ftp login as %s", t.user)
		}
		return conn, nil
	})
}

// Download opens a transfer of the file named by ftpURL. Closing the
// returned reader ends the FTP session.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	t, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("fetcher: ftp retrieve", zap.String("host", t.host), zap.String("path", t.path))

	conn, err := f.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(t.path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "fetcher: ftp retrieve %s", t.path)
	}
	return &ftpBody{Response: resp, conn: conn}, nil
}

// DownloadToFile saves the FTP file at path and returns the bytes written.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, ftpURL string, path string) (int64, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck

	return writeFile(rc, path)
}
