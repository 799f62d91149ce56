package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
)

// FTPOptions configures the FTP client.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPFetcher downloads files over FTP. Some state market boards still publish
// price bulletins on plain FTP drops.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates a new FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("empty path in ftp url")
	}

	return host, path, nil
}

// Download retrieves the file at an ftp:// URL with anonymous login.
func (f *FTPFetcher) Download(ctx context.Context, rawURL string) ([]byte, error) {
	host, path, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, err := ftp.Dial(host,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(f.opts.Timeout),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: dial %s", host)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, eris.Wrapf(err, "ftp: login %s", host)
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: retrieve %s", path)
	}
	defer resp.Close() //nolint:errcheck

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: read %s", path)
	}
	return body, nil
}
