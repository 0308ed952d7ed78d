package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP offsite store.
type FTPOptions struct {
	Addr     string // host[:port]
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTPObjects stores offsite copies on an FTP server, one connection per
// operation.
type FTPObjects struct {
	opts FTPOptions
}

// NewFTPObjects returns an FTP-backed object store.
func NewFTPObjects(opts FTPOptions) *FTPObjects {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	if _, _, err := net.SplitHostPort(opts.Addr); err != nil {
		opts.Addr = net.JoinHostPort(opts.Addr, "21")
	}
	return &FTPObjects{opts: opts}
}

func (f *FTPObjects) connect(ctx context.Context) (*ftp.ServerConn, error) {
	zap.L().Debug("ftp: connecting", zap.String("addr", f.opts.Addr))
	conn, err := ftp.Dial(f.opts.Addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp: dial")
	}
	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "ftp: login")
	}
	return conn, nil
}

func (f *FTPObjects) remote(key string) string {
	if f.opts.Dir == "" {
		return key
	}
	return path.Join(f.opts.Dir, key)
}

func (f *FTPObjects) Put(ctx context.Context, key string, data []byte) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit() //nolint:errcheck
	if err := conn.Stor(f.remote(key), bytes.NewReader(data)); err != nil {
		return eris.Wrapf(err, "ftp: store %s", key)
	}
	return nil
}

func (f *FTPObjects) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	resp, err := conn.Retr(f.remote(key))
	if err != nil {
		if isFTPNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, eris.Wrapf(err, "ftp: retrieve %s", key)
	}
	defer resp.Close() //nolint:errcheck
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: read %s", key)
	}
	return data, nil
}

// List returns regular files in the configured directory whose name starts
// with prefix.
func (f *FTPObjects) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	dir := f.opts.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := conn.List(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: list %s", dir)
	}
	var out []ObjectInfo
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile || !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		out = append(out, ObjectInfo{Key: e.Name, Size: int64(e.Size), Modified: e.Time.UTC()})
	}
	return out, nil
}

func (f *FTPObjects) Delete(ctx context.Context, key string) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit() //nolint:errcheck
	if err := conn.Delete(f.remote(key)); err != nil && !isFTPNotFound(err) {
		return eris.Wrapf(err, "ftp: delete %s", key)
	}
	return nil
}

// isFTPNotFound reports a 550 "file unavailable" reply.
func isFTPNotFound(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}
