// Package fetch downloads media and writes files atomically.
//
// Artifacts of one job are staged in a Batch: each file is written to a
// temporary name next to its destination and only renamed into place by
// Commit. Discard removes everything staged, so a failed job never leaves a
// half-written file at a canonical path.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const tempPattern = ".vidvault-tmp-*"

// Client downloads URLs over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// New returns a Client. A nil httpClient means http.DefaultClient.
func New(httpClient *http.Client, logger *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{httpClient: httpClient, logger: logger}
}

// NewBatch starts an empty staging batch.
func (c *Client) NewBatch() *Batch {
	return &Batch{client: c}
}

type staged struct {
	tmp  string
	dest string
}

// Batch stages files for an all-or-nothing commit. Its methods are safe for
// concurrent use.
type Batch struct {
	client *Client

	mu     sync.Mutex
	files  []staged
	closed bool
}

// Fetch downloads the first URL in urls that answers 200 and stages the body
// for dest. It returns the number of bytes written.
func (b *Batch) Fetch(ctx context.Context, urls []string, dest string) (int64, error) {
	if len(urls) == 0 {
		return 0, errors.Newf("no source URL for %s", filepath.Base(dest))
	}

	var lastErr error
	for _, u := range urls {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		n, err := b.fetchOne(ctx, u, dest)
		if err == nil {
			b.client.logger.Debugw("fetched", "dest", dest, "size", humanize.Bytes(uint64(n)))
			return n, nil
		}
		b.client.logger.Debugw("mirror failed", "url", u, "error", err)
		lastErr = err
	}
	return 0, errors.Wrapf(lastErr, "downloading %s (%d mirrors tried)", filepath.Base(dest), len(urls))
}

func (b *Batch) fetchOne(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building request")
	}

	resp, err := b.client.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, errors.Newf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := b.createTemp(dest)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.drop(tmp.Name())
		return 0, errors.Wrap(err, "writing body")
	}
	return n, nil
}

// Put stages data for dest.
func (b *Batch) Put(dest string, data []byte) error {
	tmp, err := b.createTemp(dest)
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.drop(tmp.Name())
		return errors.Wrapf(err, "writing %s", filepath.Base(dest))
	}
	return nil
}

func (b *Batch) createTemp(dest string) (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("batch already committed or discarded")
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, errors.Wrapf(err, "creating temp file for %s", filepath.Base(dest))
	}
	b.files = append(b.files, staged{tmp: tmp.Name(), dest: dest})
	return tmp, nil
}

func (b *Batch) drop(tmp string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, f := range b.files {
		if f.tmp == tmp {
			b.files = append(b.files[:i], b.files[i+1:]...)
			break
		}
	}
	os.Remove(tmp)
}

// Commit renames every staged file into place. If ctx is already done the
// batch is discarded instead. If a rename fails the remaining staged files
// are removed and the error is returned.
func (b *Batch) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("batch already committed or discarded")
	}
	b.closed = true

	if err := ctx.Err(); err != nil {
		removeStaged(b.files)
		b.files = nil
		return err
	}

	for i, f := range b.files {
		if err := os.Chmod(f.tmp, 0o644); err != nil {
			removeStaged(b.files[i:])
			return errors.Wrapf(err, "chmod %s", filepath.Base(f.dest))
		}
		if err := os.Rename(f.tmp, f.dest); err != nil {
			removeStaged(b.files[i:])
			return errors.Wrapf(err, "moving %s into place", filepath.Base(f.dest))
		}
	}
	b.files = nil
	return nil
}

// Discard removes every staged file. It is a no-op after Commit.
func (b *Batch) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	removeStaged(b.files)
	b.files = nil
}

func removeStaged(files []staged) {
	for _, f := range files {
		os.Remove(f.tmp)
	}
}

// WriteFile writes data to path through a temp file and rename.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create parent for %s", path)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "write temp file for %s", path)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "chmod temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "atomic rename for %s", path)
	}
	return nil
}

// Exists reports whether every path names an existing regular file.
func Exists(paths ...string) bool {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}
