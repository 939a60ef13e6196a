package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/kneutral-org/lockguard/internal/guard"
)

// FileProvider implements guard.LockProvider with advisory file locks in a
// shared directory, one file per key. It coordinates processes on one host
// (or a filesystem with working flock semantics). Locks end with Release or
// with the holding process, so LeaseDuration is not enforced.
//
// Supported modes: auto, write, read (shared lock).
type FileProvider struct {
	dir          string
	pollInterval time.Duration
}

// FileOption configures a FileProvider.
type FileOption func(*FileProvider)

// WithFilePollInterval sets how often a blocking acquisition retries.
func WithFilePollInterval(d time.Duration) FileOption {
	return func(p *FileProvider) {
		p.pollInterval = d
	}
}

// NewFileProvider creates a provider storing lock files under dir.
func NewFileProvider(dir string, opts ...FileOption) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	p := &FileProvider{
		dir:          dir,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type fileHandle struct {
	key      string
	flock    *flock.Flock
	released atomic.Bool
}

func (h *fileHandle) Key() string {
	return h.key
}

// Path returns the lock file used for key.
func (p *FileProvider) Path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+".lock")
}

// SupportsMode implements guard.ModeChecker.
func (p *FileProvider) SupportsMode(m guard.Mode) bool {
	return m == guard.ModeAuto || m == guard.ModeWrite || m == guard.ModeRead
}

// Acquire implements guard.LockProvider.
func (p *FileProvider) Acquire(ctx context.Context, req guard.AcquireRequest) (guard.Handle, bool, error) {
	if !p.SupportsMode(req.Mode) {
		return nil, false, unsupported("file", req.Mode)
	}
	shared := req.Mode == guard.ModeRead

	fl := flock.New(p.Path(req.Key))
	ok, err := poll(ctx, req, p.pollInterval, func(context.Context) (bool, error) {
		if shared {
			return fl.TryRLock()
		}
		return fl.TryLock()
	})
	if err != nil || !ok {
		_ = fl.Close()
		return nil, false, err
	}
	return &fileHandle{key: req.Key, flock: fl}, true, nil
}

// Release implements guard.LockProvider.
func (p *FileProvider) Release(_ context.Context, h guard.Handle) error {
	fh, ok := h.(*fileHandle)
	if !ok {
		return ErrForeignHandle
	}
	if !fh.released.CompareAndSwap(false, true) {
		return nil
	}
	return fh.flock.Unlock()
}
