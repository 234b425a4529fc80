// Package volumedb persists the mapping from volume names to the images
// backing them.
//
// The registry is a single JSON file. Every access goes through a Handle that
// holds a flock(2) on a sidecar lock file for its whole lifetime: shared for
// ReadOnly handles, exclusive for ReadWrite handles. The lock is honoured by
// every process that shares the file, so two plugin instances overlapping
// during a restart still see a coherent registry.
package volumedb

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
	"github.com/bentoml/yatai-image-volume/pkg/common/metrics"
)

const (
	// DefaultLockTimeout bounds how long Open waits for the registry lock.
	DefaultLockTimeout = 10 * time.Second

	lockSuffix     = ".lock"
	lockRetryDelay = 50 * time.Millisecond
	storeFileMode  = 0o644
	storeDirMode   = 0o755
)

// Mode selects the kind of lock a Handle holds.
type Mode int

const (
	// ReadOnly handles share the lock with other readers and never persist.
	ReadOnly Mode = iota
	// ReadWrite handles hold the lock exclusively and may Commit.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Opt configures a DB.
type Opt func(db *DB) error

// WithLockTimeout sets how long Open waits for the registry lock before
// failing with ErrRegistryUnavailable.
func WithLockTimeout(timeout time.Duration) Opt {
	return func(db *DB) error {
		if timeout <= 0 {
			return errors.Errorf("lock timeout must be positive, got %s", timeout)
		}
		db.lockTimeout = timeout
		return nil
	}
}

// DB is a volume registry backed by a file.
type DB struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
}

// New returns a registry stored at path. Nothing is created on disk until the
// first ReadWrite handle is opened.
func New(path string, opts ...Opt) (*DB, error) {
	if path == "" {
		return nil, errors.New("volume registry path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve volume registry path %s", path)
	}
	db := &DB{
		path:        abs,
		lockPath:    abs + lockSuffix,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		if err := opt(db); err != nil {
			return nil, errors.Wrap(err, "failed to apply option")
		}
	}
	return db, nil
}

// Path returns the absolute path of the backing store.
func (db *DB) Path() string {
	return db.path
}

// Open locks the registry in the given mode and loads the current contents.
// The returned Handle must be closed; Close releases the lock on every path.
func (db *DB) Open(ctx context.Context, mode Mode) (*Handle, error) {
	started := time.Now()
	lock, err := db.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	metrics.RegistryLockWait.WithLabelValues(mode.String()).Observe(time.Since(started).Seconds())

	volumes, err := db.load()
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}

	logger.L().DebugContext(ctx, "Opened volume registry", slog.String("path", db.path), slog.String("mode", mode.String()), slog.Int("volumes", volumes.Len()))
	return &Handle{
		db:      db,
		mode:    mode,
		lock:    lock,
		volumes: volumes,
	}, nil
}

// View runs fn against a read-only snapshot of the registry.
func (db *DB) View(ctx context.Context, fn func(volumes *Volumes) error) (err error) {
	h, err := db.Open(ctx, ReadOnly)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(h.Volumes())
}

// Update runs fn with exclusive access to the registry and persists the
// result if fn returns nil. Any error or panic in fn discards the changes.
func (db *DB) Update(ctx context.Context, fn func(volumes *Volumes) error) (err error) {
	h, err := db.Open(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := fn(h.Volumes()); err != nil {
		return err
	}
	return h.Commit()
}

// acquire returns the held lock, or nil when a read-only open finds neither
// the store nor its lock file and therefore has nothing to protect.
func (db *DB) acquire(ctx context.Context, mode Mode) (*flock.Flock, error) {
	if mode == ReadOnly && !exists(db.lockPath) && !exists(db.path) {
		return nil, nil
	}
	if mode == ReadWrite {
		if err := os.MkdirAll(filepath.Dir(db.path), storeDirMode); err != nil {
			return nil, opErr("open", "", ErrRegistryUnavailable, errors.Wrap(err, "failed to create registry directory"))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, db.lockTimeout)
	defer cancel()

	// The lock file is as readable as the store so that other users can hold
	// shared locks on it. flock(2) does not need write access for that.
	lockOpts := []flock.Option{flock.SetPermissions(storeFileMode)}
	if mode == ReadOnly && exists(db.lockPath) {
		lockOpts = append(lockOpts, flock.SetFlag(os.O_RDONLY))
	}
	lock := flock.New(db.lockPath, lockOpts...)
	var locked bool
	var err error
	if mode == ReadWrite {
		locked, err = lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, opErr("open", "", ErrRegistryUnavailable, errors.Wrapf(err, "timed out waiting for %s lock on %s", mode, db.lockPath))
		}
		return nil, opErr("open", "", ErrRegistryUnavailable, errors.Wrapf(err, "failed to lock %s", db.lockPath))
	}
	if !locked {
		return nil, opErr("open", "", ErrRegistryUnavailable, errors.Errorf("could not lock %s", db.lockPath))
	}
	return lock, nil
}

func (db *DB) load() (*Volumes, error) {
	data, err := os.ReadFile(db.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newVolumes(), nil
		}
		return nil, opErr("open", "", ErrRegistryUnavailable, errors.Wrapf(err, "failed to read %s", db.path))
	}
	volumes := newVolumes()
	if err := json.Unmarshal(data, volumes); err != nil {
		return nil, opErr("open", "", ErrCorruptRegistry, errors.Wrapf(err, "failed to load %s", db.path))
	}
	return volumes, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Handle is an open, locked view of the registry. It is not safe for
// concurrent use; open one handle per goroutine instead.
type Handle struct {
	db      *DB
	mode    Mode
	lock    *flock.Flock
	volumes *Volumes
	closed  bool
}

// Mode returns the lock mode the handle was opened with.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Volumes returns the in-memory registry. Changes are only persisted by
// Commit on a ReadWrite handle.
func (h *Handle) Volumes() *Volumes {
	return h.volumes
}

// Commit writes the full registry to the backing store while the exclusive
// lock is still held. The file is replaced atomically.
func (h *Handle) Commit() error {
	if h.closed {
		return errors.New("volume registry handle is closed")
	}
	if h.mode != ReadWrite {
		return errors.New("cannot commit a read-only volume registry handle")
	}
	data, err := json.MarshalIndent(h.volumes, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to encode volumes")
	}
	if err := atomicwriter.WriteFile(h.db.path, data, storeFileMode); err != nil {
		return opErr("commit", "", ErrRegistryUnavailable, errors.Wrapf(err, "failed to write %s", h.db.path))
	}
	return nil
}

// Close discards uncommitted changes and releases the lock. It is safe to
// call more than once.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.volumes = nil
	if h.lock == nil {
		return nil
	}
	if err := h.lock.Unlock(); err != nil {
		return opErr("close", "", ErrRegistryUnavailable, errors.Wrapf(err, "failed to unlock %s", h.db.lockPath))
	}
	return nil
}
