package volumedb

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/distribution/reference"
	"github.com/pkg/errors"

	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
)

// DefaultTag is appended to image references that carry neither a tag nor a
// digest.
const DefaultTag = "latest"

// NormalizeImage validates ref and makes sure it names a specific tag. The
// caller's spelling is otherwise preserved, so "alpine" becomes
// "alpine:latest" rather than a fully qualified name.
func NormalizeImage(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", errors.Errorf("invalid image reference %q: %v", ref, err)
	}
	if _, ok := named.(reference.Tagged); ok {
		return ref, nil
	}
	if _, ok := named.(reference.Digested); ok {
		return ref, nil
	}
	return ref + ":" + DefaultTag, nil
}

// CleanPath validates the optional subdirectory of a volume. It must stay
// inside the layer it is joined to.
func CleanPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if !filepath.IsLocal(path) {
		return "", errors.Errorf("path %q must be relative to the image layer", path)
	}
	return filepath.Clean(path), nil
}

// Create registers a new volume. Names are never overwritten: creating a name
// that already exists fails with ErrVolumeExists.
func (db *DB) Create(ctx context.Context, name, image, path string) (Volume, error) {
	if name == "" {
		return Volume{}, opErr("create", name, ErrInvalidParameter, errors.New("volume name is required"))
	}
	image, err := NormalizeImage(image)
	if err != nil {
		return Volume{}, opErr("create", name, ErrInvalidParameter, err)
	}
	path, err = CleanPath(path)
	if err != nil {
		return Volume{}, opErr("create", name, ErrInvalidParameter, err)
	}

	vol := Volume{Name: name, Image: image, Path: path}
	err = db.Update(ctx, func(volumes *Volumes) error {
		if existing, ok := volumes.Get(name); ok {
			return opErr("create", name, ErrVolumeExists, errors.Errorf("bound to image %s", existing.Image))
		}
		volumes.Set(vol)
		return nil
	})
	if err != nil {
		return Volume{}, err
	}
	logger.L().InfoContext(ctx, "Volume created", slog.String("name", name), slog.String("image", image), slog.String("path", path))
	return vol, nil
}

// Remove unregisters a volume. Removing an unknown name is not an error and
// leaves the backing store untouched.
func (db *DB) Remove(ctx context.Context, name string) (err error) {
	h, err := db.Open(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if !h.Volumes().Delete(name) {
		logger.L().DebugContext(ctx, "Volume already removed", slog.String("name", name))
		return nil
	}
	if err := h.Commit(); err != nil {
		return err
	}
	logger.L().InfoContext(ctx, "Volume removed", slog.String("name", name))
	return nil
}

// Get returns the volume registered under name.
func (db *DB) Get(ctx context.Context, name string) (Volume, error) {
	var vol Volume
	err := db.View(ctx, func(volumes *Volumes) error {
		var ok bool
		vol, ok = volumes.Get(name)
		if !ok {
			return opErr("get", name, ErrVolumeNotFound, nil)
		}
		return nil
	})
	return vol, err
}

// List returns every registered volume ordered by name.
func (db *DB) List(ctx context.Context) ([]Volume, error) {
	var vols []Volume
	err := db.View(ctx, func(volumes *Volumes) error {
		vols = volumes.All()
		return nil
	})
	return vols, err
}
