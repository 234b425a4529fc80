// Package imagepath finds the topmost layer directory of a locally stored
// container image. Only that layer is exposed: application state written by
// a container runtime ends up there, so the lower read-only layers are never
// merged in.
package imagepath

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/bentoml/yatai-image-volume/pkg/common/config"
)

// ErrImageNotFound is returned when the runtime has no local copy of an image.
const ErrImageNotFound notFoundError = "image not found"

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

func (notFoundError) NotFound() {}

// IsImageNotFound reports whether err means the image is not available
// locally.
func IsImageNotFound(err error) bool {
	return errors.Is(err, ErrImageNotFound)
}

func imageNotFound(ref string) error {
	return errors.Wrapf(ErrImageNotFound, "%s", ref)
}

// Resolver translates an image reference into the absolute path of the
// image's topmost layer.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveCloser is a Resolver holding a runtime connection.
type ResolveCloser interface {
	Resolver
	io.Closer
}

// New connects to the runtime selected by cfg.
func New(cfg *config.Config) (ResolveCloser, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker:
		return NewDockerResolverFromEnv()
	case config.RuntimeContainerd:
		return NewContainerdResolver(cfg.Containerd.Address, cfg.Containerd.Namespace, cfg.Containerd.Snapshotter)
	default:
		return nil, errors.Errorf("unsupported runtime: %s", cfg.Runtime)
	}
}
