// Package mountpath turns registered volumes into the host paths Docker
// mounts into containers.
package mountpath

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
	"github.com/bentoml/yatai-image-volume/pkg/imagepath"
	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

const defaultConcurrency = 8

// Registry is the part of the volume registry the service reads from.
type Registry interface {
	Get(ctx context.Context, name string) (volumedb.Volume, error)
	List(ctx context.Context) ([]volumedb.Volume, error)
}

// Mount is a volume together with its mount point. Mountpoint is empty when
// the image has not been pulled yet.
type Mount struct {
	Name       string
	Mountpoint string
}

type Opt func(s *Service)

// WithConcurrency limits how many images List resolves at once.
func WithConcurrency(n int) Opt {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

type Service struct {
	registry    Registry
	resolver    imagepath.Resolver
	concurrency int
}

func NewService(registry Registry, resolver imagepath.Resolver, opts ...Opt) *Service {
	s := &Service{
		registry:    registry,
		resolver:    resolver,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MountPath returns the host path backing the volume name.
//
// An unknown volume always fails with volumedb.ErrVolumeNotFound. When the
// image is missing locally, the call fails with imagepath.ErrImageNotFound
// unless suppressImageNotFound is set, in which case ok is false and no error
// is returned.
func (s *Service) MountPath(ctx context.Context, name string, suppressImageNotFound bool) (path string, ok bool, err error) {
	vol, err := s.registry.Get(ctx, name)
	if err != nil {
		return "", false, err
	}
	return s.mountPath(ctx, vol, suppressImageNotFound)
}

func (s *Service) mountPath(ctx context.Context, vol volumedb.Volume, suppressImageNotFound bool) (string, bool, error) {
	imagePath, err := s.resolver.Resolve(ctx, vol.Image)
	if err != nil {
		if suppressImageNotFound && imagepath.IsImageNotFound(err) {
			logger.L().DebugContext(ctx, "Image of volume not available", slog.String("name", vol.Name), slog.String("image", vol.Image))
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "failed to resolve image of volume %s", vol.Name)
	}
	if vol.Path == "" {
		return imagePath, true, nil
	}
	return filepath.Join(imagePath, vol.Path), true, nil
}

// List returns every registered volume with its mount point. Volumes whose
// image is missing are listed without one; any other failure aborts the list.
func (s *Service) List(ctx context.Context) ([]Mount, error) {
	vols, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	mounts := make([]Mount, len(vols))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i, vol := range vols {
		mounts[i].Name = vol.Name
		eg.Go(func() error {
			path, ok, err := s.mountPath(egCtx, vol, true)
			if err != nil {
				return err
			}
			if ok {
				mounts[i].Mountpoint = path
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return mounts, nil
}
