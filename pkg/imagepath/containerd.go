package imagepath

import (
	"context"
	"path/filepath"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/leases"
	"github.com/containerd/containerd/v2/core/mount"
	"github.com/containerd/containerd/v2/core/snapshots"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/distribution/reference"
	"github.com/opencontainers/image-spec/identity"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/bentoml/yatai-image-volume/pkg/common/metrics"
)

const (
	viewKeyPrefix  = "image-volume-view-"
	lowerDirOption = "lowerdir="
)

// containerdClient is the part of the containerd client used by the resolver.
type containerdClient interface {
	GetImage(ctx context.Context, ref string) (containerd.Image, error)
	SnapshotService(snapshotterName string) snapshots.Snapshotter
	WithLease(ctx context.Context, opts ...leases.Opt) (context.Context, func(context.Context) error, error)
}

// ContainerdResolver finds the topmost layer of an image unpacked by a
// containerd snapshotter. This covers Docker daemons running with the
// containerd image store, whose inspect output carries no graph driver data.
type ContainerdResolver struct {
	client      containerdClient
	snapshotter string
	closer      func() error
}

// NewContainerdResolver connects to containerd at address. Requests without a
// namespace use namespace.
func NewContainerdResolver(address, namespace, snapshotter string) (*ContainerdResolver, error) {
	c, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to containerd at %s", address)
	}
	return &ContainerdResolver{
		client:      c,
		snapshotter: snapshotter,
		closer:      c.Close,
	}, nil
}

func newContainerdResolver(c containerdClient, snapshotter string) *ContainerdResolver {
	return &ContainerdResolver{
		client:      c,
		snapshotter: snapshotter,
		closer:      func() error { return nil },
	}
}

func (r *ContainerdResolver) Resolve(ctx context.Context, ref string) (string, error) {
	path, err := r.resolve(ctx, ref)
	switch {
	case err == nil:
		metrics.ImageResolutions.WithLabelValues("containerd", "found").Inc()
	case IsImageNotFound(err):
		metrics.ImageResolutions.WithLabelValues("containerd", "not_found").Inc()
	default:
		metrics.ImageResolutions.WithLabelValues("containerd", "error").Inc()
	}
	return path, err
}

func (r *ContainerdResolver) resolve(ctx context.Context, ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", errors.Wrapf(err, "invalid image reference %s", ref)
	}
	name := named.String()
	logger := log.G(ctx).WithField("image", name).WithField("snapshotter", r.snapshotter)

	img, err := r.client.GetImage(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", imageNotFound(ref)
		}
		return "", errors.Wrapf(err, "failed to get image %s", name)
	}

	diffIDs, err := img.RootFS(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read rootfs of image %s", name)
	}
	if len(diffIDs) == 0 {
		return "", errors.Errorf("image %s has no layers", name)
	}
	chainID := identity.ChainID(diffIDs).String()
	logger = logger.WithField("chainID", chainID)

	sn := r.client.SnapshotService(r.snapshotter)
	if _, err := sn.Stat(ctx, chainID); err != nil {
		if errdefs.IsNotFound(err) {
			logger.Debug("image is not unpacked")
			return "", imageNotFound(ref)
		}
		return "", errors.Wrapf(err, "failed to stat snapshot %s", chainID)
	}

	ctx, done, err := r.client.WithLease(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to create lease")
	}
	defer func() {
		if err := done(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("failed to release lease")
		}
	}()

	key := viewKeyPrefix + xid.New().String()
	mounts, err := sn.View(ctx, key, chainID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to view snapshot %s", chainID)
	}
	defer func() {
		if err := sn.Remove(context.WithoutCancel(ctx), key); err != nil {
			logger.WithError(err).WithField("key", key).Warn("failed to remove view snapshot")
		}
	}()

	dir, err := topLayerDir(mounts)
	if err != nil {
		return "", errors.Wrapf(err, "failed to locate top layer of image %s", name)
	}
	logger.WithField("path", dir).Debug("resolved image layer")
	return dir, nil
}

// topLayerDir picks the directory of the uppermost layer out of the mounts of
// a read-only view. A single-layer view is a bind mount of the layer itself;
// a multi-layer view is an overlay whose first lowerdir is the top layer.
func topLayerDir(mounts []mount.Mount) (string, error) {
	if len(mounts) != 1 {
		return "", errors.Errorf("expected exactly one mount, got %d", len(mounts))
	}
	m := mounts[0]
	var dir string
	switch m.Type {
	case "bind", "rbind":
		dir = m.Source
	case "overlay":
		for _, opt := range m.Options {
			if strings.HasPrefix(opt, lowerDirOption) {
				dir, _, _ = strings.Cut(strings.TrimPrefix(opt, lowerDirOption), ":")
				break
			}
		}
	default:
		return "", errors.Errorf("unsupported mount type %q", m.Type)
	}
	if dir == "" || !filepath.IsAbs(dir) {
		return "", errors.Errorf("no layer directory in %s mount", m.Type)
	}
	return dir, nil
}

func (r *ContainerdResolver) Close() error {
	return r.closer()
}
