package imagepath

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/pkg/errors"

	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
	"github.com/bentoml/yatai-image-volume/pkg/common/metrics"
)

const upperDirKey = "UpperDir"

// ImageInspector is the part of the Docker client used to look images up.
type ImageInspector interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// DockerResolver reads the upper directory the Docker graph driver reports
// for an image.
type DockerResolver struct {
	client ImageInspector
	closer func() error
}

func NewDockerResolver(inspector ImageInspector) *DockerResolver {
	return &DockerResolver{
		client: inspector,
		closer: func() error { return nil },
	}
}

// NewDockerResolverFromEnv connects to the daemon named by DOCKER_HOST and
// friends.
func NewDockerResolverFromEnv() (*DockerResolver, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}
	return &DockerResolver{
		client: dockerClient,
		closer: dockerClient.Close,
	}, nil
}

func (r *DockerResolver) Resolve(ctx context.Context, ref string) (string, error) {
	inspect, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			metrics.ImageResolutions.WithLabelValues("docker", "not_found").Inc()
			return "", imageNotFound(ref)
		}
		metrics.ImageResolutions.WithLabelValues("docker", "error").Inc()
		return "", errors.Wrapf(err, "failed to inspect image %s", ref)
	}

	upperDir := inspect.GraphDriver.Data[upperDirKey]
	if upperDir == "" || !filepath.IsAbs(upperDir) {
		metrics.ImageResolutions.WithLabelValues("docker", "error").Inc()
		return "", errors.Errorf("image %s has no upper layer directory (graph driver %q)", ref, inspect.GraphDriver.Name)
	}

	metrics.ImageResolutions.WithLabelValues("docker", "found").Inc()
	logger.L().DebugContext(ctx, "Resolved image layer", slog.String("image", ref), slog.String("driver", inspect.GraphDriver.Name), slog.String("path", upperDir))
	return upperDir, nil
}

func (r *DockerResolver) Close() error {
	return r.closer()
}
