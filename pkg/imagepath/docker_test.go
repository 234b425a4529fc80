package imagepath

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type fakeInspector struct {
	images map[string]types.ImageInspect
	err    error
	calls  []string
}

func (f *fakeInspector) ImageInspectWithRaw(_ context.Context, imageID string) (types.ImageInspect, []byte, error) {
	f.calls = append(f.calls, imageID)
	if f.err != nil {
		return types.ImageInspect{}, nil, f.err
	}
	img, ok := f.images[imageID]
	if !ok {
		return types.ImageInspect{}, nil, errdefs.NotFound(errors.Errorf("No such image: %s", imageID))
	}
	return img, nil, nil
}

func overlayImage(upperDir string) types.ImageInspect {
	return types.ImageInspect{
		GraphDriver: types.GraphDriverData{
			Name: "overlay2",
			Data: map[string]string{
				"LowerDir":  "/var/lib/docker/overlay2/def/diff",
				"MergedDir": "/var/lib/docker/overlay2/abc/merged",
				"UpperDir":  upperDir,
				"WorkDir":   "/var/lib/docker/overlay2/abc/work",
			},
		},
	}
}

var _ = Describe("DockerResolver", func() {
	var (
		ctx       context.Context
		inspector *fakeInspector
		resolver  *DockerResolver
	)

	BeforeEach(func() {
		ctx = context.Background()
		inspector = &fakeInspector{
			images: map[string]types.ImageInspect{
				"alpine:latest": overlayImage("/var/lib/docker/overlay2/abc/diff"),
			},
		}
		resolver = NewDockerResolver(inspector)
	})

	AfterEach(func() {
		Expect(resolver.Close()).To(Succeed())
	})

	It("returns the upper directory of the graph driver", func() {
		path, err := resolver.Resolve(ctx, "alpine:latest")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/var/lib/docker/overlay2/abc/diff"))
		Expect(inspector.calls).To(Equal([]string{"alpine:latest"}))
	})

	It("fails with ErrImageNotFound when the image is not pulled", func() {
		_, err := resolver.Resolve(ctx, "busybox:latest")
		Expect(err).To(MatchError(ErrImageNotFound))
		Expect(IsImageNotFound(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("busybox:latest"))
	})

	It("passes other daemon errors through", func() {
		inspector.err = errors.New("connection refused")
		_, err := resolver.Resolve(ctx, "alpine:latest")
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(IsImageNotFound(err)).To(BeFalse())
	})

	DescribeTable("rejects graph drivers without a usable upper directory",
		func(img types.ImageInspect) {
			inspector.images["alpine:latest"] = img
			_, err := resolver.Resolve(ctx, "alpine:latest")
			Expect(err).To(HaveOccurred())
			Expect(IsImageNotFound(err)).To(BeFalse())
		},
		Entry("no data", types.ImageInspect{GraphDriver: types.GraphDriverData{Name: "vfs"}}),
		Entry("empty upper dir", overlayImage("")),
		Entry("relative upper dir", overlayImage("overlay2/abc/diff")),
	)
})
