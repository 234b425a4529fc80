package plugin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/bentoml/yatai-image-volume/pkg/imagepath"
	"github.com/bentoml/yatai-image-volume/pkg/mountpath"
	"github.com/bentoml/yatai-image-volume/pkg/plugin"
	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

type staticResolver struct {
	layers map[string]string
	err    error
}

func (r *staticResolver) Resolve(_ context.Context, ref string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if dir, ok := r.layers[ref]; ok {
		return dir, nil
	}
	return "", errors.Wrapf(imagepath.ErrImageNotFound, "%s", ref)
}

var _ = Describe("Server", func() {
	var (
		db       *volumedb.DB
		resolver *staticResolver
		server   *httptest.Server
	)

	call := func(endpoint string, body interface{}, out interface{}) int {
		var buf bytes.Buffer
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		resp, err := http.Post(server.URL+endpoint, plugin.MimeType, &buf)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.Header.Get("Content-Type")).To(Equal(plugin.MimeType))
		if out != nil {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp.StatusCode
	}

	create := func(name string, opts map[string]string) {
		var out map[string]interface{}
		Expect(call("/VolumeDriver.Create", plugin.CreateRequest{Name: name, Opts: opts}, &out)).To(Equal(http.StatusOK))
		Expect(out).To(BeEmpty())
	}

	BeforeEach(func() {
		var err error
		db, err = volumedb.New(filepath.Join(GinkgoT().TempDir(), "volumes.json"), volumedb.WithLockTimeout(time.Second))
		Expect(err).NotTo(HaveOccurred())
		resolver = &staticResolver{layers: map[string]string{
			"app:v1": "/var/lib/images/abc/upper",
		}}
		server = httptest.NewServer(plugin.NewServer(db, mountpath.NewService(db, resolver)))
		DeferCleanup(server.Close)
	})

	It("activates as a volume driver", func() {
		var out plugin.ActivateResponse
		Expect(call("/Plugin.Activate", "", &out)).To(Equal(http.StatusOK))
		Expect(out.Implements).To(Equal([]string{"VolumeDriver"}))
	})

	It("reports local scope", func() {
		var out plugin.CapabilitiesResponse
		Expect(call("/VolumeDriver.Capabilities", "{}", &out)).To(Equal(http.StatusOK))
		Expect(out.Capabilities.Scope).To(Equal("local"))
	})

	Describe("Create", func() {
		It("registers the volume with its normalized image", func() {
			create("data", map[string]string{"image": "app", "path": "data"})
			vol, err := db.Get(context.Background(), "data")
			Expect(err).NotTo(HaveOccurred())
			Expect(vol).To(Equal(volumedb.Volume{Name: "data", Image: "app:latest", Path: "data"}))
		})

		It("requires the image option", func() {
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Create", plugin.CreateRequest{Name: "data", Opts: map[string]string{"path": "x"}}, &out)).To(Equal(http.StatusBadRequest))
			Expect(out.Err).To(Equal("missing option image"))
		})

		It("rejects an invalid image reference", func() {
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Create", plugin.CreateRequest{Name: "data", Opts: map[string]string{"image": "Not Valid"}}, &out)).To(Equal(http.StatusBadRequest))
			Expect(out.Err).NotTo(BeEmpty())
		})

		It("rejects a path leaving the layer", func() {
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Create", plugin.CreateRequest{Name: "data", Opts: map[string]string{"image": "app", "path": "../x"}}, &out)).To(Equal(http.StatusBadRequest))
		})

		It("rejects an existing name", func() {
			create("data", map[string]string{"image": "app:v1"})
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Create", plugin.CreateRequest{Name: "data", Opts: map[string]string{"image": "app:v1"}}, &out)).To(Equal(http.StatusInternalServerError))
			Expect(out.Err).To(ContainSubstring("already exists"))
		})

		It("rejects a malformed body", func() {
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Create", "{", &out)).To(Equal(http.StatusBadRequest))
			Expect(out.Err).To(HavePrefix("failed to decode request"))
		})
	})

	Describe("Get", func() {
		It("returns the mount point of a pulled image", func() {
			create("data", map[string]string{"image": "app:v1", "path": "srv"})
			var out plugin.GetResponse
			Expect(call("/VolumeDriver.Get", plugin.NameRequest{Name: "data"}, &out)).To(Equal(http.StatusOK))
			Expect(out.Volume).To(Equal(plugin.Volume{Name: "data", Mountpoint: "/var/lib/images/abc/upper/srv"}))
		})

		It("omits the mount point while the image is not pulled", func() {
			create("data", map[string]string{"image": "other"})
			var out map[string]map[string]interface{}
			Expect(call("/VolumeDriver.Get", plugin.NameRequest{Name: "data"}, &out)).To(Equal(http.StatusOK))
			Expect(out["Volume"]).To(Equal(map[string]interface{}{"Name": "data"}))
		})

		It("fails for an unknown volume", func() {
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Get", plugin.NameRequest{Name: "nope"}, &out)).To(Equal(http.StatusNotFound))
			Expect(out.Err).To(Equal("volume nope not found"))
		})

		It("requires a name", func() {
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.Get", "{}", &out)).To(Equal(http.StatusBadRequest))
			Expect(out.Err).To(Equal("missing volume name"))
		})
	})

	Describe("List", func() {
		It("lists every volume", func() {
			create("a", map[string]string{"image": "app:v1"})
			create("b", map[string]string{"image": "other"})
			var out plugin.ListResponse
			Expect(call("/VolumeDriver.List", "{}", &out)).To(Equal(http.StatusOK))
			Expect(out.Volumes).To(Equal([]plugin.Volume{
				{Name: "a", Mountpoint: "/var/lib/images/abc/upper"},
				{Name: "b"},
			}))
		})

		It("returns an empty list for an empty registry", func() {
			var out map[string]interface{}
			Expect(call("/VolumeDriver.List", "{}", &out)).To(Equal(http.StatusOK))
			Expect(out).To(HaveKeyWithValue("Volumes", BeEmpty()))
		})

		It("fails when the runtime is unreachable", func() {
			create("a", map[string]string{"image": "app:v1"})
			resolver.err = errors.New("daemon unreachable")
			var out plugin.ErrorResponse
			Expect(call("/VolumeDriver.List", "{}", &out)).To(Equal(http.StatusInternalServerError))
			Expect(out.Err).To(ContainSubstring("daemon unreachable"))
		})
	})

	for _, endpoint := range []string{"/VolumeDriver.Path", "/VolumeDriver.Mount"} {
		Describe(strings.TrimPrefix(endpoint, "/VolumeDriver."), func() {
			It("returns the mount point", func() {
				create("data", map[string]string{"image": "app:v1"})
				var out plugin.MountResponse
				Expect(call(endpoint, plugin.NameRequest{Name: "data", ID: "abc"}, &out)).To(Equal(http.StatusOK))
				Expect(out.Mountpoint).To(Equal("/var/lib/images/abc/upper"))
			})

			It("fails while the image is not pulled", func() {
				create("data", map[string]string{"image": "other"})
				var out plugin.ErrorResponse
				Expect(call(endpoint, plugin.NameRequest{Name: "data"}, &out)).To(Equal(http.StatusInternalServerError))
				Expect(out.Err).To(ContainSubstring("image not found"))
			})

			It("fails for an unknown volume", func() {
				var out plugin.ErrorResponse
				Expect(call(endpoint, plugin.NameRequest{Name: "nope"}, &out)).To(Equal(http.StatusNotFound))
				Expect(out.Err).To(Equal("volume nope not found"))
			})
		})
	}

	It("acknowledges unmount", func() {
		var out map[string]interface{}
		Expect(call("/VolumeDriver.Unmount", plugin.NameRequest{Name: "data", ID: "abc"}, &out)).To(Equal(http.StatusOK))
		Expect(out).To(BeEmpty())
	})

	Describe("Remove", func() {
		It("removes the volume and tolerates repeats", func() {
			create("data", map[string]string{"image": "app:v1"})
			var out map[string]interface{}
			Expect(call("/VolumeDriver.Remove", plugin.NameRequest{Name: "data"}, &out)).To(Equal(http.StatusOK))
			Expect(call("/VolumeDriver.Remove", plugin.NameRequest{Name: "data"}, &out)).To(Equal(http.StatusOK))

			_, err := db.Get(context.Background(), "data")
			Expect(volumedb.IsNotFound(err)).To(BeTrue())
		})
	})

	It("answers unknown endpoints with a JSON error", func() {
		var out plugin.ErrorResponse
		Expect(call("/VolumeDriver.Snapshot", "{}", &out)).To(Equal(http.StatusNotFound))
		Expect(out.Err).To(ContainSubstring("/VolumeDriver.Snapshot"))
	})

	It("serves metrics", func() {
		create("data", map[string]string{"image": "app:v1"})
		resp, err := http.Get(server.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring(`image_volume_plugin_requests_total{code="200",endpoint="/VolumeDriver.Create"}`))
	})
})
