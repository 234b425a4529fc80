//nolint:wrapcheck,gosec
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/docker/go-connections/sockets"

	//nolint:revive
	. "github.com/onsi/ginkgo/v2"

	//nolint:revive
	. "github.com/onsi/gomega"

	"github.com/bentoml/yatai-image-volume/pkg/imagepath"
	"github.com/bentoml/yatai-image-volume/pkg/mountpath"
	"github.com/bentoml/yatai-image-volume/pkg/plugin"
	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

const testImage = "busybox:1.36"

func run(cmd *exec.Cmd) ([]byte, error) {
	fmt.Fprintf(GinkgoWriter, "running: %s\n", cmd.String())
	return cmd.CombinedOutput()
}

var _ = Describe("image-volume-plugin", Ordered, func() {
	var (
		socketPath string
		client     *http.Client
		resolver   imagepath.ResolveCloser
		server     *http.Server
	)

	call := func(endpoint string, body interface{}, out interface{}) int {
		var buf bytes.Buffer
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		resp, err := client.Post("http://plugin"+endpoint, plugin.MimeType, &buf)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		return resp.StatusCode
	}

	BeforeAll(func() {
		By("Pulling the test image")
		out, err := run(exec.Command("docker", "pull", testImage))
		Expect(err).NotTo(HaveOccurred(), "Failed to pull %s: %s", testImage, string(out))

		By("Starting the plugin")
		dir := GinkgoT().TempDir()
		db, err := volumedb.New(filepath.Join(dir, "volumes.json"))
		Expect(err).NotTo(HaveOccurred())
		resolver, err = imagepath.NewDockerResolverFromEnv()
		Expect(err).NotTo(HaveOccurred())

		socketPath = filepath.Join(dir, "plugin.sock")
		l, err := sockets.NewUnixSocket(socketPath, os.Getgid())
		Expect(err).NotTo(HaveOccurred())
		server = &http.Server{Handler: plugin.NewServer(db, mountpath.NewService(db, resolver))} //nolint:gosec
		go func() {
			_ = server.Serve(l)
		}()

		tr := &http.Transport{}
		Expect(sockets.ConfigureTransport(tr, "unix", socketPath)).To(Succeed())
		client = &http.Client{Transport: tr}
	})

	AfterAll(func() {
		if server != nil {
			_ = server.Shutdown(context.Background())
		}
		if resolver != nil {
			_ = resolver.Close()
		}
	})

	It("activates", func() {
		var out plugin.ActivateResponse
		Expect(call("/Plugin.Activate", struct{}{}, &out)).To(Equal(http.StatusOK))
		Expect(out.Implements).To(ContainElement(plugin.VolumeDriver))
	})

	It("mounts the top layer of a pulled image", func() {
		By("Creating a volume")
		var empty map[string]interface{}
		Expect(call("/VolumeDriver.Create", plugin.CreateRequest{
			Name: "e2e-busybox",
			Opts: map[string]string{plugin.ImageOption: testImage},
		}, &empty)).To(Equal(http.StatusOK))

		By("Mounting it")
		var mount plugin.MountResponse
		Expect(call("/VolumeDriver.Mount", plugin.NameRequest{Name: "e2e-busybox", ID: "e2e"}, &mount)).To(Equal(http.StatusOK))
		Expect(filepath.IsAbs(mount.Mountpoint)).To(BeTrue())

		By("Checking the layer directory on the host")
		info, err := os.Stat(mount.Mountpoint)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())

		By("Listing it")
		var list plugin.ListResponse
		Expect(call("/VolumeDriver.List", struct{}{}, &list)).To(Equal(http.StatusOK))
		Expect(list.Volumes).To(ContainElement(plugin.Volume{Name: "e2e-busybox", Mountpoint: mount.Mountpoint}))
	})

	It("lists volumes of images that are not pulled without a mount point", func() {
		var empty map[string]interface{}
		Expect(call("/VolumeDriver.Create", plugin.CreateRequest{
			Name: "e2e-missing",
			Opts: map[string]string{plugin.ImageOption: "image-volume-e2e/does-not-exist"},
		}, &empty)).To(Equal(http.StatusOK))

		var get plugin.GetResponse
		Expect(call("/VolumeDriver.Get", plugin.NameRequest{Name: "e2e-missing"}, &get)).To(Equal(http.StatusOK))
		Expect(get.Volume.Mountpoint).To(BeEmpty())

		var failed plugin.ErrorResponse
		Expect(call("/VolumeDriver.Mount", plugin.NameRequest{Name: "e2e-missing"}, &failed)).To(Equal(http.StatusInternalServerError))
		Expect(failed.Err).To(ContainSubstring("image not found"))
	})

	It("removes volumes", func() {
		for _, name := range []string{"e2e-busybox", "e2e-missing"} {
			var empty map[string]interface{}
			Expect(call("/VolumeDriver.Remove", plugin.NameRequest{Name: name}, &empty)).To(Equal(http.StatusOK))
		}
		var failed plugin.ErrorResponse
		Expect(call("/VolumeDriver.Get", plugin.NameRequest{Name: "e2e-busybox"}, &failed)).To(Equal(http.StatusNotFound))
	})
})

