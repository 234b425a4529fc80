package plugin

// MimeType is the content type of every volume plugin request and response.
const MimeType = "application/vnd.docker.plugins.v1+json"

// ImageOption and PathOption are the keys of the options passed with
// `docker volume create -o`.
const (
	ImageOption = "image"
	PathOption  = "path"
)

const VolumeDriver = "VolumeDriver"

type ActivateResponse struct {
	Implements []string
}

type Capability struct {
	Scope string
}

type CapabilitiesResponse struct {
	Capabilities Capability
}

type CreateRequest struct {
	Name string
	Opts map[string]string
}

// NameRequest is the body of Remove, Get, Path, Mount and Unmount. ID is the
// caller identifier Docker sends with Mount and Unmount.
type NameRequest struct {
	Name string
	ID   string `json:",omitempty"`
}

type Volume struct {
	Name       string
	Mountpoint string `json:",omitempty"`
}

type GetResponse struct {
	Volume Volume
}

type ListResponse struct {
	Volumes []Volume
}

type MountResponse struct {
	Mountpoint string
}

type ErrorResponse struct {
	Err string
}
