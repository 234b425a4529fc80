package volumedb

import (
	"bytes"
	"encoding/json"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

// Volume is a registered volume: a name bound to an image and, optionally, a
// subdirectory inside that image's topmost layer.
type Volume struct {
	Name  string `json:"-"`
	Image string `json:"image"`
	Path  string `json:"path,omitempty"`
}

// Volumes is the in-memory view of the registry exposed by a Handle. It is
// only valid while the handle that produced it is open.
type Volumes struct {
	m *btree.Map[string, Volume]
}

func newVolumes() *Volumes {
	return &Volumes{m: new(btree.Map[string, Volume])}
}

// Get returns the volume registered under name.
func (v *Volumes) Get(name string) (Volume, bool) {
	return v.m.Get(name)
}

// Set stores vol under vol.Name, replacing any previous entry.
func (v *Volumes) Set(vol Volume) {
	v.m.Set(vol.Name, vol)
}

// Delete removes name and reports whether it was present.
func (v *Volumes) Delete(name string) bool {
	_, ok := v.m.Delete(name)
	return ok
}

// Len returns the number of registered volumes.
func (v *Volumes) Len() int {
	return v.m.Len()
}

// All returns every volume ordered by name.
func (v *Volumes) All() []Volume {
	vols := make([]Volume, 0, v.m.Len())
	v.m.Scan(func(_ string, vol Volume) bool {
		vols = append(vols, vol)
		return true
	})
	return vols
}

// MarshalJSON encodes the registry as an object keyed by volume name. Empty
// optional fields are dropped from the encoded copy only.
func (v *Volumes) MarshalJSON() ([]byte, error) {
	out := make(map[string]Volume, v.m.Len())
	v.m.Scan(func(name string, vol Volume) bool {
		out[name] = vol
		return true
	})
	return json.Marshal(out)
}

// UnmarshalJSON decodes a persisted registry, rejecting anything that does not
// satisfy the record invariants.
func (v *Volumes) UnmarshalJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty document")
	}
	var raw map[string]*Volume
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to decode volumes")
	}
	if raw == nil {
		return errors.New("document is not an object")
	}
	m := new(btree.Map[string, Volume])
	for name, vol := range raw {
		if vol == nil {
			return errors.Errorf("volume %q has no record", name)
		}
		if vol.Image == "" {
			return errors.Errorf("volume %q has no image", name)
		}
		if vol.Path != "" && !filepath.IsLocal(vol.Path) {
			return errors.Errorf("volume %q has non-relative path %q", name, vol.Path)
		}
		vol.Name = name
		m.Set(name, *vol)
	}
	v.m = m
	return nil
}
