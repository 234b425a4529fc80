package cmd

import (
	"encoding/json"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type volumeView struct {
	Name       string `json:"name"`
	Image      string `json:"image"`
	Path       string `json:"path,omitempty"`
	Mountpoint string `json:"mountpoint,omitempty"`
}

func newVolumeView(vol volumedb.Volume) volumeView {
	return volumeView{Name: vol.Name, Image: vol.Image, Path: vol.Path}
}

func validateOutput(output string) error {
	switch output {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return errors.Errorf("unsupported output format %q", output)
	}
}

func render(w io.Writer, output string, views []volumeView) error {
	switch output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(views), "failed to encode volumes")
	case outputYAML:
		out, err := yaml.Marshal(views)
		if err != nil {
			return errors.Wrap(err, "failed to encode volumes")
		}
		_, err = w.Write(out)
		return err
	default:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"NAME", "IMAGE", "PATH", "MOUNTPOINT"})
		for _, v := range views {
			t.AppendRow(table.Row{v.Name, v.Image, v.Path, v.Mountpoint})
		}
		t.Render()
		return nil
	}
}
