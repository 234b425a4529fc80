package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
)

type InspectOption struct {
	Name    string
	Resolve bool
	Output  string
}

func (opt *InspectOption) Complete(ctx context.Context, args []string, argsLenAtDash int) error {
	opt.Name = args[0]
	return nil
}

func (opt *InspectOption) Validate(ctx context.Context) error {
	return validateOutput(opt.Output)
}

func (opt *InspectOption) Run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	vol, err := db.Get(ctx, opt.Name)
	if err != nil {
		return errors.Wrap(err, "failed to inspect volume")
	}
	view := newVolumeView(vol)

	if opt.Resolve {
		mounts, closeMounts, err := openMounts(cfg, db)
		if err != nil {
			return err
		}
		defer closeMounts()

		spinner := command.StartSpinner("Resolving image %s", vol.Image)
		path, _, err := mounts.MountPath(ctx, opt.Name, true)
		spinner.Stop()
		if err != nil {
			return errors.Wrap(err, "failed to resolve mount point")
		}
		view.Mountpoint = path
	}
	return render(os.Stdout, opt.Output, []volumeView{view})
}

func NewInspectCommand() *cobra.Command {
	opt := &InspectOption{}
	cmd := &cobra.Command{
		Use:   "inspect NAME",
		Short: "Show a registered volume",
		Args:  cobra.ExactArgs(1),
		RunE:  command.MakeRunE(opt),
	}
	cmd.Flags().BoolVarP(&opt.Resolve, "resolve", "r", false, "Resolve the mount point through the container runtime")
	cmd.Flags().StringVarP(&opt.Output, "output", "o", outputTable, "Output format (table|json|yaml)")
	return cmd
}
