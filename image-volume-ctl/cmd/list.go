package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
)

type ListOption struct {
	Resolve bool
	Output  string
}

func (opt *ListOption) Complete(ctx context.Context, args []string, argsLenAtDash int) error {
	return nil
}

func (opt *ListOption) Validate(ctx context.Context) error {
	return validateOutput(opt.Output)
}

func (opt *ListOption) Run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	vols, err := db.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list volumes")
	}

	mountpoints := map[string]string{}
	if opt.Resolve {
		mounts, closeMounts, err := openMounts(cfg, db)
		if err != nil {
			return err
		}
		defer closeMounts()

		spinner := command.StartSpinner("Resolving %d images", len(vols))
		resolved, err := mounts.List(ctx)
		spinner.Stop()
		if err != nil {
			return errors.Wrap(err, "failed to resolve mount points")
		}
		for _, m := range resolved {
			mountpoints[m.Name] = m.Mountpoint
		}
	}

	views := make([]volumeView, 0, len(vols))
	for _, vol := range vols {
		view := newVolumeView(vol)
		view.Mountpoint = mountpoints[vol.Name]
		views = append(views, view)
	}
	return render(os.Stdout, opt.Output, views)
}

func NewListCommand() *cobra.Command {
	opt := &ListOption{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered volumes",
		Args:    cobra.NoArgs,
		RunE:    command.MakeRunE(opt),
	}
	cmd.Flags().BoolVarP(&opt.Resolve, "resolve", "r", false, "Resolve mount points through the container runtime")
	cmd.Flags().StringVarP(&opt.Output, "output", "o", outputTable, "Output format (table|json|yaml)")
	return cmd
}
