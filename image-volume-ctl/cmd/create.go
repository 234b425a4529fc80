package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
)

type CreateOption struct {
	Name   string
	Image  string
	Path   string
	Output string
}

func (opt *CreateOption) Complete(ctx context.Context, args []string, argsLenAtDash int) error {
	opt.Name = args[0]
	return nil
}

func (opt *CreateOption) Validate(ctx context.Context) error {
	if opt.Image == "" {
		return errors.New("image is required")
	}
	return validateOutput(opt.Output)
}

func (opt *CreateOption) Run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}

	spinner := command.StartSpinner("Creating volume %s", opt.Name)
	vol, err := db.Create(ctx, opt.Name, opt.Image, opt.Path)
	spinner.Stop()
	if err != nil {
		return errors.Wrap(err, "failed to create volume")
	}
	return render(os.Stdout, opt.Output, []volumeView{newVolumeView(vol)})
}

func NewCreateCommand() *cobra.Command {
	opt := &CreateOption{}
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Register a volume backed by an image",
		Args:  cobra.ExactArgs(1),
		RunE:  command.MakeRunE(opt),
	}
	cmd.Flags().StringVarP(&opt.Image, "image", "i", "", "Image backing the volume")
	cmd.Flags().StringVarP(&opt.Path, "path", "p", "", "Subdirectory of the image layer to mount")
	cmd.Flags().StringVarP(&opt.Output, "output", "o", outputTable, "Output format (table|json|yaml)")
	return cmd
}
