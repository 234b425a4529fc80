package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
)

type RemoveOption struct {
	Names []string
}

func (opt *RemoveOption) Complete(ctx context.Context, args []string, argsLenAtDash int) error {
	opt.Names = args
	return nil
}

func (opt *RemoveOption) Validate(ctx context.Context) error {
	return nil
}

func (opt *RemoveOption) Run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	for _, name := range opt.Names {
		spinner := command.StartSpinner("Removing volume %s", name)
		err := db.Remove(ctx, name)
		spinner.Stop()
		if err != nil {
			return errors.Wrapf(err, "failed to remove volume %s", name)
		}
	}
	return nil
}

func NewRemoveCommand() *cobra.Command {
	opt := &RemoveOption{}
	cmd := &cobra.Command{
		Use:     "remove NAME...",
		Aliases: []string{"rm"},
		Short:   "Unregister volumes",
		Args:    cobra.MinimumNArgs(1),
		RunE:    command.MakeRunE(opt),
	}
	return cmd
}
