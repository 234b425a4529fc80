package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
)

type PathOption struct {
	Name string
}

func (opt *PathOption) Complete(ctx context.Context, args []string, argsLenAtDash int) error {
	opt.Name = args[0]
	return nil
}

func (opt *PathOption) Validate(ctx context.Context) error {
	return nil
}

// Run prints the path Docker would mount. Unlike inspect, a missing image is
// an error.
func (opt *PathOption) Run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	mounts, closeMounts, err := openMounts(cfg, db)
	if err != nil {
		return err
	}
	defer closeMounts()

	path, _, err := mounts.MountPath(ctx, opt.Name, false)
	if err != nil {
		return errors.Wrap(err, "failed to resolve mount point")
	}
	fmt.Println(path)
	return nil
}

func NewPathCommand() *cobra.Command {
	opt := &PathOption{}
	cmd := &cobra.Command{
		Use:   "path NAME",
		Short: "Print the mount point of a volume",
		Args:  cobra.ExactArgs(1),
		RunE:  command.MakeRunE(opt),
	}
	return cmd
}
