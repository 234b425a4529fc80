package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
	"github.com/bentoml/yatai-image-volume/pkg/common/config"
	"github.com/bentoml/yatai-image-volume/pkg/imagepath"
	"github.com/bentoml/yatai-image-volume/pkg/mountpath"
	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "image-volume-ctl",
	Short:        "Inspect and edit the image volume registry",
	Long:         `Inspect and edit the registry of the image volume plugin directly, without going through Docker.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&command.GlobalCommandOption.Debug, "debug", "d", false, "debug mode, output verbose output")
	rootCmd.PersistentFlags().BoolVarP(&command.GlobalCommandOption.Quiet, "quiet", "q", false, "disable spinner")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file")
	config.AddFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(NewCreateCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewInspectCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewPathCommand())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.New(), rootCmd.PersistentFlags(), configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		command.EnableDebug()
	}
	return cfg, nil
}

func openRegistry(cfg *config.Config) (*volumedb.DB, error) {
	return volumedb.New(cfg.VolumeDB, volumedb.WithLockTimeout(cfg.LockTimeout))
}

// openMounts connects to the configured runtime. The returned close function
// must be called once the service is no longer used.
func openMounts(cfg *config.Config, db *volumedb.DB) (*mountpath.Service, func() error, error) {
	resolver, err := imagepath.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return mountpath.NewService(db, resolver, mountpath.WithConcurrency(cfg.ListConcurrency)), resolver.Close, nil
}
