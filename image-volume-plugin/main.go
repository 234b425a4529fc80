package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "image-volume-plugin",
		Short:        "Docker volume plugin mounting container image layers as volumes",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&command.GlobalCommandOption.Debug, "debug", "d", false, "debug mode, output verbose output")
	rootCmd.AddCommand(NewServeCommand())

	if err := rootCmd.Execute(); err != nil {
		logger.L().ErrorContext(context.Background(), "Failed to execute command", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
