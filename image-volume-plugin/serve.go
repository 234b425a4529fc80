package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/docker/go-connections/sockets"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bentoml/yatai-image-volume/pkg/common/command"
	"github.com/bentoml/yatai-image-volume/pkg/common/config"
	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
	"github.com/bentoml/yatai-image-volume/pkg/imagepath"
	"github.com/bentoml/yatai-image-volume/pkg/mountpath"
	"github.com/bentoml/yatai-image-volume/pkg/plugin"
	"github.com/bentoml/yatai-image-volume/pkg/volumedb"
)

const (
	socketMode        = 0o660
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

type ServeOption struct {
	ConfigFile string

	flags *pflag.FlagSet
	cfg   *config.Config
}

func (opt *ServeOption) Complete(ctx context.Context, args []string, argsLenAtDash int) error {
	cfg, err := config.Load(viper.New(), opt.flags, opt.ConfigFile)
	if err != nil {
		return err
	}
	opt.cfg = cfg
	if cfg.Debug {
		command.EnableDebug()
	}
	return nil
}

func (opt *ServeOption) Validate(ctx context.Context) error {
	return opt.cfg.Validate()
}

func (opt *ServeOption) Run(ctx context.Context, args []string) error {
	cfg := opt.cfg
	log := logger.L().With(slog.String("volumeDB", cfg.VolumeDB), slog.String("runtime", cfg.Runtime))

	db, err := volumedb.New(cfg.VolumeDB, volumedb.WithLockTimeout(cfg.LockTimeout))
	if err != nil {
		return errors.Wrap(err, "failed to open volume registry")
	}

	resolver, err := imagepath.New(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create image resolver")
	}
	defer resolver.Close()

	mounts := mountpath.NewService(db, resolver, mountpath.WithConcurrency(cfg.ListConcurrency))
	server := &http.Server{
		Handler:           plugin.NewServer(db, mounts),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listeners, err := listen(cfg)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		log.Info("Serving volume plugin", slog.String("addr", l.Addr().String()))
		eg.Go(func() error {
			return serve(server, l)
		})
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           plugin.MetricsHandler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		log.Info("Serving metrics", slog.String("addr", cfg.MetricsAddress))
		eg.Go(func() error {
			return serve(metricsServer, nil)
		})
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("Failed to notify systemd", slog.String("error", err.Error()))
	}

	eg.Go(func() error {
		<-egCtx.Done()
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return errors.Wrap(server.Shutdown(shutdownCtx), "failed to shut down")
	})

	return eg.Wait()
}

func serve(server *http.Server, l net.Listener) error {
	var err error
	if l == nil {
		err = server.ListenAndServe()
	} else {
		err = server.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "failed to serve")
}

// listen prefers sockets passed in by systemd and falls back to a unix socket
// in the Docker plugin discovery directory.
func listen(cfg *config.Config) ([]net.Listener, error) {
	activated, err := activation.Listeners()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get socket activated listeners")
	}
	var listeners []net.Listener
	for _, l := range activated {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	if len(listeners) > 0 {
		return listeners, nil
	}

	socketPath := cfg.Socket
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory: %s", filepath.Dir(socketPath))
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, errors.Wrapf(err, "failed to remove socket: %s", socketPath)
	}
	opts := []sockets.SockOption{sockets.WithChmod(socketMode)}
	if cfg.SocketGroup >= 0 {
		opts = append(opts, sockets.WithChown(os.Getuid(), cfg.SocketGroup))
	}
	l, err := sockets.NewUnixSocketWithOpts(socketPath, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on socket: %s", socketPath)
	}
	return []net.Listener{l}, nil
}

func NewServeCommand() *cobra.Command {
	opt := &ServeOption{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the volume plugin API",
		Args:  cobra.NoArgs,
		RunE:  command.MakeRunE(opt),
	}
	cmd.Flags().StringVarP(&opt.ConfigFile, "config", "c", "", "Path to a config file")
	config.AddFlags(cmd.Flags())
	opt.flags = cmd.Flags()
	return cmd
}
