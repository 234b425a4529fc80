package logger

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var (
	level  slog.LevelVar
	logger *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     &level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

func L() *slog.Logger {
	return logger
}

func Level() slog.Level {
	return level.Level()
}

// SetLevel also adjusts logrus, which the containerd client logs through.
func SetLevel(l slog.Level) {
	level.Set(l)
	switch {
	case l <= slog.LevelDebug:
		logrus.SetLevel(logrus.DebugLevel)
	case l <= slog.LevelInfo:
		logrus.SetLevel(logrus.InfoLevel)
	case l <= slog.LevelWarn:
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}
