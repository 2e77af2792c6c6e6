package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-idxfs/internal/config"
	"github.com/deploymenttheory/go-idxfs/internal/device"
	"github.com/deploymenttheory/go-idxfs/internal/filesys"
	"github.com/deploymenttheory/go-idxfs/internal/logging"
	"github.com/deploymenttheory/go-idxfs/internal/metrics"
)

var (
	cfg     *config.Config
	logger  *slog.Logger
	collect *metrics.Metrics
)

// setup loads the configuration and builds the logger shared by every command.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if imagePath != "" {
		loaded.Disk.Image = imagePath
	}
	if verbose {
		loaded.Log.Level = "debug"
	}

	l, err := logging.New(loaded.Log, os.Stderr)
	if err != nil {
		return err
	}

	cfg, logger, collect = loaded, l, metrics.New()
	return nil
}

// withFileSystem mounts the configured image, runs fn and unmounts, writing metrics if asked.
func withFileSystem(fn func(fs *filesys.FileSystem) error) (err error) {
	dev, err := device.OpenImage(cfg.Disk.Image, device.ImageOptions{Lock: cfg.Disk.Lock})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dev.Close())
	}()

	fs, err := filesys.Mount(dev, filesys.WithLogger(logger), filesys.WithMetrics(collect))
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Disk.Image, err)
	}
	defer func() {
		err = errors.Join(err, fs.Close(), writeMetrics())
	}()

	return fn(fs)
}

func writeMetrics() error {
	if cfg.Metrics.File == "" {
		return nil
	}
	return collect.WriteToTextfile(cfg.Metrics.File)
}
