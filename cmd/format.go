package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-idxfs/internal/device"
	"github.com/deploymenttheory/go-idxfs/internal/filesys"
)

var formatForce bool

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create a disk image and write an empty filesystem",
	Long: `Create the configured disk image with disk.num_sectors sectors of
disk.sector_size bytes and write an empty filesystem to it.

Examples:
  # Format the default ./DISK image
  idxfs format

  # Format a larger image, replacing an existing one
  IDXFS_DISK_NUM_SECTORS=4096 idxfs format --image /tmp/big.img --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFormat()
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
	formatCmd.Flags().BoolVarP(&formatForce, "force", "f", false, "overwrite an existing image")
}

func runFormat() (err error) {
	if _, statErr := os.Stat(cfg.Disk.Image); statErr == nil && !formatForce {
		return fmt.Errorf("%s already exists, use --force to overwrite it", cfg.Disk.Image)
	}

	dev, err := device.CreateImage(cfg.Disk.Image, cfg.Disk.SectorSize, cfg.Disk.NumSectors,
		device.ImageOptions{Lock: cfg.Disk.Lock})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dev.Close())
	}()

	fs, err := filesys.Format(dev, filesys.WithLogger(logger), filesys.WithMetrics(collect))
	if err != nil {
		return err
	}
	free := fs.FreeSectors()
	if err := errors.Join(fs.Close(), writeMetrics()); err != nil {
		return err
	}

	fmt.Printf("Formatted %s: %d sectors of %d bytes (%s), %d free\n",
		cfg.Disk.Image, cfg.Disk.NumSectors, cfg.Disk.SectorSize,
		humanize.IBytes(uint64(cfg.Disk.NumSectors*cfg.Disk.SectorSize)), free)
	return nil
}
