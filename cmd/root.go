package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	imagePath  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "idxfs",
	Short: "Indexed-allocation filesystem on a disk image",
	Long: `idxfs formats and manipulates a small hierarchical filesystem stored in a
disk image file. File contents are located through a two-level block index,
and the namespace is a tree of directories persisted alongside the free map.

Commands:
  format      Create a disk image and write an empty filesystem
  ls          List a directory
  mkdir       Create a directory
  cp          Copy a host file into the filesystem
  cat         Print a file
  rm          Remove a file or empty directory
  stat        Show a file's header
  dump        Print the free map, the namespace and every header`,
	Version:           "0.1.0-dev",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default searches ./idxfs.yaml, $HOME/.idxfs, /etc/idxfs)")
	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "disk image path (overrides disk.image)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
