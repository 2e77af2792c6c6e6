package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-idxfs/internal/filesys"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "Create directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileSystem(func(fs *filesys.FileSystem) error {
			for _, path := range args {
				if err := fs.Mkdir(path); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:     "rm <path>...",
	Aliases: []string{"remove"},
	Short:   "Remove files or empty directories",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileSystem(func(fs *filesys.FileSystem) error {
			for _, path := range args {
				if err := fs.Remove(path); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show a file's header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileSystem(func(fs *filesys.FileSystem) error {
			info, err := fs.Stat(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("  Path:     %s\n", info.Path)
			fmt.Printf("  Type:     %s\n", info.Type)
			fmt.Printf("  Header:   sector %d\n", info.Sector)
			fmt.Printf("  Size:     %s (%d bytes)\n", humanize.IBytes(uint64(info.Size)), info.Size)
			fmt.Printf("  Sectors:  %d data, %d index\n", info.Sectors, info.IndexSectors)
			fmt.Printf("  Created:  %s\n", info.Created.Format("2006-01-02 15:04:05"))
			fmt.Printf("  Accessed: %s (%s)\n", info.Accessed.Format("2006-01-02 15:04:05"), humanize.Time(info.Accessed))
			fmt.Printf("  Modified: %s (%s)\n", info.Modified.Format("2006-01-02 15:04:05"), humanize.Time(info.Modified))
			return nil
		})
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the free map, the namespace and every header",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileSystem(func(fs *filesys.FileSystem) error {
			return fs.Print(os.Stdout)
		})
	},
}

func init() {
	rootCmd.AddCommand(mkdirCmd, removeCmd, statCmd, dumpCmd)
}
