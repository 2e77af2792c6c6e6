package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-idxfs/internal/directory"
	"github.com/deploymenttheory/go-idxfs/internal/filesys"
)

var listRecursive bool

var listCmd = &cobra.Command{
	Use:     "ls [path]",
	Aliases: []string{"list"},
	Short:   "List a directory",
	Long: `List the entries of a directory, newest first.

Examples:
  # List the root directory
  idxfs ls

  # Show the whole tree
  idxfs ls -r`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		return withFileSystem(func(fs *filesys.FileSystem) error {
			return runList(fs, path)
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVarP(&listRecursive, "recursive", "r", false, "list the whole tree")
}

func runList(fs *filesys.FileSystem, path string) error {
	var entries []directory.Entry
	if listRecursive {
		entries = fs.Walk()
	} else {
		var err error
		if entries, err = fs.List(path); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		info, err := fs.Stat(e.Path)
		if err != nil {
			return err
		}
		name := e.Name
		if listRecursive {
			name = strings.Repeat("  ", e.Depth) + e.Name
		}
		if e.IsDir && e.Path != "/" {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, humanize.IBytes(uint64(info.Size)), e.Sector, humanize.Time(info.Modified))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("%d sectors free\n", fs.FreeSectors())
	return nil
}
