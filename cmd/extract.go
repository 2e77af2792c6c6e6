package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-idxfs/internal/filesys"
)

// transferSize is the chunk used when copying into the filesystem.
const transferSize = 10

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileSystem(func(fs *filesys.FileSystem) error {
			return runCat(fs, args[0], os.Stdout)
		})
	},
}

var copyCmd = &cobra.Command{
	Use:   "cp <host-file> <path>",
	Short: "Copy a host file into the filesystem",
	Long: `Copy a file from the host into the filesystem. The file is created at its
full length and written in small chunks.

Examples:
  idxfs cp ./notes.txt /docs/notes.txt`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileSystem(func(fs *filesys.FileSystem) error {
			return runCopy(fs, args[0], args[1])
		})
	},
}

func init() {
	rootCmd.AddCommand(catCmd, copyCmd)
}

func runCat(fs *filesys.FileSystem, path string, w io.Writer) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

func runCopy(fs *filesys.FileSystem, from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", from, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", from, err)
	}
	logger.Debug("Copying", "from", from, "to", to, "size", info.Size())

	if err := fs.Create(to, info.Size()); err != nil {
		return err
	}
	f, err := fs.Open(to)
	if err != nil {
		return err
	}
	defer f.Close()

	written, err := io.CopyBuffer(struct{ io.Writer }{f}, struct{ io.Reader }{src}, make([]byte, transferSize))
	if err != nil {
		return fmt.Errorf("copied %d of %d bytes: %w", written, info.Size(), err)
	}
	fmt.Printf("Copied %s to %s (%s)\n", from, to, humanize.IBytes(uint64(written)))
	return nil
}
