package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-idxfs/internal/device"
	"github.com/deploymenttheory/go-idxfs/internal/filesys"
	"github.com/deploymenttheory/go-idxfs/internal/logging"
	"github.com/deploymenttheory/go-idxfs/internal/types"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	formatForce, listRecursive, verbose, configFile = false, false, false, ""
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	return rootCmd.Execute()
}

func TestCopyAndCat(t *testing.T) {
	logger = logging.Discard()
	dev := device.NewMemoryDevice(types.DefaultSectorSize, 512)
	fs, err := filesys.Format(dev, filesys.WithLogger(logger))
	require.NoError(t, err)

	content := bytes.Repeat([]byte("0123456789abcdef"), 40)
	host := filepath.Join(t.TempDir(), "host.txt")
	require.NoError(t, os.WriteFile(host, content, 0o644))

	require.NoError(t, runCopy(fs, host, "/copied"))

	var out bytes.Buffer
	require.NoError(t, runCat(fs, "/copied", &out))
	assert.Equal(t, content, out.Bytes())

	err = runCopy(fs, host, "/copied")
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	err = runCopy(fs, filepath.Join(t.TempDir(), "missing"), "/other")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	image := filepath.Join(t.TempDir(), "DISK")

	host := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(host, []byte("hello, indexed world\n"), 0o644))

	require.NoError(t, execute(t, "format", "--image", image))
	assert.Error(t, execute(t, "format", "--image", image), "existing image needs --force")
	require.NoError(t, execute(t, "format", "--image", image, "--force"))

	require.NoError(t, execute(t, "mkdir", "--image", image, "/docs", "/tmp"))
	require.NoError(t, execute(t, "cp", "--image", image, host, "/docs/notes.txt"))
	require.NoError(t, execute(t, "ls", "--image", image, "-r"))
	require.NoError(t, execute(t, "stat", "--image", image, "/docs/notes.txt"))
	require.NoError(t, execute(t, "rm", "--image", image, "/tmp"))
	assert.Error(t, execute(t, "rm", "--image", image, "/docs"), "non-empty directory")

	dev, err := device.OpenImage(image, device.ImageOptions{})
	require.NoError(t, err)
	defer dev.Close()

	fs, err := filesys.Mount(dev, filesys.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer fs.Close()

	var out bytes.Buffer
	logger = logging.Discard()
	require.NoError(t, runCat(fs, "/docs/notes.txt", &out))
	assert.Equal(t, "hello, indexed world\n", out.String())

	entries, err := fs.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "docs", entries[0].Name)
}

func TestMetricsFile(t *testing.T) {
	t.Chdir(t.TempDir())
	image := filepath.Join(t.TempDir(), "DISK")
	prom := filepath.Join(t.TempDir(), "idxfs.prom")
	t.Setenv("IDXFS_METRICS_FILE", prom)

	require.NoError(t, execute(t, "format", "--image", image))

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), "idxfs_free_sectors")
}
