package installer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
)

// TestInstallCopiesFiles verifies files are copied and sub-directories ignored.
func TestInstallCopiesFiles(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	out := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "libdeepspeech.so"), []byte("ELF"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "libstdc++.so.6"), []byte("STD"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "nested"), 0o755))

	res, err := Install(context.Background(), src, out)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"libdeepspeech.so", "libstdc++.so.6"}, res.Files)
	require.Zero(t, res.Replaced)

	data, err := os.ReadFile(filepath.Join(out, "libdeepspeech.so"))
	require.NoError(t, err)
	require.Equal(t, "ELF", string(data))

	_, err = os.Stat(filepath.Join(out, "nested"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestInstallOverwrites ensures a stale output file is replaced, not kept.
func TestInstallOverwrites(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	out := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "libfoo.so"), []byte("NEW"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "libfoo.so"), []byte("OLD-AND-LONGER"), 0o644))

	res, err := Install(context.Background(), src, out)
	require.NoError(t, err)
	require.Equal(t, 1, res.Replaced)

	data, err := os.ReadFile(filepath.Join(out, "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, "NEW", string(data))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no .new or .old leftovers")
}

// TestInstallFollowsSymlinks checks that a staged symlink installs its target content.
func TestInstallFollowsSymlinks(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}

	src := t.TempDir()
	out := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "libfoo.so.1"), []byte("ELF"), 0o644))
	require.NoError(t, os.Symlink("libfoo.so.1", filepath.Join(src, "libfoo.so")))

	_, err := Install(context.Background(), src, out)
	require.NoError(t, err)

	info, err := os.Lstat(filepath.Join(out, "libfoo.so"))
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())

	data, err := os.ReadFile(filepath.Join(out, "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, "ELF", string(data))
}

// TestInstallMissingSource reports a listing failure as an io error.
func TestInstallMissingSource(t *testing.T) {
	t.Parallel()

	_, err := Install(context.Background(), filepath.Join(t.TempDir(), "absent"), t.TempDir())
	require.ErrorIs(t, err, provision.ErrIO)
	require.ErrorIs(t, err, os.ErrNotExist)
}
