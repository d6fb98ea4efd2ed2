package integration

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/deepspeech-provisioner/internal/config"
	"github.com/oshokin/deepspeech-provisioner/internal/service/provisioner"
)

// workspace is a throwaway work directory, output directory and settings file.
type workspace struct {
	work     string
	out      string
	settings string
}

func newWorkspace(t *testing.T, mutate func(*config.Config)) *workspace {
	t.Helper()

	root := t.TempDir()
	ws := &workspace{
		work:     filepath.Join(root, "work"),
		out:      filepath.Join(root, "out"),
		settings: filepath.Join(root, "provisioner.yaml"),
	}

	require.NoError(t, os.MkdirAll(ws.work, 0o755))

	cfg := config.Default()
	cfg.Library = "foo"
	cfg.ArchiveFilename = "libfoo.zip"
	cfg.StagingDir = "libfoo"
	cfg.LibrarySubdir = "lib"
	cfg.PkgConfig = filepath.Join(root, "no-such-pkg-config")

	mutate(cfg)

	require.NoError(t, config.Save(ws.settings, cfg))

	return ws
}

func (ws *workspace) options(stdout *bytes.Buffer) *provisioner.Options {
	return &provisioner.Options{
		ConfigPath: ws.settings,
		OutDir:     ws.out,
		WorkDir:    ws.work,
		Stdout:     stdout,
	}
}

func archiveServer(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/libfoo.zip", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts, &hits
}

func zipFixture(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, file := range []struct{ name, body string }{
		{"lib/libfoo.so", "ABC"},
		{"include/foo.h", "ignored"},
	} {
		w, err := zw.Create(file.name)
		require.NoError(t, err)

		_, err = w.Write([]byte(file.body))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// TestProvision_DownloadsExtractsInstalls is the end-to-end probe miss scenario.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestProvision_DownloadsExtractsInstalls(t *testing.T) {
	t.Parallel()

	ts, hits := archiveServer(t, http.StatusOK, zipFixture(t))
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.ArchiveURL = ts.URL + "/libfoo.zip"
	})

	var stdout bytes.Buffer

	require.NoError(t, provisioner.Run(context.Background(), ws.options(&stdout)))
	require.Equal(t, int32(1), hits.Load())

	data, err := os.ReadFile(filepath.Join(ws.out, "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, "ABC", string(data))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Equal(t, []string{
		"cargo:rustc-link-lib=foo",
		"cargo:rustc-link-search=" + ws.out,
	}, lines)

	// The header was filtered out by the prefix and appears nowhere.
	err = filepath.WalkDir(filepath.Dir(ws.out), func(path string, _ os.DirEntry, walkErr error) error {
		require.NoError(t, walkErr)
		require.NotEqual(t, "foo.h", filepath.Base(path))

		return nil
	})
	require.NoError(t, err)

	// A second run reuses the archive and replaces the installed file.
	require.NoError(t, os.WriteFile(filepath.Join(ws.out, "libfoo.so"), []byte("stale"), 0o644))

	stdout.Reset()
	require.NoError(t, provisioner.Run(context.Background(), ws.options(&stdout)))
	require.Equal(t, int32(1), hits.Load())

	data, err = os.ReadFile(filepath.Join(ws.out, "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, "ABC", string(data))
}

// TestProvision_StatusGate aborts on a 404 without extracting or caching anything.
func TestProvision_StatusGate(t *testing.T) {
	t.Parallel()

	ts, _ := archiveServer(t, http.StatusNotFound, []byte("<html>not found</html>"))
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.ArchiveURL = ts.URL + "/libfoo.zip"
	})

	var stdout bytes.Buffer

	err := provisioner.Run(context.Background(), ws.options(&stdout))
	require.ErrorContains(t, err, "404")
	require.Empty(t, stdout.String())
	require.NoFileExists(t, filepath.Join(ws.work, "libfoo.zip"))
	require.NoDirExists(t, filepath.Join(ws.out, "libfoo"))
}

// TestProvision_ConcurrentRuns share one work directory; the lock serializes them.
func TestProvision_ConcurrentRuns(t *testing.T) {
	t.Parallel()

	ts, hits := archiveServer(t, http.StatusOK, zipFixture(t))
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.ArchiveURL = ts.URL + "/libfoo.zip"
	})

	const runs = 3

	var (
		wg   sync.WaitGroup
		errs = make([]error, runs)
	)

	for i := range runs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = provisioner.Run(context.Background(), ws.options(new(bytes.Buffer)))
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), hits.Load())
	require.FileExists(t, filepath.Join(ws.out, "libfoo.so"))
	require.NoFileExists(t, filepath.Join(ws.work, "libfoo.zip.lock"))
}

// TestProvision_TarballWithSymlink installs the real file behind a versioned symlink.
func TestProvision_TarballWithSymlink(t *testing.T) {
	t.Parallel()

	var raw bytes.Buffer

	gz := gzip.NewWriter(&raw)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "lib/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "lib/libfoo.so.1", Typeflag: tar.TypeReg, Mode: 0o755, Size: 3,
	}))
	_, err := tw.Write([]byte("ELF"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "lib/libfoo.so", Typeflag: tar.TypeSymlink, Linkname: "libfoo.so.1",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	ts, _ := archiveServer(t, http.StatusOK, raw.Bytes())
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.ArchiveURL = ts.URL + "/libfoo.zip"
		cfg.ArchiveFilename = "libfoo.tar.gz"
	})

	require.NoError(t, provisioner.Run(context.Background(), ws.options(new(bytes.Buffer))))

	for _, name := range []string{"libfoo.so", "libfoo.so.1"} {
		data, readErr := os.ReadFile(filepath.Join(ws.out, name))
		require.NoError(t, readErr)
		require.Equal(t, "ELF", string(data))
	}
}

// TestProvision_SystemLibrary uses a pkg-config stand-in that knows the library.
func TestProvision_SystemLibrary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for pkg-config needs a POSIX shell")
	}

	ts, hits := archiveServer(t, http.StatusOK, zipFixture(t))

	script := filepath.Join(t.TempDir(), "pkg-config")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+
		"if [ \"$1\" = \"--exists\" ]; then exit 0; fi\n"+
		"echo \"-L/usr/local/lib -lfoo\"\n"), 0o700))

	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.ArchiveURL = ts.URL + "/libfoo.zip"
		cfg.PkgConfig = script
	})

	var stdout bytes.Buffer

	require.NoError(t, provisioner.Run(context.Background(), ws.options(&stdout)))
	require.Equal(t, "cargo:rustc-link-search=/usr/local/lib\ncargo:rustc-link-lib=foo\n", stdout.String())
	require.Zero(t, hits.Load())
	require.NoDirExists(t, ws.out)
	require.NoFileExists(t, filepath.Join(ws.work, "libfoo.zip"))
}

// TestClean_RemovesCache leaves installed libraries in place.
func TestClean_RemovesCache(t *testing.T) {
	t.Parallel()

	ts, _ := archiveServer(t, http.StatusOK, zipFixture(t))
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.ArchiveURL = ts.URL + "/libfoo.zip"
	})

	opts := ws.options(new(bytes.Buffer))
	require.NoError(t, provisioner.Run(context.Background(), opts))

	cfg, err := provisioner.LoadConfig(opts)
	require.NoError(t, err)
	require.NoError(t, provisioner.Clean(context.Background(), cfg))

	require.NoFileExists(t, filepath.Join(ws.work, "libfoo.zip"))
	require.NoDirExists(t, filepath.Join(ws.out, "libfoo"))
	require.FileExists(t, filepath.Join(ws.out, "libfoo.so"))
}
