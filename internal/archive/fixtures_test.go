package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// fixture is one archive member; names ending in "/" are directories,
// a non-empty link makes a symlink.
type fixture struct {
	name string
	body string
	mode fs.FileMode
	link string
}

// writeZip creates a zip archive with the given members in order.
func writeZip(t *testing.T, path string, members ...fixture) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)

	for _, m := range members {
		hdr := &zip.FileHeader{Name: m.name, Method: zip.Deflate}

		switch {
		case strings.HasSuffix(m.name, "/"):
			hdr.SetMode(fs.ModeDir | 0o755)
		case m.link != "":
			hdr.SetMode(fs.ModeSymlink | 0o777)
		case m.mode != 0:
			hdr.SetMode(m.mode)
		default:
			hdr.SetMode(0o644)
		}

		body := m.body
		if m.link != "" {
			body = m.link
		}

		fw, createErr := w.CreateHeader(hdr)
		require.NoError(t, createErr)

		_, err = io.WriteString(fw, body)
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// writeTar creates a tarball compressed according to format.
func writeTar(t *testing.T, path string, format Format, members ...fixture) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)

	var sink io.Writer = f

	flush := func() error { return nil }

	switch format {
	case FormatTarGz:
		gz := gzip.NewWriter(f)
		sink, flush = gz, gz.Close
	case FormatTarXz:
		xw, xzErr := xz.NewWriter(f)
		require.NoError(t, xzErr)

		sink, flush = xw, xw.Close
	case FormatTarZst:
		zw, zstErr := zstd.NewWriter(f)
		require.NoError(t, zstErr)

		sink, flush = zw, zw.Close
	}

	tw := tar.NewWriter(sink)

	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: 0o644}

		switch {
		case strings.HasSuffix(m.name, "/"):
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case m.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = m.link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(m.body))

			if m.mode != 0 {
				hdr.Mode = int64(m.mode.Perm())
			}
		}

		require.NoError(t, tw.WriteHeader(hdr))

		if hdr.Typeflag == tar.TypeReg {
			_, err = io.WriteString(tw, m.body)
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, flush())
	require.NoError(t, f.Close())
}

// readStaged returns the content of a staged file.
func readStaged(t *testing.T, root, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(data)
}
