package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.uber.org/multierr"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
)

const (
	// dirPermissions is used for every directory created in the staging tree.
	dirPermissions = 0o755
	// filePermissions is the base mode of extracted files; executable bits are kept from the entry.
	filePermissions = 0o644
)

// Summary counts what an extraction did.
type Summary struct {
	Files    int
	Dirs     int
	Symlinks int
	Skipped  int
}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
	kindOther
)

// entry is the format-independent view of an archive member.
type entry struct {
	name     string
	kind     entryKind
	mode     fs.FileMode
	linkname string
	// open returns the decompressed content; only valid during the visit.
	open func() (io.ReadCloser, error)
}

// extractor writes matching entries under root.
type extractor struct {
	root    string
	prefix  string
	summary Summary
}

// Extract unpacks every entry of the archive at path whose name starts with
// prefix into dest, creating dest if needed. Entries are visited in archive order.
func Extract(ctx context.Context, path, dest, prefix string) (Summary, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return Summary{}, err
	}

	if err = os.MkdirAll(dest, dirPermissions); err != nil {
		return Summary{}, provision.IOError("mkdir", dest, err)
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return Summary{}, provision.IOError("abs", dest, err)
	}

	x := &extractor{
		root:   root,
		prefix: prefix,
	}

	logger.DebugKV(ctx, "Extracting archive", "path", path, "format", format, "dest", root, "prefix", prefix)

	visit := func(e *entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		return x.visit(ctx, e)
	}

	if format == FormatZip {
		err = walkZip(path, visit)
	} else {
		err = walkTar(path, format, visit)
	}

	return x.summary, err
}

func (x *extractor) visit(ctx context.Context, e *entry) error {
	if !strings.HasPrefix(e.name, x.prefix) {
		x.summary.Skipped++
		return nil
	}

	target, err := resolve(x.root, e.name)
	if err != nil {
		logger.WarnKV(ctx, "Skipping archive entry", "entry", e.name, "reason", err)

		x.summary.Skipped++

		return nil
	}

	link, err := symlinkAncestor(x.root, target)
	if err != nil {
		return provision.IOError("lstat", target, err)
	}

	if link != "" {
		logger.WarnKV(ctx, "Skipping archive entry below a symlink", "entry", e.name, "symlink", link)

		x.summary.Skipped++

		return nil
	}

	switch e.kind {
	case kindDir:
		if err = os.MkdirAll(target, dirPermissions); err != nil {
			return provision.IOError("mkdir", target, err)
		}

		x.summary.Dirs++
	case kindFile:
		if err = x.writeFile(target, e); err != nil {
			return err
		}

		x.summary.Files++
	case kindSymlink:
		if !localLinkTarget(e.linkname) {
			logger.WarnKV(ctx, "Skipping symlink leaving the staging directory", "entry", e.name, "target", e.linkname)

			x.summary.Skipped++

			return nil
		}

		if err = x.writeSymlink(target, e.linkname); err != nil {
			return err
		}

		x.summary.Symlinks++
	default:
		logger.DebugKV(ctx, "Skipping unsupported entry type", "entry", e.name)

		x.summary.Skipped++
	}

	return nil
}

func (x *extractor) writeFile(target string, e *entry) (err error) {
	if err = os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return provision.IOError("mkdir", filepath.Dir(target), err)
	}

	// Never write through a symlink left by a previous run.
	if err = os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return provision.IOError("remove", target, err)
	}

	src, err := e.open()
	if err != nil {
		return provision.ArchiveError(e.name, err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(src))

	perm := fs.FileMode(filePermissions) | e.mode.Perm()&0o111

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return provision.IOError("create", target, err)
	}

	if err = copyEntry(out, src, e.name, target); err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return provision.IOError("close", target, err)
	}

	return nil
}

// recordingWriter remembers the last write error so a failed copy can be
// attributed to the filesystem rather than to the archive stream.
type recordingWriter struct {
	w   io.Writer
	err error
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if err != nil {
		r.err = err
	}

	return n, err
}

// copyEntry streams an entry's content into dst. Write failures are I/O
// errors on target; read failures are archive errors on name.
func copyEntry(dst io.Writer, src io.Reader, name, target string) error {
	sink := &recordingWriter{w: dst}

	if _, err := io.Copy(sink, src); err != nil {
		if sink.err != nil {
			return provision.IOError("write", target, sink.err)
		}

		return provision.ArchiveError(name, err)
	}

	return nil
}

func (x *extractor) writeSymlink(target, linkname string) error {
	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return provision.IOError("mkdir", filepath.Dir(target), err)
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return provision.IOError("remove", target, err)
	}

	if err := os.Symlink(filepath.FromSlash(linkname), target); err != nil {
		return provision.IOError("symlink", target, err)
	}

	return nil
}

// walkZip visits zip members in central directory order.
func walkZip(path string, visit func(*entry) error) (err error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return provision.ArchiveError(path, err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(r))

	for _, f := range r.File {
		e := &entry{
			name: f.Name,
			mode: f.Mode(),
			open: f.Open,
		}

		switch {
		case f.FileInfo().IsDir():
			e.kind = kindDir
		case f.Mode()&fs.ModeSymlink != 0:
			e.kind = kindSymlink

			if e.linkname, err = readLinkname(f); err != nil {
				return provision.ArchiveError(f.Name, err)
			}
		case f.Mode().IsRegular():
			e.kind = kindFile
		default:
			e.kind = kindOther
		}

		if err = visit(e); err != nil {
			return err
		}
	}

	return nil
}

// readLinkname returns the target of a zip symlink, stored as the entry content.
func readLinkname(f *zip.File) (_ string, err error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rc))

	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}

	return string(target), nil
}

// walkTar visits tar members in stream order.
func walkTar(path string, format Format, visit func(*entry) error) (err error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return provision.IOError("open", path, err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(file))

	stream, closeStream, err := decompress(file, format)
	if err != nil {
		return provision.ArchiveError(path, err)
	}
	defer closeStream()

	tr := tar.NewReader(stream)

	for {
		header, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}

		if nextErr != nil {
			return provision.ArchiveError(path, nextErr)
		}

		e := &entry{
			name:     header.Name,
			mode:     header.FileInfo().Mode(),
			linkname: header.Linkname,
			open: func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			},
		}

		switch header.Typeflag {
		case tar.TypeDir:
			e.kind = kindDir
		case tar.TypeReg:
			e.kind = kindFile
		case tar.TypeSymlink:
			e.kind = kindSymlink
		default:
			e.kind = kindOther
		}

		if err = visit(e); err != nil {
			return err
		}
	}
}

// decompress wraps r according to the tarball compression.
func decompress(r io.Reader, format Format) (io.Reader, func(), error) {
	switch format {
	case FormatTar:
		return r, func() {}, nil
	case FormatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}

		return gz, func() { _ = gz.Close() }, nil
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}

		return xr, func() {}, nil
	case FormatTarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}

		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported format %s", format)
	}
}
