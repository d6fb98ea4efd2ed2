package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"
	"go.uber.org/multierr"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
)

// Result lists what Install copied.
type Result struct {
	// Files are the installed file names, in directory order.
	Files []string
	// Replaced counts files that overwrote an existing copy.
	Replaced int
}

// Install copies the immediate files of srcDir into outDir.
// Sub-directories are ignored; symlinks are followed and their target content is copied.
func Install(ctx context.Context, srcDir, outDir string) (Result, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return Result{}, provision.IOError("list", srcDir, err)
	}

	if err = os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, provision.IOError("mkdir", outDir, err)
	}

	var result Result

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return result, err
		}

		src := filepath.Join(srcDir, entry.Name())

		info, statErr := os.Stat(src)
		if statErr != nil {
			return result, provision.IOError("stat", src, statErr)
		}

		if !info.Mode().IsRegular() {
			logger.DebugKV(ctx, "Skipping non-file entry", "path", src)
			continue
		}

		dst := filepath.Join(outDir, entry.Name())

		replaced, installErr := installFile(src, dst, info.Mode().Perm())
		if installErr != nil {
			return result, installErr
		}

		if replaced {
			result.Replaced++
		}

		result.Files = append(result.Files, entry.Name())

		logger.InfoKV(ctx, "Installed library file", "file", entry.Name(), "replaced", replaced)
	}

	return result, nil
}

// installFile applies src over dst and reports whether dst existed before.
func installFile(src, dst string, mode fs.FileMode) (replaced bool, err error) {
	switch _, statErr := os.Lstat(dst); {
	case statErr == nil:
		replaced = true
	case errors.Is(statErr, os.ErrNotExist):
		// go-update swaps files, so the target has to exist first.
		placeholder, createErr := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
		if createErr != nil {
			return false, provision.IOError("create", dst, createErr)
		}

		if err = placeholder.Close(); err != nil {
			return false, provision.IOError("close", dst, err)
		}
	default:
		return false, provision.IOError("stat", dst, statErr)
	}

	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return replaced, provision.IOError("open", src, err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(in))

	opts := goupdate.Options{
		TargetPath: dst,
		TargetMode: mode,
	}

	if err = goupdate.Apply(in, opts); err != nil {
		if !replaced {
			_ = os.Remove(dst)
		}

		return replaced, provision.IOError("replace", dst, fmt.Errorf("apply %s: %w", src, err))
	}

	// go-update deletes the stale copy itself; a leftover only happens on Windows.
	_ = os.Remove(filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".old"))

	return replaced, nil
}
