package provisioner

import (
	"context"
	"fmt"
	"os"

	"github.com/oshokin/deepspeech-provisioner/internal/config"
	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/lock"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
)

// Clean removes the cached archive, a leftover partial download and the staging tree.
// Installed library files in the output directory are left alone.
func Clean(ctx context.Context, cfg *config.Config) error {
	ctx = logger.WithName(ctx, "clean")

	held, err := lock.Acquire(ctx, cfg.LockPath(), lock.Options{StaleAfter: cfg.LockStaleAfter})
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}

	defer func() {
		if releaseErr := held.Release(); releaseErr != nil {
			logger.WarnKV(ctx, "Could not release lock", "lock", held.Path(), "error", releaseErr)
		}
	}()

	for _, path := range []string{cfg.ArchivePath(), cfg.ArchivePath() + ".part", cfg.StagingPath()} {
		if _, statErr := os.Lstat(path); os.IsNotExist(statErr) {
			continue
		}

		if err = os.RemoveAll(path); err != nil {
			return provision.IOError("remove", path, err)
		}

		logger.InfoKV(ctx, "Removed", "path", path)
	}

	return nil
}
