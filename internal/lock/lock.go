// Package lock serializes provisioner runs that share a working directory.
//
// The lock is a file created with O_EXCL that holds the owner's PID. A lock
// whose owner is no longer running is stale and taken over. When the PID
// cannot be read, a lock older than the configured lifetime is stale too;
// holders keep it fresh with KeepAlive.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
)

// ErrLocked is returned while another live process holds the lock.
var ErrLocked = errors.New("another provisioner run holds the lock")

const (
	// defaultPollInterval is how often Acquire retries a held lock.
	defaultPollInterval = 250 * time.Millisecond
	// lockFilePermissions keeps the lock private to the build user.
	lockFilePermissions = 0o600
)

// Lock is a held lock file.
type Lock struct {
	path string
}

// Options tune lock acquisition.
type Options struct {
	// StaleAfter is the age after which a lock is ignored regardless of its owner.
	StaleAfter time.Duration
	// PollInterval is the delay between attempts in Acquire.
	PollInterval time.Duration
}

// Acquire waits until the lock at path is obtained or ctx is done.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	logged := false

	for {
		l, err := TryAcquire(ctx, path, opts.StaleAfter)
		if !errors.Is(err, ErrLocked) {
			return l, err
		}

		if !logged {
			logger.InfoKV(ctx, "Waiting for another provisioner run", "lock", path, "reason", err)

			logged = true
		}

		timer := time.NewTimer(opts.PollInterval)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
	}
}

// TryAcquire makes a single attempt, taking over a stale lock if needed.
func TryAcquire(ctx context.Context, path string, staleAfter time.Duration) (*Lock, error) {
	path = filepath.Clean(path)

	for attempt := 0; attempt < 2; attempt++ {
		err := create(path)
		if err == nil {
			return &Lock{path: path}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, provision.IOError("create", path, err)
		}

		held := inspect(path, staleAfter)
		if !held.stale {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, held.pid)
		}

		logger.WarnKV(ctx, "Removing stale lock", "lock", path, "pid", held.pid, "reason", held.reason)

		if err = removeIfUnchanged(path, held.info); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: lost the race for %s", ErrLocked, path)
}

// KeepAlive refreshes the lock's modification time every interval until the
// returned stop function is called. Owners whose PID cannot be checked are
// judged by that time.
func (l *Lock) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if l == nil || interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Touch(); err != nil {
					logger.WarnKV(ctx, "Could not refresh lock", "lock", l.path, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Touch sets the lock's modification time to now.
func (l *Lock) Touch() error {
	now := time.Now()

	if err := os.Chtimes(l.path, now, now); err != nil {
		return provision.IOError("touch", l.path, err)
	}

	return nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return provision.IOError("remove", l.path, err)
	}

	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func create(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFilePermissions)
	if err != nil {
		return err
	}

	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()))

	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}

	if writeErr != nil {
		_ = os.Remove(path)
	}

	return writeErr
}

// verdict is the outcome of inspecting an existing lock.
type verdict struct {
	pid    int
	stale  bool
	reason string
	// info identifies the inspected file so a replacement is never removed.
	info os.FileInfo
}

// inspect decides whether an existing lock can be taken over.
// A running owner always keeps its lock; the age limit only applies when the
// owner's PID cannot be read or checked.
func inspect(path string, staleAfter time.Duration) verdict {
	info, err := os.Stat(path)
	if err != nil {
		// Released between create and stat; Acquire simply retries.
		return verdict{}
	}

	v := verdict{info: info}

	if contents, readErr := os.ReadFile(path); readErr == nil {
		pid, atoiErr := strconv.Atoi(strings.TrimSpace(string(contents)))
		if atoiErr == nil && pid > 0 {
			v.pid = pid

			process, findErr := ps.FindProcess(pid)

			switch {
			case findErr == nil && process == nil:
				v.stale, v.reason = true, "owner is not running"

				return v
			case findErr == nil:
				return v
			}
		}
	}

	if staleAfter > 0 && time.Since(info.ModTime()) > staleAfter {
		v.stale, v.reason = true, "owner unknown and lock is older than "+staleAfter.String()
	}

	return v
}

// removeIfUnchanged deletes path only while it is still the file described by seen.
// Another waiter may already have replaced a stale lock with its own.
func removeIfUnchanged(path string, seen os.FileInfo) error {
	current, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return provision.IOError("stat", path, err)
	}

	if seen == nil || !os.SameFile(seen, current) || !current.ModTime().Equal(seen.ModTime()) {
		return nil
	}

	if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return provision.IOError("remove", path, err)
	}

	return nil
}
