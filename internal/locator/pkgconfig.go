package locator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
)

// Result is the outcome of a probe.
type Result int

const (
	// NotFound means provisioning must continue.
	NotFound Result = iota
	// Found means the library is installed and its flags are known; nothing else runs.
	Found
)

func (r Result) String() string {
	if r == Found {
		return "found"
	}

	return "not found"
}

// Flags are the linker inputs reported for an installed library.
type Flags struct {
	// SearchPaths come from -L tokens.
	SearchPaths []string
	// Libraries come from -l tokens.
	Libraries []string
}

// Prober looks up an installed library by name.
type Prober interface {
	Probe(ctx context.Context, name string) (Result, Flags, error)
}

// PkgConfig probes with the pkg-config executable.
type PkgConfig struct {
	// binary is the pkg-config executable name or path.
	binary string
	// extraPaths are prepended to PKG_CONFIG_PATH.
	extraPaths []string
}

// NewPkgConfig creates a prober; an empty binary means "pkg-config" from PATH.
func NewPkgConfig(binary string, extraPaths []string) *PkgConfig {
	if binary == "" {
		binary = "pkg-config"
	}

	return &PkgConfig{
		binary:     binary,
		extraPaths: append([]string(nil), extraPaths...),
	}
}

// Probe reports Found with the library's -L/-l flags, or NotFound when
// pkg-config is missing, does not know the library, or cannot list its flags.
func (p *PkgConfig) Probe(ctx context.Context, name string) (Result, Flags, error) {
	binary, err := exec.LookPath(p.binary)
	if err != nil {
		logger.DebugKV(ctx, "pkg-config is not available", "binary", p.binary, "error", err)
		return NotFound, Flags{}, nil
	}

	if _, err = p.run(ctx, binary, "--exists", name); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NotFound, Flags{}, ctxErr
		}

		logger.DebugKV(ctx, "Library is not registered", "library", name, "reason", provision.ErrProbeMiss)

		return NotFound, Flags{}, nil
	}

	out, err := p.run(ctx, binary, "--libs-only-L", "--libs-only-l", name)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NotFound, Flags{}, ctxErr
		}

		logger.WarnKV(ctx, "Library is registered but its flags are unreadable", "library", name, "error", err)

		return NotFound, Flags{}, nil
	}

	flags := ParseFlags(out)
	if len(flags.Libraries) == 0 {
		flags.Libraries = []string{name}
	}

	return Found, flags, nil
}

func (p *PkgConfig) run(ctx context.Context, binary string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = p.environ()

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%s %s: %w: %s",
				p.binary, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}

		return "", fmt.Errorf("%s %s: %w", p.binary, strings.Join(args, " "), err)
	}

	return string(out), nil
}

func (p *PkgConfig) environ() []string {
	env := os.Environ()
	if len(p.extraPaths) == 0 {
		return env
	}

	paths := append([]string(nil), p.extraPaths...)
	if current := os.Getenv("PKG_CONFIG_PATH"); current != "" {
		paths = append(paths, current)
	}

	return append(env, "PKG_CONFIG_PATH="+strings.Join(paths, string(os.PathListSeparator)))
}

// ParseFlags extracts -L and -l values from pkg-config output.
// Both "-L/dir" and "-L /dir" spellings are accepted; other tokens are ignored.
func ParseFlags(output string) Flags {
	var (
		flags  Flags
		fields = strings.Fields(output)
	)

	for i := 0; i < len(fields); i++ {
		token := fields[i]

		switch {
		case token == "-L" || token == "-l":
			if i+1 >= len(fields) {
				continue
			}

			i++

			if token == "-L" {
				flags.SearchPaths = appendUnique(flags.SearchPaths, fields[i])
			} else {
				flags.Libraries = appendUnique(flags.Libraries, fields[i])
			}
		case strings.HasPrefix(token, "-L"):
			flags.SearchPaths = appendUnique(flags.SearchPaths, token[2:])
		case strings.HasPrefix(token, "-l"):
			flags.Libraries = appendUnique(flags.Libraries, token[2:])
		}
	}

	return flags
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}

	return append(values, value)
}
