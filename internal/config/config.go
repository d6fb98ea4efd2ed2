package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the pipeline needs; nothing is read from package globals.
type Config struct {
	// Library is the name probed with pkg-config and declared to the linker.
	Library string `yaml:"library"`
	// ArchiveURL is the location of the prebuilt archive.
	ArchiveURL string `yaml:"archive_url"`
	// ArchiveFilename is the cached download, relative to WorkDir unless absolute.
	ArchiveFilename string `yaml:"archive_filename"`
	// ArchiveSHA256 optionally pins the hex digest of a fresh download.
	ArchiveSHA256 string `yaml:"archive_sha256,omitempty"`
	// EntryPrefix is the allow-list prefix for archive entry names.
	EntryPrefix string `yaml:"entry_prefix"`
	// StagingDir is the extraction root, relative to OutDir.
	StagingDir string `yaml:"staging_dir"`
	// LibrarySubdir holds the shared libraries, relative to StagingDir.
	LibrarySubdir string `yaml:"library_subdir"`
	// KeepStaging disables the delete-and-recreate of StagingDir before extraction.
	KeepStaging bool `yaml:"keep_staging"`
	// DirectivePrefix starts every emitted directive line.
	DirectivePrefix string `yaml:"directive_prefix"`
	// PkgConfig is the pkg-config executable.
	PkgConfig string `yaml:"pkg_config"`
	// PkgConfigPath adds directories to PKG_CONFIG_PATH for the probe.
	PkgConfigPath []string `yaml:"pkg_config_path,omitempty"`
	// DownloadTimeout bounds the whole archive transfer; zero means no limit.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// LockStaleAfter is the age after which a lock file is ignored.
	LockStaleAfter time.Duration `yaml:"lock_stale_after"`
	// WorkDir is where the archive is cached. Set at runtime, not persisted.
	WorkDir string `yaml:"-"`
	// OutDir is the build output directory. Set at runtime, not persisted.
	OutDir string `yaml:"-"`
}

const (
	// DefaultLibrary is the native library name.
	DefaultLibrary = "deepspeech"
	// DefaultArchiveURL hosts the prebuilt libdeepspeech binaries.
	DefaultArchiveURL = "https://github.com/happychameleon/deepspeech_bin/raw/main/libdeepspeech.zip"
	// DefaultArchiveFilename is the cached download name.
	DefaultArchiveFilename = "libdeepspeech.zip"
	// DefaultEntryPrefix keeps headers and docs out of the staging tree.
	DefaultEntryPrefix = "lib"
	// DefaultStagingDir is created under the output directory.
	DefaultStagingDir = "libdeepspeech"
	// DefaultLibrarySubdir is where the archive keeps the shared libraries.
	DefaultLibrarySubdir = "libdeepspeech"
	// DefaultDirectivePrefix matches the cargo build-script protocol.
	DefaultDirectivePrefix = "cargo"
	// DefaultPkgConfig is looked up in PATH.
	DefaultPkgConfig = "pkg-config"
	// DefaultLockStaleAfter covers a slow download of the archive.
	DefaultLockStaleAfter = 10 * time.Minute

	// OutDirEnv names the variable the build system sets to its output directory.
	OutDirEnv = "OUT_DIR"

	// DefaultFilePermissions is used when saving the settings file.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errOutDirRequired is returned when neither the flag nor OUT_DIR provide an output directory.
	errOutDirRequired = errors.New("output directory must be provided (--out-dir or " + OutDirEnv + ")")
	// errInvalidArchiveURL is returned for URLs without an http(s) scheme.
	errInvalidArchiveURL = errors.New("archive url must be http or https")
	// errInvalidChecksum is returned for malformed sha256 pins.
	errInvalidChecksum = errors.New("archive_sha256 must be 64 hex characters")
	// errNestedPath is returned when a relative setting escapes its parent directory.
	errNestedPath = errors.New("path must stay inside its parent directory")
)

// Default returns a configuration populated with the built-in values.
func Default() *Config {
	return &Config{
		Library:         DefaultLibrary,
		ArchiveURL:      DefaultArchiveURL,
		ArchiveFilename: DefaultArchiveFilename,
		EntryPrefix:     DefaultEntryPrefix,
		StagingDir:      DefaultStagingDir,
		LibrarySubdir:   DefaultLibrarySubdir,
		DirectivePrefix: DefaultDirectivePrefix,
		PkgConfig:       DefaultPkgConfig,
		LockStaleAfter:  DefaultLockStaleAfter,
	}
}

// Load reads configuration from the provided path on top of Default.
// An empty path returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return cfg, nil
}

// Save writes the persisted part of the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills empty fields with defaults and checks the rest.
// WorkDir defaults to the current directory; OutDir is mandatory.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	applyDefaults(cfg)

	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("current directory: %w", err)
		}

		cfg.WorkDir = wd
	}

	if cfg.OutDir == "" {
		return errOutDirRequired
	}

	parsed, err := url.ParseRequestURI(cfg.ArchiveURL)
	if err != nil {
		return fmt.Errorf("invalid archive url: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s: %w", cfg.ArchiveURL, errInvalidArchiveURL)
	}

	if cfg.ArchiveSHA256 != "" {
		cfg.ArchiveSHA256 = strings.ToLower(strings.TrimSpace(cfg.ArchiveSHA256))

		if decoded, decodeErr := hex.DecodeString(cfg.ArchiveSHA256); decodeErr != nil || len(decoded) != 32 {
			return errInvalidChecksum
		}
	}

	for name, rel := range map[string]string{
		"staging_dir":    cfg.StagingDir,
		"library_subdir": cfg.LibrarySubdir,
	} {
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%s %q: %w", name, rel, errNestedPath)
		}
	}

	return nil
}

// ArchivePath is the absolute location of the cached download.
func (c *Config) ArchivePath() string {
	if filepath.IsAbs(c.ArchiveFilename) {
		return filepath.Clean(c.ArchiveFilename)
	}

	return filepath.Join(c.WorkDir, c.ArchiveFilename)
}

// StagingPath is the extraction root.
func (c *Config) StagingPath() string {
	return filepath.Join(c.OutDir, c.StagingDir)
}

// LibraryPath is the staged directory whose files get installed.
func (c *Config) LibraryPath() string {
	return filepath.Join(c.StagingPath(), c.LibrarySubdir)
}

// LockPath guards the archive and staging paths against concurrent runs.
func (c *Config) LockPath() string {
	return c.ArchivePath() + ".lock"
}

func applyDefaults(cfg *Config) {
	defaults := Default()

	setIfEmpty(&cfg.Library, defaults.Library)
	setIfEmpty(&cfg.ArchiveURL, defaults.ArchiveURL)
	setIfEmpty(&cfg.ArchiveFilename, defaults.ArchiveFilename)
	setIfEmpty(&cfg.StagingDir, defaults.StagingDir)
	setIfEmpty(&cfg.LibrarySubdir, defaults.LibrarySubdir)
	setIfEmpty(&cfg.DirectivePrefix, defaults.DirectivePrefix)
	setIfEmpty(&cfg.PkgConfig, defaults.PkgConfig)
	setIfEmpty(&cfg.EntryPrefix, defaults.EntryPrefix)

	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = defaults.LockStaleAfter
	}
}

func setIfEmpty(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}
