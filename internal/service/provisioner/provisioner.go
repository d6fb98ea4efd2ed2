package provisioner

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cavaliergopher/grab/v3"

	"github.com/oshokin/deepspeech-provisioner/internal/archive"
	"github.com/oshokin/deepspeech-provisioner/internal/config"
	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/fetcher"
	"github.com/oshokin/deepspeech-provisioner/internal/installer"
	"github.com/oshokin/deepspeech-provisioner/internal/linker"
	"github.com/oshokin/deepspeech-provisioner/internal/lock"
	"github.com/oshokin/deepspeech-provisioner/internal/locator"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
)

// keepAliveDivisor sets how many lock refreshes happen within one lock_stale_after period.
const keepAliveDivisor = 3

// Options are inputs accepted by the provisioner entry points.
type Options struct {
	// ConfigPath is the optional path to a settings YAML file.
	ConfigPath string
	// OutDir overrides the build output directory (otherwise OUT_DIR).
	OutDir string
	// WorkDir overrides where the archive is cached (otherwise the current directory).
	WorkDir string
	// SkipProbe goes straight to provisioning.
	SkipProbe bool
	// Stdout receives linker directives; nil means os.Stdout.
	Stdout io.Writer
	// Prober replaces the pkg-config probe; nil means pkg-config.
	Prober locator.Prober
	// HTTPClient replaces the client used for the archive download.
	HTTPClient grab.HTTPClient
}

// Outcome tells how a successful run ended.
type Outcome int

const (
	// OutcomeFound means pkg-config knew the library; nothing was downloaded.
	OutcomeFound Outcome = iota
	// OutcomeProvisioned means the prebuilt library was installed.
	OutcomeProvisioned
)

// Report describes a finished run.
type Report struct {
	Outcome    Outcome
	Stages     []provision.Stage
	Directives []linker.Directive
	Archive    fetcher.Result
	Extracted  archive.Summary
	Installed  installer.Result
}

// runner holds the state of a single provisioning run.
// It is unexported: call Run or Provision.
type runner struct {
	cfg       *config.Config
	prober    locator.Prober
	fetcher   *fetcher.Fetcher
	emitter   *linker.Emitter
	skipProbe bool
	report    *Report
}

// Run loads the configuration, provisions the library and logs the outcome.
// It is the entry point used by the CLI.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "provisioner")

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	report, err := Provision(ctx, cfg, opts)
	if err != nil {
		logger.ErrorKV(ctx, "Provisioning failed", "class", provision.Classify(err), "error", err)
		return err
	}

	if report.Outcome == OutcomeFound {
		logger.InfoKV(ctx, "Using system library", "library", cfg.Library)
	} else {
		logger.InfoKV(ctx, "Prebuilt library installed", "library", cfg.Library,
			"dir", cfg.OutDir, "files", len(report.Installed.Files))
	}

	return nil
}

// LoadConfig reads the optional settings file and applies the option overrides.
func LoadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	cfg.OutDir = opts.OutDir
	if cfg.OutDir == "" {
		cfg.OutDir = os.Getenv(config.OutDirEnv)
	}

	cfg.WorkDir = opts.WorkDir

	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Provision runs the pipeline for an already validated configuration.
func Provision(ctx context.Context, cfg *config.Config, opts *Options) (*Report, error) {
	if opts == nil {
		opts = new(Options)
	}

	r := newRunner(cfg, opts)

	if err := r.run(ctx); err != nil {
		r.advance(ctx, provision.StageFailed)
		return r.report, err
	}

	return r.report, nil
}

func newRunner(cfg *config.Config, opts *Options) *runner {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	prober := opts.Prober
	if prober == nil {
		prober = locator.NewPkgConfig(cfg.PkgConfig, cfg.PkgConfigPath)
	}

	return &runner{
		cfg:       cfg,
		prober:    prober,
		fetcher:   fetcher.New(fetcher.WithHTTPClient(opts.HTTPClient)),
		emitter:   linker.NewEmitter(stdout, cfg.DirectivePrefix),
		skipProbe: opts.SkipProbe,
		report:    new(Report),
	}
}

// run walks Probing → Fetching → Extracting → Installing.
func (r *runner) run(ctx context.Context) error {
	r.advance(ctx, provision.StageProbing)

	found, err := r.probe(ctx)
	if err != nil || found {
		return err
	}

	held, err := lock.Acquire(ctx, r.cfg.LockPath(), lock.Options{StaleAfter: r.cfg.LockStaleAfter})
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}

	defer func() {
		if releaseErr := held.Release(); releaseErr != nil {
			logger.WarnKV(ctx, "Could not release lock", "lock", held.Path(), "error", releaseErr)
		}
	}()

	stopKeepAlive := held.KeepAlive(ctx, r.cfg.LockStaleAfter/keepAliveDivisor)
	defer stopKeepAlive()

	r.advance(ctx, provision.StageFetching)

	if err = r.fetch(ctx); err != nil {
		return fmt.Errorf("fetch archive: %w", err)
	}

	r.advance(ctx, provision.StageExtracting)

	if err = r.extract(ctx); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	r.advance(ctx, provision.StageInstalling)

	if err = r.install(ctx); err != nil {
		return fmt.Errorf("install library: %w", err)
	}

	r.report.Outcome = OutcomeProvisioned
	r.advance(ctx, provision.StageSucceeded)

	return nil
}

// probe returns true when the system library was found and declared.
func (r *runner) probe(ctx context.Context) (bool, error) {
	if r.skipProbe {
		logger.Info(ctx, "Skipping pkg-config probe")
		return false, nil
	}

	result, flags, err := r.prober.Probe(ctx, r.cfg.Library)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", r.cfg.Library, err)
	}

	logger.InfoKV(ctx, "Probed system library", "library", r.cfg.Library, "result", result)

	if result != locator.Found {
		return false, nil
	}

	directives := make([]linker.Directive, 0, len(flags.SearchPaths)+len(flags.Libraries))
	for _, dir := range flags.SearchPaths {
		directives = append(directives, linker.LinkSearch(dir))
	}

	for _, lib := range flags.Libraries {
		directives = append(directives, linker.LinkLib(lib))
	}

	if err = r.emit(directives...); err != nil {
		return false, err
	}

	r.report.Outcome = OutcomeFound
	r.advance(ctx, provision.StageSucceeded)

	return true, nil
}

func (r *runner) fetch(ctx context.Context) error {
	var sum []byte

	if r.cfg.ArchiveSHA256 != "" {
		decoded, err := hex.DecodeString(r.cfg.ArchiveSHA256)
		if err != nil {
			return fmt.Errorf("decode archive_sha256: %w", err)
		}

		sum = decoded
	}

	if r.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.cfg.DownloadTimeout)
		defer cancel()
	}

	res, err := r.fetcher.Fetch(ctx, fetcher.Request{
		URL:         r.cfg.ArchiveURL,
		Destination: r.cfg.ArchivePath(),
		SHA256:      sum,
	})
	if err != nil {
		return err
	}

	r.report.Archive = res

	return nil
}

func (r *runner) extract(ctx context.Context) error {
	staging := r.cfg.StagingPath()

	// Files from an earlier, possibly interrupted run must not mix with this one.
	if !r.cfg.KeepStaging {
		if err := os.RemoveAll(staging); err != nil {
			return provision.IOError("remove", staging, err)
		}
	}

	summary, err := archive.Extract(ctx, r.cfg.ArchivePath(), staging, r.cfg.EntryPrefix)
	if err != nil {
		return err
	}

	r.report.Extracted = summary

	logger.InfoKV(ctx, "Archive extracted", "dir", staging,
		"files", summary.Files, "dirs", summary.Dirs, "symlinks", summary.Symlinks, "skipped", summary.Skipped)

	return nil
}

func (r *runner) install(ctx context.Context) error {
	res, err := installer.Install(ctx, r.cfg.LibraryPath(), r.cfg.OutDir)
	if err != nil {
		return err
	}

	r.report.Installed = res

	return r.emit(linker.LinkLib(r.cfg.Library), linker.LinkSearch(r.cfg.OutDir))
}

func (r *runner) emit(directives ...linker.Directive) error {
	if err := r.emitter.Emit(directives...); err != nil {
		return provision.IOError("write", "directives", err)
	}

	r.report.Directives = r.emitter.Emitted()

	return nil
}

// advance records a stage transition.
func (r *runner) advance(ctx context.Context, next provision.Stage) {
	if n := len(r.report.Stages); n > 0 {
		if current := r.report.Stages[n-1]; !current.CanAdvance(next) {
			logger.WarnKV(ctx, "Unexpected stage transition", "from", current, "to", next)
		}
	}

	r.report.Stages = append(r.report.Stages, next)

	logger.DebugKV(ctx, "Stage", "stage", next)
}
