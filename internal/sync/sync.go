package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/fetch"
	"github.com/schaermu/packsyncd/internal/ledger"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/naming"
	"github.com/schaermu/packsyncd/internal/state"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// FetchError reports that the manifest could not be retrieved. Nothing
// was changed on disk when Run returns it.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch manifest from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Engine reconciles the target directory with the manifest source
type Engine struct {
	cfg     *config.Config
	source  manifest.Source
	fetcher fetch.Fetcher
	fs      afero.Fs
	store   *state.Store
	matcher *naming.Matcher
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, source manifest.Source, fetcher fetch.Fetcher, fs afero.Fs, logger *slog.Logger, dryRun bool) (*Engine, error) {
	selfName := cfg.Sync.SelfName
	if selfName == "" && cfg.Sync.ExcludeSelf {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to determine own artifact name: %w", err)
		}
		selfName = filepath.Base(exe)
	}

	matcher, err := naming.NewMatcher(cfg.Sync.Extensions, selfName, cfg.Sync.ExcludeSelf)
	if err != nil {
		return nil, fmt.Errorf("failed to create name matcher: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		source:  source,
		fetcher: fetcher,
		fs:      fs,
		store:   state.NewStore(fs, cfg.Paths.StateDir),
		matcher: matcher,
		logger:  logger,
		dryRun:  dryRun,
	}, nil
}

// Run executes one reconciliation and returns the changes it made. A
// *FetchError means the run was aborted before touching the directory;
// per-file failures are logged and do not produce an error.
func (e *Engine) Run(ctx context.Context) (*ledger.Ledger, error) {
	log := e.logger.With("run_id", uuid.NewString())
	led := ledger.New()

	log.Info("starting sync",
		"source", e.source.Describe(),
		"target", e.cfg.Paths.TargetDir,
		"verify", e.cfg.Sync.Verify,
		"dry_run", e.dryRun)

	// Fetch
	current, err := e.fetchManifest(ctx, log)
	if err != nil {
		return led, err
	}

	// Removal
	listing, err := e.list()
	if err != nil {
		return led, err
	}
	var pending manifest.Manifest
	if previous := e.loadPrevious(log); previous != nil {
		baseline := append(append(manifest.Manifest{}, previous.Entries...), previous.Pending...)
		pending = e.removeStale(log, baseline, current, listing, led)
	} else {
		log.Info("no previous state, skipping removal")
	}

	// Persist
	e.persist(log, current, pending)

	// Classify
	if listing, err = e.list(); err != nil {
		return led, err
	}
	plan := classify(e.matcher, current, listing)
	if e.cfg.Sync.Verify == config.VerifyHash {
		e.verifyUnchanged(log, plan)
	}
	for _, rf := range plan.Skipped {
		log.Info("skipping own artifact", "name", rf.Entry.Name)
	}
	log.Info("sync plan",
		"download", plan.Count(ActionDownload),
		"replace", plan.Count(ActionReplace),
		"refresh", plan.Count(ActionRefresh),
		"unchanged", len(plan.Unchanged))

	// Execute
	if e.dryRun {
		e.logPlanDetails(log, plan)
		log.Info("dry-run complete, no changes applied")
		return led, nil
	}
	e.execute(ctx, log, plan, led)

	counts := led.Counts()
	log.Info("sync completed",
		"downloaded", counts[ledger.KindDownloaded],
		"updated", counts[ledger.KindUpdated],
		"deleted", counts[ledger.KindDeleted],
		"failed", len(plan.Jobs)-counts[ledger.KindDownloaded]-counts[ledger.KindUpdated])
	return led, nil
}

// fetchManifest retrieves, filters, validates and dedupes the manifest
func (e *Engine) fetchManifest(ctx context.Context, log *slog.Logger) (manifest.Manifest, error) {
	raw, err := e.source.Fetch(ctx)
	if err != nil {
		return nil, &FetchError{Source: e.source.Describe(), Err: err}
	}

	filtered, err := raw.Filter(e.cfg.Source.Include)
	if err != nil {
		return nil, &FetchError{Source: e.source.Describe(), Err: err}
	}

	valid := make(manifest.Manifest, 0, len(filtered))
	for _, entry := range filtered {
		if err := entry.Validate(); err != nil {
			log.Warn("dropping manifest entry", "name", entry.Name, "error", err)
			continue
		}
		valid = append(valid, entry)
	}

	current, dropped := dedupe(e.matcher, valid)
	for _, d := range dropped {
		log.Warn("duplicate canonical identifier, keeping first entry", "kept", d[0], "dropped", d[1])
	}

	log.Info("fetched manifest", "entries", len(raw), "kept", len(current))
	return current, nil
}

// loadPrevious returns the previous state, or nil when there is none or
// it cannot be read
func (e *Engine) loadPrevious(log *slog.Logger) *state.State {
	prev, err := e.store.Load()
	if err != nil {
		log.Warn("failed to load previous state (treating as first run)", "path", e.store.Path(), "error", err)
		return nil
	}
	return prev
}

// removeStale deletes local files of entries that left the manifest and
// returns the entries whose file could not be deleted
func (e *Engine) removeStale(log *slog.Logger, previous, current manifest.Manifest, listing []string, led *ledger.Ledger) manifest.Manifest {
	var failed manifest.Manifest
	for _, rf := range staleFiles(e.matcher, previous, current, listing) {
		path := filepath.Join(e.cfg.Paths.TargetDir, rf.OnDisk)
		if e.dryRun {
			log.Info("[dry-run] would delete", "name", rf.OnDisk)
			continue
		}
		if err := e.fs.Remove(path); err != nil {
			log.Error("failed to delete file", "name", rf.OnDisk, "path", path, "error", err)
			failed = append(failed, rf.Entry)
			continue
		}
		log.Info("deleted file", "name", rf.OnDisk)
		led.Deleted(rf.OnDisk)
	}
	return failed
}

// persist saves the current manifest as the next run's baseline
func (e *Engine) persist(log *slog.Logger, current, pending manifest.Manifest) {
	if e.dryRun {
		return
	}

	st := &state.State{
		Source:  e.source.Describe(),
		SavedAt: time.Now().UTC(),
		Entries: current,
		Pending: pending,
	}
	if r, ok := e.source.(manifest.Revisioned); ok {
		st.Revision = r.Revision()
	}

	if err := e.store.Save(st); err != nil {
		log.Warn("failed to save state", "path", e.store.Path(), "error", err)
	}
}

// verifyUnchanged turns same-named files with a mismatching content hash
// into refresh jobs
func (e *Engine) verifyUnchanged(log *slog.Logger, plan *Plan) {
	unchanged := plan.Unchanged[:0]
	for _, rf := range plan.Unchanged {
		if rf.Entry.Hash == "" {
			unchanged = append(unchanged, rf)
			continue
		}
		path := filepath.Join(e.cfg.Paths.TargetDir, rf.OnDisk)
		got, err := fetch.FileBlobHash(e.fs, path)
		if err != nil {
			log.Warn("failed to hash local file", "name", rf.OnDisk, "error", err)
			unchanged = append(unchanged, rf)
			continue
		}
		if got != rf.Entry.Hash {
			log.Info("content hash mismatch", "name", rf.OnDisk, "local", got, "remote", rf.Entry.Hash)
			plan.Jobs = append(plan.Jobs, Job{File: rf, Action: ActionRefresh})
			continue
		}
		unchanged = append(unchanged, rf)
	}
	plan.Unchanged = unchanged
}

// execute runs all jobs concurrently. Records are appended in plan order
// once every job has finished.
func (e *Engine) execute(ctx context.Context, log *slog.Logger, plan *Plan, led *ledger.Ledger) {
	if len(plan.Jobs) == 0 {
		return
	}

	d := &dedupFetcher{fetcher: e.fetcher, fs: e.fs, done: make(map[string]string)}
	ok := make([]bool, len(plan.Jobs))

	var g errgroup.Group
	g.SetLimit(max(e.cfg.Sync.Concurrency, 1))
	for i, job := range plan.Jobs {
		g.Go(func() error {
			ok[i] = e.runJob(ctx, log, d, job)
			return nil
		})
	}
	_ = g.Wait()

	for i, job := range plan.Jobs {
		if !ok[i] {
			continue
		}
		switch job.Action {
		case ActionDownload:
			led.Downloaded(job.File.Entry.Name)
		case ActionReplace, ActionRefresh:
			led.Updated(job.File.OnDisk, job.File.Entry.Name)
		}
	}
}

// runJob performs one job and reports whether it succeeded
func (e *Engine) runJob(ctx context.Context, log *slog.Logger, d *dedupFetcher, job Job) bool {
	entry := job.File.Entry
	dst := filepath.Join(e.cfg.Paths.TargetDir, entry.Name)

	if job.Action == ActionReplace {
		old := filepath.Join(e.cfg.Paths.TargetDir, job.File.OnDisk)
		if err := e.fs.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error("failed to delete old version, skipping entry",
				"name", entry.Name, "path", old, "error", err)
			return false
		}
		log.Info("replacing file",
			"from", job.File.OnDisk,
			"to", entry.Name,
			"direction", e.matcher.Direction(job.File.OnDisk, entry.Name))
	}

	if err := d.fetch(ctx, entry, dst); err != nil {
		log.Error("failed to download file", "name", entry.Name, "path", dst, "error", err)
		return false
	}
	log.Info("downloaded file", "name", entry.Name, "action", job.Action.String())
	return true
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(log *slog.Logger, plan *Plan) {
	for _, job := range plan.Jobs {
		switch job.Action {
		case ActionDownload:
			log.Info("[dry-run] would download", "name", job.File.Entry.Name, "url", job.File.Entry.URL)
		case ActionReplace:
			log.Info("[dry-run] would replace", "from", job.File.OnDisk, "to", job.File.Entry.Name,
				"direction", e.matcher.Direction(job.File.OnDisk, job.File.Entry.Name))
		case ActionRefresh:
			log.Info("[dry-run] would refresh", "name", job.File.Entry.Name)
		}
	}
}

// list returns the sorted names of regular files in the target directory,
// leaving out in-flight downloads and state writes
func (e *Engine) list() ([]string, error) {
	infos, err := afero.ReadDir(e.fs, e.cfg.Paths.TargetDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list target directory: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || isTempFile(info.Name()) {
			continue
		}
		names = append(names, info.Name())
	}
	return names, nil
}

func isTempFile(name string) bool {
	if strings.HasPrefix(name, fetch.TempPrefix) {
		return true
	}
	ok, _ := filepath.Match(state.TempPattern, name)
	return ok
}

// dedupFetcher downloads each content hash once per run and copies it to
// further targets sharing that hash
type dedupFetcher struct {
	fetcher fetch.Fetcher
	fs      afero.Fs
	group   singleflight.Group

	mu   gosync.Mutex
	done map[string]string // hash -> downloaded path
}

func (d *dedupFetcher) fetch(ctx context.Context, entry manifest.Entry, dst string) error {
	if entry.Hash == "" {
		return d.fetcher.Fetch(ctx, entry, dst)
	}

	ran := false
	v, err, _ := d.group.Do(entry.Hash, func() (any, error) {
		if src, ok := d.lookup(entry.Hash); ok {
			return src, nil
		}
		ran = true
		if err := d.fetcher.Fetch(ctx, entry, dst); err != nil {
			return "", err
		}
		d.remember(entry.Hash, dst)
		return dst, nil
	})
	if err != nil {
		if ran {
			return err
		}
		// another entry's download failed; try our own location
		return d.fetcher.Fetch(ctx, entry, dst)
	}

	src := v.(string)
	if src == dst {
		return nil
	}
	if err := fetch.CopyFile(d.fs, src, dst); err != nil {
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	return nil
}

func (d *dedupFetcher) lookup(hash string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.done[hash]
	return src, ok
}

func (d *dedupFetcher) remember(hash, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done[hash] = path
}
