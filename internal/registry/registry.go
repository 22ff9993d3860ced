// Package registry holds named sketches for concurrent use.
//
// The sketches themselves are not synchronized; every entry carries its own
// RWMutex and the registry map has another. Cross-entry operations (merge,
// union) copy their sources under read locks before taking the destination's
// write lock, so no two entry locks are ever held at once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fidde/cardinality_sketch/internal/observability"
	"github.com/fidde/cardinality_sketch/internal/storage"
	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

var (
	// ErrTooManySketches is returned when creating a sketch would exceed
	// the configured limit.
	ErrTooManySketches = errors.New("sketch limit reached")

	// ErrWeightsMismatch is returned when weights and values differ in length.
	ErrWeightsMismatch = errors.New("weights and values differ in length")
)

// Options configures a Registry.
type Options struct {
	// Defaults fills zero fields of specs and is used for auto-created sketches.
	Defaults models.SketchSpec

	// MaxSketches caps the number of sketches; zero means unlimited.
	MaxSketches int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type entry struct {
	mu sync.RWMutex

	spec      models.SketchSpec // resolved: variant, precision and hash name are set
	sketch    *hyperloglog.HyperLogLog
	updates   int64
	updatedAt time.Time

	// version counts mutations; saved is the version last written to storage.
	version uint64
	saved   uint64
}

func (e *entry) touch(now time.Time) {
	e.updatedAt = now
	e.version++
}

// Registry is a concurrency-safe collection of named sketches.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	deleted map[string]struct{} // deletions not yet propagated to storage

	defaults    models.SketchSpec
	maxSketches int
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// New creates a registry. The default spec must resolve to a valid config.
func New(opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		entries:     make(map[string]*entry),
		deleted:     make(map[string]struct{}),
		maxSketches: opts.MaxSketches,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         time.Now,
	}

	defaults, _, err := resolve(opts.Defaults, models.SketchSpec{})
	if err != nil {
		return nil, fmt.Errorf("default sketch spec: %w", err)
	}
	r.defaults = defaults

	opts.Metrics.RegisterSketchGauge(func() float64 { return float64(r.Len()) })
	return r, nil
}

// resolve fills zero fields of spec from defaults and canonicalizes it.
func resolve(spec, defaults models.SketchSpec) (models.SketchSpec, hyperloglog.Config, error) {
	if spec.Variant == "" {
		spec.Variant = defaults.Variant
	}
	if spec.Precision == 0 {
		spec.Precision = defaults.Precision
	}
	if spec.Hash == "" {
		spec.Hash = defaults.Hash
	}

	cfg, err := spec.Config()
	if err != nil {
		return models.SketchSpec{}, hyperloglog.Config{}, err
	}

	return models.SketchSpec{
		Variant:   cfg.Variant.String(),
		Precision: cfg.Precision,
		Hash:      canonicalHash(spec.Hash, cfg.Variant),
	}, cfg, nil
}

// canonicalHash names the hash function the way LookupHash resolves it, so
// that "", "default" and the explicit default name compare equal.
func canonicalHash(name string, v hyperloglog.Variant) string {
	switch strings.ToLower(name) {
	case "", "default":
		if v == hyperloglog.PlusPlus {
			return "xxhash"
		}
		return "murmur3"
	case "fnv64a":
		return "fnv"
	default:
		return strings.ToLower(name)
	}
}

func newEntry(spec models.SketchSpec, cfg hyperloglog.Config) (*entry, error) {
	h, err := hyperloglog.NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &entry{spec: spec, sketch: h}, nil
}

// Defaults returns the resolved default spec.
func (r *Registry) Defaults() models.SketchSpec {
	return r.defaults
}

// insert stores e under name. With replace unset an existing name fails with
// ErrAlreadyExists.
func (r *Registry) insert(name string, e *entry, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		if !replace {
			return fmt.Errorf("%w: %s", models.ErrAlreadyExists, name)
		}
	} else if r.maxSketches > 0 && len(r.entries) >= r.maxSketches {
		return fmt.Errorf("%w: %d", ErrTooManySketches, r.maxSketches)
	}

	r.entries[name] = e
	delete(r.deleted, name)
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	return e, nil
}

// getOrCreate returns the entry for name, creating it with the defaults.
func (r *Registry) getOrCreate(name string) (*entry, error) {
	if e, err := r.lookup(name); err == nil {
		return e, nil
	}

	if err := models.ValidateSketchName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		return e, nil
	}
	if r.maxSketches > 0 && len(r.entries) >= r.maxSketches {
		return nil, fmt.Errorf("%w: %d", ErrTooManySketches, r.maxSketches)
	}

	_, cfg, err := resolve(r.defaults, models.SketchSpec{})
	if err != nil {
		return nil, err
	}
	e, err := newEntry(r.defaults, cfg)
	if err != nil {
		return nil, err
	}

	r.entries[name] = e
	delete(r.deleted, name)
	r.logger.Debug("created sketch", "sketch", name, "variant", r.defaults.Variant, "precision", r.defaults.Precision)
	return e, nil
}

// Create adds an empty sketch. Zero spec fields take the registry defaults.
func (r *Registry) Create(name string, spec models.SketchSpec) (*models.SketchInfo, error) {
	if err := models.ValidateSketchName(name); err != nil {
		return nil, err
	}

	resolved, cfg, err := resolve(spec, r.defaults)
	if err != nil {
		return nil, err
	}
	e, err := newEntry(resolved, cfg)
	if err != nil {
		return nil, err
	}
	e.updatedAt = r.now()
	e.version = 1

	if err := r.insert(name, e, false); err != nil {
		return nil, err
	}

	r.logger.Info("created sketch", "sketch", name, "variant", resolved.Variant, "precision", resolved.Precision)
	return models.Describe(name, e.sketch, 0, e.updatedAt), nil
}

// Spec returns the resolved spec of a sketch.
func (r *Registry) Spec(name string) (models.SketchSpec, error) {
	e, err := r.lookup(name)
	if err != nil {
		return models.SketchSpec{}, err
	}
	return e.spec, nil
}

// Get describes a sketch.
func (r *Registry) Get(name string) (*models.SketchInfo, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return models.Describe(name, e.sketch, e.updates, e.updatedAt), nil
}

// List describes all sketches whose names start with prefix, sorted by name.
func (r *Registry) List(prefix string) []*models.SketchInfo {
	names := r.names(prefix)

	out := make([]*models.SketchInfo, 0, len(names))
	for _, name := range names {
		info, err := r.Get(name)
		if err != nil {
			continue // deleted concurrently
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) names(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of sketches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Delete removes a sketch. The deletion reaches storage on the next Snapshot.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}
	delete(r.entries, name)
	r.deleted[name] = struct{}{}
	return nil
}

// Clear removes every sketch.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.entries {
		r.deleted[name] = struct{}{}
	}
	r.entries = make(map[string]*entry)
}

func validWeight(w float64) bool {
	return w > 0 && !math.IsInf(w, 1)
}

// Update records values in the named sketch, creating it with the defaults if
// needed. When weights is non-nil it must match values in length and every
// weight must be finite and positive; the sketch is left untouched otherwise.
func (r *Registry) Update(name string, values []string, weights []float64) (int, error) {
	if weights != nil && len(weights) != len(values) {
		return 0, fmt.Errorf("%w: %d values, %d weights", ErrWeightsMismatch, len(values), len(weights))
	}
	for _, w := range weights {
		if !validWeight(w) {
			return 0, fmt.Errorf("%w: %v", hyperloglog.ErrInvalidWeight, w)
		}
	}

	e, err := r.getOrCreate(name)
	if err != nil {
		r.metrics.Failed("add")
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if weights != nil {
		if e.sketch.Variant() != hyperloglog.PlusPlus {
			r.metrics.Failed("add")
			return 0, fmt.Errorf("%w: %s is %s", hyperloglog.ErrWeightedUnsupported, name, e.spec.Variant)
		}
		for i, v := range values {
			// weights were validated above
			_ = e.sketch.UpdateWeighted([]byte(v), weights[i])
		}
		r.metrics.Updated("weighted", len(values))
	} else {
		for _, v := range values {
			e.sketch.Add(v)
		}
		r.metrics.Updated("plain", len(values))
	}

	if len(values) > 0 {
		e.updates += int64(len(values))
		e.touch(r.now())
	}
	return len(values), nil
}

// Observe applies a batch of observations. Positive weights on PlusPlus
// sketches become weighted updates; everything else is a plain update.
// Failing observations are skipped; the first error is returned with the
// number applied.
func (r *Registry) Observe(observations []models.Observation) (int, error) {
	var (
		applied  int
		firstErr error
		now      = r.now()
	)

	for _, obs := range observations {
		e, err := r.getOrCreate(obs.Sketch)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.metrics.Failed("observe")
			continue
		}

		e.mu.Lock()
		kind := "plain"
		if obs.Weight > 0 && validWeight(obs.Weight) && e.sketch.Variant() == hyperloglog.PlusPlus {
			_ = e.sketch.UpdateWeighted([]byte(obs.Value), obs.Weight)
			kind = "weighted"
		} else {
			e.sketch.Add(obs.Value)
		}
		e.updates++
		e.touch(now)
		e.mu.Unlock()

		r.metrics.Updated(kind, 1)
		applied++
	}

	return applied, firstErr
}

// Count estimates the named sketch, capped at hyperloglog.MaxEstimate.
// Weighted mode requires a PlusPlus sketch.
func (r *Registry) Count(name string, mode hyperloglog.EstimateMode) (float64, error) {
	e, err := r.lookup(name)
	if err != nil {
		return 0, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if mode == hyperloglog.Weighted && e.sketch.Variant() != hyperloglog.PlusPlus {
		return 0, fmt.Errorf("%w: %s is %s", hyperloglog.ErrWeightedUnsupported, name, e.spec.Variant)
	}
	return min(e.sketch.Estimate(mode), hyperloglog.MaxEstimate), nil
}

// snapshot copies an entry's sketch under its read lock.
func (r *Registry) snapshot(name string) (*hyperloglog.HyperLogLog, models.SketchSpec, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, models.SketchSpec{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.sketch.Copy(), e.spec, nil
}

func sameHash(a, b models.SketchSpec) error {
	if a.Hash != b.Hash {
		return fmt.Errorf("%w: hash %q != %q", hyperloglog.ErrIncompatibleSketch, a.Hash, b.Hash)
	}
	return nil
}

// Merge folds src into dst. Both must exist and share precision, variant
// and hash function. Merging a sketch into itself is a no-op.
func (r *Registry) Merge(dst, src string) error {
	if dst == src {
		_, err := r.lookup(dst)
		return err
	}

	other, otherSpec, err := r.snapshot(src)
	if err != nil {
		return err
	}

	e, err := r.lookup(dst)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := sameHash(e.spec, otherSpec); err != nil {
		r.metrics.Failed("merge")
		return err
	}
	if err := e.sketch.Merge(other); err != nil {
		r.metrics.Failed("merge")
		return err
	}
	e.touch(r.now())

	r.metrics.Merged()
	return nil
}

// Union stores the union of sources under target, replacing any sketch
// already there. Sources are not modified; target may be one of them.
func (r *Registry) Union(target string, sources ...string) (*models.SketchInfo, error) {
	if err := models.ValidateSketchName(target); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, hyperloglog.ErrNoSketches
	}

	sketches := make([]*hyperloglog.HyperLogLog, 0, len(sources))
	var spec models.SketchSpec
	for i, name := range sources {
		h, s, err := r.snapshot(name)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			spec = s
		} else if err := sameHash(spec, s); err != nil {
			r.metrics.Failed("union")
			return nil, err
		}
		sketches = append(sketches, h)
	}

	u, err := hyperloglog.Union(sketches...)
	if err != nil {
		r.metrics.Failed("union")
		return nil, err
	}

	e := &entry{spec: spec, sketch: u}
	e.touch(r.now())
	if err := r.insert(target, e, true); err != nil {
		return nil, err
	}

	r.metrics.Merged()
	return models.Describe(target, u, 0, e.updatedAt), nil
}

// Export returns the serialized form of a sketch.
func (r *Registry) Export(name string) (*models.SketchRecord, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	rec, _, err := exportEntry(name, e)
	return rec, err
}

func exportEntry(name string, e *entry) (*models.SketchRecord, uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data, err := e.sketch.MarshalBinary()
	if err != nil {
		return nil, 0, err
	}
	return &models.SketchRecord{
		Name:      name,
		Variant:   e.spec.Variant,
		Precision: e.spec.Precision,
		Hash:      e.spec.Hash,
		Data:      data,
		UpdatedAt: e.updatedAt,
	}, e.version, nil
}

// Records exports every sketch whose name starts with one of prefixes (all
// sketches when none are given), sorted by name.
func (r *Registry) Records(prefixes ...string) ([]*models.SketchRecord, error) {
	var out []*models.SketchRecord
	for _, name := range r.names("") {
		if !hasAnyPrefix(name, prefixes) {
			continue
		}
		rec, err := r.Export(name)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Import loads a serialized sketch. With merge set and the name taken, the
// buffer is merged into the existing sketch; otherwise it replaces it.
func (r *Registry) Import(rec *models.SketchRecord, merge bool) (*models.SketchInfo, error) {
	e, err := r.importRecord(rec, merge, true)
	if err != nil {
		r.metrics.Failed("import")
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Describe(rec.Name, e.sketch, e.updates, e.updatedAt), nil
}

func (r *Registry) decode(rec *models.SketchRecord) (*hyperloglog.HyperLogLog, models.SketchSpec, error) {
	if err := models.ValidateSketchName(rec.Name); err != nil {
		return nil, models.SketchSpec{}, err
	}
	if len(rec.Data) == 0 {
		return nil, models.SketchSpec{}, fmt.Errorf("%w: empty buffer", hyperloglog.ErrMalformedBuffer)
	}

	variant := rec.Variant
	if variant == "" {
		variant = r.defaults.Variant
	}
	spec, cfg, err := resolve(models.SketchSpec{Variant: variant, Precision: rec.Data[0], Hash: rec.Hash}, models.SketchSpec{})
	if err != nil {
		return nil, models.SketchSpec{}, fmt.Errorf("%w: %v", hyperloglog.ErrMalformedBuffer, err)
	}

	h, err := hyperloglog.FromBytes(cfg, rec.Data)
	if err != nil {
		return nil, models.SketchSpec{}, err
	}
	return h, spec, nil
}

func (r *Registry) importRecord(rec *models.SketchRecord, merge, dirty bool) (*entry, error) {
	h, spec, err := r.decode(rec)
	if err != nil {
		return nil, err
	}

	updatedAt := rec.UpdatedAt
	if dirty || updatedAt.IsZero() {
		updatedAt = r.now()
	}

	if merge {
		if e, err := r.lookup(rec.Name); err == nil {
			e.mu.Lock()
			defer e.mu.Unlock()

			if err := sameHash(e.spec, spec); err != nil {
				return nil, err
			}
			if err := e.sketch.Merge(h); err != nil {
				return nil, err
			}
			e.touch(updatedAt)
			if !dirty {
				e.saved = e.version
			}
			r.metrics.Merged()
			return e, nil
		}
	}

	e := &entry{spec: spec, sketch: h}
	e.touch(updatedAt)
	if !dirty {
		e.saved = e.version
	}
	if err := r.insert(rec.Name, e, true); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadRecords imports records, merging into or replacing existing sketches.
// It stops at the first invalid record.
func (r *Registry) LoadRecords(records []*models.SketchRecord, merge bool) (int, error) {
	for i, rec := range records {
		if _, err := r.importRecord(rec, merge, true); err != nil {
			return i, fmt.Errorf("loading %s: %w", rec.Name, err)
		}
	}
	return len(records), nil
}

// Snapshot writes sketches changed since the last snapshot (every sketch
// when full is set) to store and propagates deletions. It returns the number
// of records saved.
func (r *Registry) Snapshot(ctx context.Context, store storage.Store, full bool) (int, error) {
	saved := 0

	for _, name := range r.names("") {
		if err := ctx.Err(); err != nil {
			return saved, err
		}

		e, err := r.lookup(name)
		if err != nil {
			continue // deleted concurrently
		}

		e.mu.RLock()
		dirty := e.version != e.saved
		e.mu.RUnlock()
		if !dirty && !full {
			continue
		}

		rec, version, err := exportEntry(name, e)
		if err != nil {
			return saved, fmt.Errorf("exporting %s: %w", name, err)
		}
		if err := store.Save(ctx, rec); err != nil {
			r.metrics.Failed("snapshot")
			return saved, fmt.Errorf("saving %s: %w", name, err)
		}

		e.mu.Lock()
		if version > e.saved {
			e.saved = version
		}
		e.mu.Unlock()
		saved++
	}

	if err := r.flushDeletions(ctx, store); err != nil {
		return saved, err
	}

	r.metrics.Snapshotted("save", saved)
	return saved, nil
}

func (r *Registry) flushDeletions(ctx context.Context, store storage.Store) error {
	r.mu.Lock()
	pending := r.deleted
	r.deleted = make(map[string]struct{})
	r.mu.Unlock()

	var failed []string
	var firstErr error
	for name := range pending {
		err := store.Delete(ctx, name)
		if err == nil || errors.Is(err, models.ErrNotFound) {
			continue
		}
		failed = append(failed, name)
		if firstErr == nil {
			firstErr = fmt.Errorf("deleting %s: %w", name, err)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, name := range failed {
			if _, recreated := r.entries[name]; !recreated {
				r.deleted[name] = struct{}{}
			}
		}
		r.mu.Unlock()
	}
	return firstErr
}

// Restore loads every record from store, replacing sketches of the same
// name. Records that fail to decode are logged and skipped.
func (r *Registry) Restore(ctx context.Context, store storage.Store) (int, error) {
	records, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sketches: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if _, err := r.importRecord(rec, false, false); err != nil {
			r.logger.Warn("skipping stored sketch", "sketch", rec.Name, "error", err)
			r.metrics.Failed("restore")
			continue
		}
		restored++
	}

	r.metrics.Snapshotted("restore", restored)
	return restored, nil
}
