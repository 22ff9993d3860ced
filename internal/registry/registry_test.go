package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cardinality_sketch/internal/storage/memory"
	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func values(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func TestNew_RejectsInvalidDefaults(t *testing.T) {
	_, err := New(Options{Defaults: models.SketchSpec{Variant: "classic", Precision: 20}})
	assert.ErrorIs(t, err, hyperloglog.ErrInvalidPrecision)

	_, err = New(Options{Defaults: models.SketchSpec{Hash: "md5"}})
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	r := newRegistry(t, Options{Defaults: models.SketchSpec{Variant: "plusplus", Precision: 12}})

	info, err := r.Create("metrics.up.job", models.SketchSpec{Precision: 10})
	require.NoError(t, err)
	assert.Equal(t, "plusplus", info.Variant)
	assert.Equal(t, uint8(10), info.Precision)
	assert.True(t, info.Empty)

	spec, err := r.Spec("metrics.up.job")
	require.NoError(t, err)
	assert.Equal(t, "xxhash", spec.Hash)

	_, err = r.Create("metrics.up.job", models.SketchSpec{})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	_, err = r.Create("bad name", models.SketchSpec{})
	assert.ErrorIs(t, err, models.ErrInvalidName)

	_, err = r.Create("x", models.SketchSpec{Variant: "classic", Precision: 17})
	assert.ErrorIs(t, err, hyperloglog.ErrInvalidPrecision)
}

func TestUpdate_AutoCreatesAndCounts(t *testing.T) {
	r := newRegistry(t, Options{})

	n, err := r.Update("logs.api.level", values("v", 1000), nil)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	// Duplicates do not move the estimate.
	_, err = r.Update("logs.api.level", values("v", 1000), nil)
	require.NoError(t, err)

	est, err := r.Count("logs.api.level", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.InDelta(t, 1000, est, 1000*0.05)

	info, err := r.Get("logs.api.level")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Updates)
	assert.Equal(t, "classic", info.Variant)

	_, err = r.Update("bad name", []string{"a"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidName)
}

func TestUpdate_Weighted(t *testing.T) {
	r := newRegistry(t, Options{Defaults: models.SketchSpec{Variant: "plusplus"}})

	_, err := r.Update("traces.span", []string{"a", "b"}, []float64{1})
	assert.ErrorIs(t, err, ErrWeightsMismatch)

	// An invalid weight rejects the whole batch.
	_, err = r.Update("traces.span", []string{"a", "b"}, []float64{1, -1})
	assert.ErrorIs(t, err, hyperloglog.ErrInvalidWeight)
	assert.Zero(t, r.Len())

	vals := values("w", 500)
	weights := make([]float64, len(vals))
	for i := range weights {
		weights[i] = 4
	}
	_, err = r.Update("traces.span", vals, weights)
	require.NoError(t, err)

	weighted, err := r.Count("traces.span", hyperloglog.Weighted)
	require.NoError(t, err)
	assert.Greater(t, weighted, 0.0)

	classic := newRegistry(t, Options{})
	_, err = classic.Create("c", models.SketchSpec{})
	require.NoError(t, err)
	_, err = classic.Update("c", []string{"a"}, []float64{2})
	assert.ErrorIs(t, err, hyperloglog.ErrWeightedUnsupported)
	_, err = classic.Count("c", hyperloglog.Weighted)
	assert.ErrorIs(t, err, hyperloglog.ErrWeightedUnsupported)
}

func TestObserve(t *testing.T) {
	r := newRegistry(t, Options{Defaults: models.SketchSpec{Variant: "plusplus"}})

	applied, err := r.Observe([]models.Observation{
		{Sketch: "metrics.up", Value: "a"},
		{Sketch: "metrics.up", Value: "b", Weight: 2},
		{Sketch: "bad name", Value: "c"},
		{Sketch: "metrics.up.job", Value: "d"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidName)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 2, r.Len())

	est, err := r.Count("metrics.up", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.InDelta(t, 2, est, 0.5)
}

func TestMaxSketches(t *testing.T) {
	r := newRegistry(t, Options{MaxSketches: 2})

	_, err := r.Update("a", []string{"1"}, nil)
	require.NoError(t, err)
	_, err = r.Update("b", []string{"1"}, nil)
	require.NoError(t, err)

	_, err = r.Update("c", []string{"1"}, nil)
	assert.ErrorIs(t, err, ErrTooManySketches)
	_, err = r.Create("c", models.SketchSpec{})
	assert.ErrorIs(t, err, ErrTooManySketches)

	// Existing sketches still accept updates.
	_, err = r.Update("a", []string{"2"}, nil)
	assert.NoError(t, err)
}

func TestListAndDelete(t *testing.T) {
	r := newRegistry(t, Options{})
	for _, name := range []string{"metrics.b", "metrics.a", "logs.x"} {
		_, err := r.Create(name, models.SketchSpec{})
		require.NoError(t, err)
	}

	list := r.List("metrics.")
	require.Len(t, list, 2)
	assert.Equal(t, "metrics.a", list[0].Name)
	assert.Equal(t, "metrics.b", list[1].Name)
	assert.Len(t, r.List(""), 3)

	require.NoError(t, r.Delete("metrics.a"))
	assert.ErrorIs(t, r.Delete("metrics.a"), models.ErrNotFound)
	_, err := r.Get("metrics.a")
	assert.ErrorIs(t, err, models.ErrNotFound)

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestMerge(t *testing.T) {
	r := newRegistry(t, Options{})

	_, err := r.Update("a", values("a", 300), nil)
	require.NoError(t, err)
	_, err = r.Update("b", values("b", 300), nil)
	require.NoError(t, err)

	require.NoError(t, r.Merge("a", "b"))
	est, err := r.Count("a", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.InDelta(t, 600, est, 600*0.05)

	// Source untouched.
	est, err = r.Count("b", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.InDelta(t, 300, est, 300*0.05)

	assert.NoError(t, r.Merge("a", "a"))
	assert.ErrorIs(t, r.Merge("missing", "a"), models.ErrNotFound)
	assert.ErrorIs(t, r.Merge("a", "missing"), models.ErrNotFound)

	_, err = r.Create("p10", models.SketchSpec{Precision: 10})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Merge("a", "p10"), hyperloglog.ErrIncompatibleSketch)

	_, err = r.Create("sha", models.SketchSpec{Hash: "sha1"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Merge("a", "sha"), hyperloglog.ErrIncompatibleSketch)
}

func TestUnion(t *testing.T) {
	r := newRegistry(t, Options{})

	_, err := r.Update("a", values("x", 200), nil)
	require.NoError(t, err)
	_, err = r.Update("b", values("y", 200), nil)
	require.NoError(t, err)

	before, err := r.Export("a")
	require.NoError(t, err)

	info, err := r.Union("ab", "a", "b")
	require.NoError(t, err)
	assert.InDelta(t, 400, float64(info.Count), 400*0.05)

	after, err := r.Export("a")
	require.NoError(t, err)
	assert.Equal(t, before.Data, after.Data)

	// The target may be one of the sources.
	_, err = r.Union("a", "a", "b")
	require.NoError(t, err)
	est, err := r.Count("a", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.InDelta(t, 400, est, 400*0.05)

	_, err = r.Union("ab")
	assert.ErrorIs(t, err, hyperloglog.ErrNoSketches)
	_, err = r.Union("ab", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExportImport(t *testing.T) {
	src := newRegistry(t, Options{Defaults: models.SketchSpec{Variant: "plusplus", Precision: 10}})
	_, err := src.Update("metrics.up", values("v", 100), nil)
	require.NoError(t, err)

	rec, err := src.Export("metrics.up")
	require.NoError(t, err)
	assert.Equal(t, "plusplus", rec.Variant)
	assert.Equal(t, uint8(10), rec.Precision)
	assert.Len(t, rec.Data, 1+1024)

	dst := newRegistry(t, Options{})
	info, err := dst.Import(rec, false)
	require.NoError(t, err)
	assert.Equal(t, "plusplus", info.Variant)
	assert.InDelta(t, 100, float64(info.Count), 5)

	// Merging an import folds it into the existing sketch.
	_, err = src.Update("other", values("w", 100), nil)
	require.NoError(t, err)
	other, err := src.Export("other")
	require.NoError(t, err)
	other.Name = "metrics.up"
	info, err = dst.Import(other, true)
	require.NoError(t, err)
	assert.InDelta(t, 200, float64(info.Count), 10)

	_, err = dst.Import(&models.SketchRecord{Name: "x", Variant: "plusplus", Data: []byte{10, 1}}, false)
	assert.ErrorIs(t, err, hyperloglog.ErrMalformedBuffer)
	_, err = dst.Import(&models.SketchRecord{Name: "x", Variant: "plusplus"}, false)
	assert.ErrorIs(t, err, hyperloglog.ErrMalformedBuffer)
}

func TestRecordsAndLoadRecords(t *testing.T) {
	r := newRegistry(t, Options{})
	for _, name := range []string{"metrics.a", "logs.b", "traces.c"} {
		_, err := r.Update(name, []string{name}, nil)
		require.NoError(t, err)
	}

	recs, err := r.Records("metrics.", "logs.")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "logs.b", recs[0].Name)

	all, err := r.Records()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	fresh := newRegistry(t, Options{})
	n, err := fresh.LoadRecords(all, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, fresh.Len())
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	r := newRegistry(t, Options{})
	_, err := r.Update("a", values("a", 50), nil)
	require.NoError(t, err)
	_, err = r.Update("b", values("b", 50), nil)
	require.NoError(t, err)

	n, err := r.Snapshot(ctx, store, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Nothing changed since the last snapshot.
	n, err = r.Snapshot(ctx, store, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.Snapshot(ctx, store, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = r.Update("a", []string{"new"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Delete("b"))

	n, err = r.Snapshot(ctx, store, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "a", stored[0].Name)

	restored := newRegistry(t, Options{})
	n, err = restored.Restore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	want, err := r.Count("a", hyperloglog.Distinct)
	require.NoError(t, err)
	got, err := restored.Count("a", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Restored sketches are clean.
	n, err = restored.Snapshot(ctx, store, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestore_SkipsBadRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Save(ctx, &models.SketchRecord{Name: "bad", Variant: "classic", Data: []byte{4, 1}}))

	r := newRegistry(t, Options{})
	_, err := r.Update("good", []string{"x"}, nil)
	require.NoError(t, err)
	_, err = r.Snapshot(ctx, store, false)
	require.NoError(t, err)

	fresh := newRegistry(t, Options{})
	n, err := fresh.Restore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fresh.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := newRegistry(t, Options{Defaults: models.SketchSpec{Variant: "plusplus", Precision: 10}})
	for _, name := range []string{"s0", "s1"} {
		_, err := r.Create(name, models.SketchSpec{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("s%d", w%2)
			for i := 0; i < 200; i++ {
				_, _ = r.Update(name, []string{fmt.Sprintf("%d-%d", w, i)}, nil)
				_, _ = r.Count(name, hyperloglog.Distinct)
				if i%50 == 0 {
					_ = r.Merge("s0", "s1")
					_, _ = r.Union("u", "s0", "s1")
				}
			}
		}(w)
	}
	wg.Wait()

	est, err := r.Count("u", hyperloglog.Distinct)
	require.NoError(t, err)
	assert.Greater(t, est, 0.0)
}
