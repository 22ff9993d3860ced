package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// maxRawSize bounds imported buffers: 1 + 2^18 for the largest PlusPlus sketch.
const maxRawSize = 1 + 1<<18

// Headers carrying sketch metadata next to raw buffers.
const (
	headerVariant = "X-Sketch-Variant"
	headerHash    = "X-Sketch-Hash"
)

// SketchResponse adds a human readable size to SketchInfo.
type SketchResponse struct {
	*models.SketchInfo
	Size string `json:"size"`
}

func newSketchResponse(info *models.SketchInfo) SketchResponse {
	return SketchResponse{SketchInfo: info, Size: humanize.Bytes(uint64(info.ByteSize))}
}

// CreateSketchRequest is the body of POST /sketches.
type CreateSketchRequest struct {
	Name string `json:"name"`
	models.SketchSpec
}

// AddValuesRequest is the body of POST /sketches/{name}/values. Weights, when
// present, must match values in length.
type AddValuesRequest struct {
	Values  []string  `json:"values"`
	Weights []float64 `json:"weights,omitempty"`
}

// MergeRequest is the body of POST /sketches/{name}/merge.
type MergeRequest struct {
	Source string `json:"source"`
}

// UnionRequest is the body of POST /union.
type UnionRequest struct {
	Target  string   `json:"target"`
	Sources []string `json:"sources"`
}

// listSketches returns sketches filtered by ?prefix=.
// Supports pagination via ?limit=N&offset=M query parameters.
func (s *Server) listSketches(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)

	infos := s.registry.List(r.URL.Query().Get("prefix"))
	out := make([]SketchResponse, len(infos))
	for i, info := range infos {
		out[i] = newSketchResponse(info)
	}

	respondJSON(w, http.StatusOK, paginateSlice(out, params))
}

// POST /api/v1/sketches
func (s *Server) createSketch(w http.ResponseWriter, r *http.Request) {
	var req CreateSketchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	info, err := s.registry.Create(req.Name, req.SketchSpec)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, newSketchResponse(info))
}

func (s *Server) getSketch(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	info, err := s.registry.Get(name)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newSketchResponse(info))
}

func (s *Server) deleteSketch(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	if err := s.registry.Delete(name); err != nil {
		s.respondErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// addValues records values, creating the sketch with the defaults if needed.
// POST /api/v1/sketches/{name}/values
func (s *Server) addValues(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	var req AddValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	added, err := s.registry.Update(name, req.Values, req.Weights)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	info, err := s.registry.Get(name)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"added":  added,
		"sketch": newSketchResponse(info),
	})
}

// countSketch returns the estimate. ?mode=weighted selects the weighted
// estimate of PlusPlus sketches.
// GET /api/v1/sketches/{name}/count
func (s *Server) countSketch(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	mode := hyperloglog.Distinct
	modeName := r.URL.Query().Get("mode")
	switch modeName {
	case "", "distinct":
		modeName = "distinct"
	case "weighted":
		mode = hyperloglog.Weighted
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown mode %q (supported: distinct, weighted)", modeName))
		return
	}

	estimate, err := s.registry.Count(name, mode)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":      name,
		"mode":      modeName,
		"estimate":  estimate,
		"count":     humanize.Commaf(math.Round(estimate)),
		"saturated": estimate >= hyperloglog.MaxEstimate,
	})
}

// POST /api/v1/sketches/{name}/merge
func (s *Server) mergeSketch(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		respondError(w, http.StatusBadRequest, "Request body must name a source sketch")
		return
	}

	if err := s.registry.Merge(name, req.Source); err != nil {
		s.respondErr(w, err)
		return
	}

	info, err := s.registry.Get(name)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newSketchResponse(info))
}

// unionSketches stores the union of sources under target.
// POST /api/v1/union
func (s *Server) unionSketches(w http.ResponseWriter, r *http.Request) {
	var req UnionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	info, err := s.registry.Union(req.Target, req.Sources...)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, newSketchResponse(info))
}

// exportRaw writes the serialized buffer [p][registers].
// GET /api/v1/sketches/{name}/raw
func (s *Server) exportRaw(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	rec, err := s.registry.Export(name)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data)))
	w.Header().Set(headerVariant, rec.Variant)
	w.Header().Set(headerHash, rec.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Data)
}

// importRaw loads a serialized buffer. The variant and hash come from the
// query (?variant=&hash=) or the X-Sketch-* headers; ?merge=true folds the
// buffer into an existing sketch instead of replacing it.
// PUT /api/v1/sketches/{name}/raw
func (s *Server) importRaw(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid sketch name encoding")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRawSize+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read body: "+err.Error())
		return
	}
	if len(data) > maxRawSize {
		respondError(w, http.StatusRequestEntityTooLarge, "Buffer larger than any valid sketch")
		return
	}

	query := r.URL.Query()
	rec := &models.SketchRecord{
		Name:      name,
		Variant:   firstNonEmpty(query.Get("variant"), r.Header.Get(headerVariant)),
		Hash:      firstNonEmpty(query.Get("hash"), r.Header.Get(headerHash)),
		Data:      data,
		UpdatedAt: time.Now(),
	}
	if len(data) > 0 {
		rec.Precision = data[0]
	}

	info, err := s.registry.Import(rec, query.Get("merge") == "true")
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newSketchResponse(info))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// snapshot writes sketches to the configured store. ?full=true writes every
// sketch instead of only those changed since the last snapshot.
// POST /api/v1/admin/snapshot
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "No storage backend configured")
		return
	}

	start := time.Now()
	saved, err := s.registry.Snapshot(r.Context(), s.store, r.URL.Query().Get("full") == "true")
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"saved":    saved,
		"duration": time.Since(start).String(),
	})
}

// clearAll removes every sketch. Stored copies are deleted on the next snapshot.
// POST /api/v1/admin/clear
func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	s.registry.Clear()

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "All sketches cleared",
	})
}
