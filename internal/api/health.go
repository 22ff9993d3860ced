package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version,omitempty"`
	Uptime    string       `json:"uptime,omitempty"`
	Sketches  int          `json:"sketches"`
	Memory    *MemoryStats `json:"memory,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc      string `json:"alloc"`
	TotalAlloc string `json:"total_alloc"`
	Sys        string `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

var startTime = time.Now()

// HandleHealth returns the health status of the application
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   s.version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Sketches:  s.registry.Len(),
		Memory: &MemoryStats{
			Alloc:      humanize.IBytes(m.Alloc),
			TotalAlloc: humanize.IBytes(m.TotalAlloc),
			Sys:        humanize.IBytes(m.Sys),
			NumGC:      m.NumGC,
		},
	})
}
