package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

type healthMemory struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGC"`
}

type healthResponse struct {
	UptimeSeconds float64      `json:"uptimeSeconds"`
	Broadcasting  bool         `json:"broadcasting"`
	Live          bool         `json:"live"`
	Viewers       int          `json:"viewers"`
	Goroutines    int          `json:"goroutines"`
	Memory        healthMemory `json:"memory"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, healthResponse{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Broadcasting:  stats.Broadcasting,
		Live:          stats.Live,
		Viewers:       stats.Viewers,
		Goroutines:    runtime.NumGoroutine(),
		Memory: healthMemory{
			HeapAllocBytes: mem.HeapAlloc,
			SysBytes:       mem.Sys,
			NumGC:          mem.NumGC,
		},
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
