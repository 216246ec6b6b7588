// Copyright 2026 The jive5ab-bridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor reports whether the bridge can do its job: HTTP health
// endpoints for probes and dashboards, and the standard gRPC health service.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker runs named checks. Any failing critical check makes the
// bridge unhealthy.
type HealthChecker struct {
	mu sync.RWMutex

	healthy   bool
	lastCheck time.Time
	errors    []string

	memStats       runtime.MemStats
	goroutineCount int

	checks map[string]HealthCheck
	logger zerolog.Logger
}

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
	Enabled     bool
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Recorder   string                 `json:"recorder"`
	Errors     []string               `json:"errors,omitempty"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	Memory     MemoryInfo `json:"memory"`
	Goroutines int        `json:"goroutines"`
	GoVersion  string     `json:"go_version"`
	NumCPU     int        `json:"num_cpu"`
}

// MemoryInfo contains memory usage information
type MemoryInfo struct {
	Alloc   uint64  `json:"alloc"`
	Sys     uint64  `json:"sys"`
	NumGC   uint32  `json:"num_gc"`
	GCPause float64 `json:"gc_pause_ms"`
}

const (
	memoryLimit    = 1 << 30
	goroutineLimit = 10000
)

// NewHealthChecker creates a checker with the process checks registered.
func NewHealthChecker(logger zerolog.Logger) *HealthChecker {
	hc := &HealthChecker{
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]HealthCheck),
		logger:    logger.With().Str("component", "health").Logger(),
	}

	hc.RegisterCheck("memory", func() error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Sys > memoryLimit {
			return fmt.Errorf("high memory usage: %d bytes", m.Sys)
		}
		return nil
	}, false)

	hc.RegisterCheck("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > goroutineLimit {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a new health check
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// EnableCheck enables a health check
func (hc *HealthChecker) EnableCheck(name string) {
	hc.setEnabled(name, true)
}

// DisableCheck disables a health check
func (hc *HealthChecker) DisableCheck(name string) {
	hc.setEnabled(name, false)
}

func (hc *HealthChecker) setEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if check, exists := hc.checks[name]; exists {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// RunChecks executes all enabled checks and returns the new status.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now
	runtime.ReadMemStats(&hc.memStats)
	hc.goroutineCount = runtime.NumGoroutine()

	checkResults := make(map[string]CheckResult)
	overallHealthy := true
	var criticalErrors []string

	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		begin := time.Now()
		err := check.CheckFunc()
		if d := time.Since(begin); d > time.Second {
			hc.logger.Warn().Str("check", name).Dur("took", d).Msg("slow health check")
		}

		result := CheckResult{Status: "passed", LastChecked: now, Critical: check.Critical}
		check.LastError = err
		if err != nil {
			result.Status = "failed"
			result.Message = err.Error()
			if check.Critical {
				criticalErrors = append(criticalErrors, fmt.Sprintf("%s: %s", name, err))
				overallHealthy = false
			}
		}
		check.LastChecked = now
		hc.checks[name] = check
		checkResults[name] = result
	}

	if hc.healthy != overallHealthy {
		ev := hc.logger.Info()
		if !overallHealthy {
			ev = hc.logger.Warn().Strs("errors", criticalErrors)
		}
		ev.Bool("healthy", overallHealthy).Msg("health changed")
	}
	sort.Strings(criticalErrors)
	hc.healthy = overallHealthy
	hc.errors = criticalErrors

	return hc.statusLocked(now, checkResults)
}

// GetStatus returns the current health status without running checks
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	checkResults := make(map[string]CheckResult)
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		result := CheckResult{Status: "unknown", LastChecked: check.LastChecked, Critical: check.Critical}
		if !check.LastChecked.IsZero() {
			result.Status = "passed"
			if check.LastError != nil {
				result.Status = "failed"
				result.Message = check.LastError.Error()
			}
		}
		checkResults[name] = result
	}
	return hc.statusLocked(hc.lastCheck, checkResults)
}

func (hc *HealthChecker) statusLocked(ts time.Time, checks map[string]CheckResult) HealthStatus {
	return HealthStatus{
		Status:     hc.getOverallStatus(),
		Timestamp:  ts,
		Uptime:     int64(time.Since(startTime).Seconds()),
		Version:    getVersion(),
		Recorder:   getRecorder(),
		Errors:     hc.errors,
		Checks:     checks,
		SystemInfo: hc.getSystemInfo(),
	}
}

// IsHealthy returns true if no critical check failed on the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) getSystemInfo() SystemInfo {
	var gcPause float64
	if hc.memStats.NumGC > 0 {
		gcPause = float64(hc.memStats.PauseNs[(hc.memStats.NumGC+255)%256]) / 1000000.0
	}

	return SystemInfo{
		Memory: MemoryInfo{
			Alloc:   hc.memStats.Alloc,
			Sys:     hc.memStats.Sys,
			NumGC:   hc.memStats.NumGC,
			GCPause: gcPause,
		},
		Goroutines: hc.goroutineCount,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
}

func (hc *HealthChecker) getOverallStatus() string {
	if hc.healthy {
		return "healthy"
	}
	return "unhealthy"
}

// HealthServer provides HTTP endpoints for health checking
type HealthServer struct {
	checker *HealthChecker
}

// NewHealthServer creates a new health server instance
func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes registers health check routes
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
	mux.HandleFunc("/health/detailed", hs.handleDetailedHealth)
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code, status := http.StatusOK, "ok"
	if !hs.checker.IsHealthy() {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	hs.writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleLiveness answers as long as the process serves HTTP.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness reports whether the recorder can be driven right now.
func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Service Unavailable"))
	}
}

func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hs.checker.RunChecks()
	statusCode := http.StatusOK
	if status.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, statusCode, status)
}

func (hs *HealthServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}

var (
	infoMu    sync.RWMutex
	startTime = time.Now()
	version   = "dev"
	recorder  = ""
)

func getVersion() string {
	infoMu.RLock()
	defer infoMu.RUnlock()
	return version
}

func getRecorder() string {
	infoMu.RLock()
	defer infoMu.RUnlock()
	return recorder
}

// SetVersion sets the version reported by the detailed status.
func SetVersion(v string) {
	infoMu.Lock()
	defer infoMu.Unlock()
	version = v
}

// SetRecorder sets the recorder address reported by the detailed status.
func SetRecorder(addr string) {
	infoMu.Lock()
	defer infoMu.Unlock()
	recorder = addr
}

// StartPeriodicHealthChecks runs the checks every interval until ctx ends.
func StartPeriodicHealthChecks(ctx context.Context, checker *HealthChecker, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checker.RunChecks()
			}
		}
	}()
}
