package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/metrics"
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Engine    EngineInfo    `json:"engine"`
	System    SystemInfo    `json:"system"`
}

// EngineInfo describes the loaded engine.
type EngineInfo struct {
	ModelLoaded     bool      `json:"model_loaded"`
	Model           string    `json:"model"`
	EngineDir       string    `json:"engine_dir"`
	NumLayers       int       `json:"num_layers"`
	WorldSize       int       `json:"world_size"`
	TokensGenerated int64     `json:"tokens_generated"`
	Generations     int       `json:"generations"`
	LastGeneration  time.Time `json:"last_generation"`
	LastError       string    `json:"last_error,omitempty"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// HealthMonitor serves /healthz, /status and /metrics for a running engine.
// It reports "starting" until MarkLoaded and "degraded" after a failed
// generation until the next successful one.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	mu     sync.RWMutex
	engine EngineInfo
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves until Stop. The bound address is
// returned so ":0" can be used.
func (hm *HealthMonitor) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log := logger.Log.With("monitoring")
	log.Info("Health monitor listening", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health monitor stopped", "err", err)
		}
	}()
	return ln.Addr().String(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server == nil {
		return nil
	}
	return hm.server.Shutdown(ctx)
}

// MarkLoaded records the engine that generations will run against.
func (hm *HealthMonitor) MarkLoaded(model, dir string, layers, worldSize int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.engine.ModelLoaded = true
	hm.engine.Model = model
	hm.engine.EngineDir = dir
	hm.engine.NumLayers = layers
	hm.engine.WorldSize = worldSize
}

// RecordGeneration notes a finished generate call; err may be nil.
func (hm *HealthMonitor) RecordGeneration(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.engine.Generations++
	hm.engine.LastGeneration = time.Now()
	hm.engine.LastError = ""
	if err != nil {
		hm.engine.LastError = err.Error()
	}
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	info := hm.engine
	hm.mu.RUnlock()
	info.TokensGenerated = metrics.TotalTokens()

	status := "healthy"
	switch {
	case !info.ModelLoaded:
		status = "starting"
	case info.LastError != "":
		status = "degraded"
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Engine:    info,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}
