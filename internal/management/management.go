// Package management provides a lightweight HTTP API for runtime
// inspection and configuration of the running anonymizer pipeline.
//
// Endpoints:
//
//	GET  /status              - pipeline health, model counters, uptime
//	GET  /metrics              - full metrics snapshot
//	GET  /storage-classes      - list admitted SOP Class UIDs
//	POST /storage-classes/add    - admit a SOP Class UID {"sopClassUid":"..."}
//	POST /storage-classes/remove - stop admitting a SOP Class UID {"sopClassUid":"..."}
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"dicom-anonymizer/internal/config"
	"dicom-anonymizer/internal/logger"
	"dicom-anonymizer/internal/metrics"
	"dicom-anonymizer/internal/model"
	"dicom-anonymizer/internal/store"
)

// StorageClassRegistry holds the mutable set of admitted SOP Class
// UIDs. It is shared between ingress and the management server: an
// empty registry admits every storage class, matching §4.7 step 5.
// Changes are persisted to disk via atomic file writes so they
// survive restarts.
type StorageClassRegistry struct {
	mu          sync.RWMutex
	classes     map[string]bool
	persistPath string // empty = no persistence
}

// NewStorageClassRegistry creates a registry seeded from the config
// defaults. If persistPath is non-empty and the file exists, its
// contents take precedence over config defaults (runtime overrides).
func NewStorageClassRegistry(cfg *config.Config, persistPath string) *StorageClassRegistry {
	r := &StorageClassRegistry{
		classes:     make(map[string]bool, len(cfg.StorageClasses)),
		persistPath: persistPath,
	}

	if persistPath != "" {
		classes, err := r.loadFromDisk()
		switch {
		case err == nil:
			for _, c := range classes {
				r.classes[c] = true
			}
			return r
		case !os.IsNotExist(err):
			// fall through to config defaults below
		}
	}

	for _, c := range cfg.StorageClasses {
		r.classes[c] = true
	}
	return r
}

// Has returns true when the class set is empty (admit-all) or uid is
// a member.
func (r *StorageClassRegistry) Has(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.classes) == 0 {
		return true
	}
	return r.classes[uid]
}

// Add admits a SOP Class UID and persists the change.
func (r *StorageClassRegistry) Add(uid string) {
	r.mu.Lock()
	r.classes[uid] = true
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.persist(snapshot)
}

// Remove stops admitting a SOP Class UID and persists the change.
func (r *StorageClassRegistry) Remove(uid string) {
	r.mu.Lock()
	delete(r.classes, uid)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.persist(snapshot)
}

// All returns a sorted slice of all admitted SOP Class UIDs. An empty
// slice means every storage class is admitted.
func (r *StorageClassRegistry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *StorageClassRegistry) snapshotLocked() []string {
	out := make([]string, 0, len(r.classes))
	for c := range r.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *StorageClassRegistry) loadFromDisk() ([]string, error) {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return nil, err
	}
	var classes []string
	if err := json.Unmarshal(data, &classes); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.persistPath, err)
	}
	return classes, nil
}

// persist writes the given snapshot to disk atomically. It does NOT
// hold r.mu, so it won't block Has/All calls.
func (r *StorageClassRegistry) persist(classes []string) {
	if r.persistPath == "" {
		return
	}
	data, err := json.MarshalIndent(classes, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(r.persistPath)
	tmp, err := os.CreateTemp(dir, ".storage-classes-*.tmp")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()         //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName)  //nolint:errcheck // tmpName from os.CreateTemp, not user input
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return
	}
	if err := os.Rename(tmpName, r.persistPath); err != nil {
		os.Remove(tmpName) //nolint:errcheck
	}
}

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	classes   *StorageClassRegistry
	model     *model.Model
	imagesDir string
	token     string // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, classes *StorageClassRegistry, m *model.Model, met *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		classes:   classes,
		model:     m,
		imagesDir: cfg.ImagesDir,
		token:     cfg.ManagementToken,
		metrics:   met,
		log:       log,
	}
	if s.token != "" {
		log.Info("startup", "management API bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/storage-classes", s.handleListStorageClasses)
	mux.HandleFunc("/storage-classes/add", s.handleAddStorageClass)
	mux.HandleFunc("/storage-classes/remove", s.handleRemoveStorageClass)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status         string   `json:"status"`
		Uptime         string   `json:"uptime"`
		SiteID         string   `json:"siteId"`
		ProjectName    string   `json:"projectName"`
		StorageClasses []string `json:"admittedStorageClasses"`
		QuarantinedAll int64    `json:"quarantinedCount"`
		DatasetsStored int      `json:"datasetsStored"`
	}

	stored, err := store.CountDatasets(s.imagesDir)
	if err != nil {
		s.log.Warnf("status", "count datasets: %v", err)
	}

	writeJSON(w, http.StatusOK, response{
		Status:         "running",
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		SiteID:         s.cfg.SiteID,
		ProjectName:    s.cfg.ProjectName,
		StorageClasses: s.classes.All(),
		QuarantinedAll: s.model.QuarantinedCountValue(),
		DatasetsStored: stored,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleListStorageClasses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"storageClasses": s.classes.All()})
}

func (s *Server) handleAddStorageClass(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.decodeStorageClassRequest(w, r)
	if !ok {
		return
	}
	s.classes.Add(uid)
	s.log.Infof("storage_class", "admitted SOP class %s", uid)
	writeJSON(w, http.StatusOK, map[string]string{"added": uid})
}

func (s *Server) handleRemoveStorageClass(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.decodeStorageClassRequest(w, r)
	if !ok {
		return
	}
	s.classes.Remove(uid)
	s.log.Infof("storage_class", "removed SOP class %s", uid)
	writeJSON(w, http.StatusOK, map[string]string{"removed": uid})
}

func (s *Server) decodeStorageClassRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return "", false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		SOPClassUID string `json:"sopClassUid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SOPClassUID == "" {
		http.Error(w, `invalid request: need {"sopClassUid":"..."}`, http.StatusBadRequest)
		return "", false
	}
	return req.SOPClassUID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	s.log.Infof("startup", "management API listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
