// Command anonymizer runs the DICOM de-identification pipeline: it
// loads (or creates) the project's anonymizer model and script,
// watches an input directory for incoming DICOM files, anonymizes
// them through a bounded worker pool, and serves a management HTTP
// API for runtime inspection and storage-class configuration.
//
// Usage:
//
//	./anonymizer
//
//	# Custom ports / directories
//	MANAGEMENT_PORT=9090 INPUT_DIR=/data/incoming ./anonymizer
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"dicom-anonymizer/internal/config"
	"dicom-anonymizer/internal/ingress"
	"dicom-anonymizer/internal/logger"
	"dicom-anonymizer/internal/management"
	"dicom-anonymizer/internal/metrics"
	"dicom-anonymizer/internal/model"
	"dicom-anonymizer/internal/pipeline"
	"dicom-anonymizer/internal/pixelphi"
	"dicom-anonymizer/internal/pseudokey"
	"dicom-anonymizer/internal/quarantine"
	"dicom-anonymizer/internal/script"
	"dicom-anonymizer/internal/transform"
)

func main() {
	cfg := config.Load()
	log := logger.New("ENGINE", cfg.LogLevel)

	printBanner(cfg)

	m := loadOrCreateModel(cfg, log)

	pseudoKeys, msgs, err := pseudokey.Load(cfg.PseudoKeyFile)
	if err != nil {
		log.Fatalf("startup", "load pseudo-key file %s: %v", cfg.PseudoKeyFile, err)
	}
	for _, msg := range msgs {
		log.Warn("startup", msg)
	}
	if len(pseudoKeys) > 0 {
		m.PseudoKeyMap = pseudoKeys
		m.QuarantineOnMissingID = cfg.QuarantineOnMissingID
	}

	met := metrics.New()
	classes := management.NewStorageClassRegistry(cfg, "storage-classes.json")

	q := quarantine.New(cfg.QuarantineDir, m, log)
	engine := &transform.Engine{
		Model:          m,
		Quarantine:     q,
		Log:            log,
		ImagesDir:      cfg.ImagesDir,
		SiteID:         cfg.SiteID,
		ProjectName:    cfg.ProjectName,
		RemovePixelPHI: cfg.RemovePixelPHI,
	}
	in := &ingress.Ingress{
		Model:          m,
		Quarantine:     q,
		Engine:         engine,
		StorageClasses: classes,
	}

	redactor := pixelphi.NullRedactor{Log: log}

	pl := pipeline.New(pipeline.Config{
		Engine:           engine,
		Model:            m,
		Redactor:         redactor,
		Log:              log,
		Metrics:          met,
		ModelPath:        cfg.ModelFile,
		DatasetWorkers:   cfg.DatasetWorkers,
		AutosaveInterval: time.Duration(cfg.ModelAutosaveSeconds) * time.Second,
		PixelPHIEnabled:  cfg.RemovePixelPHI,
	})
	pl.Start()

	mgmt := management.New(cfg, classes, m, met, log)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("startup", "management API: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.InputDir != "" {
		drainExisting(cfg.InputDir, in, pl, log)
		go watchInputDir(ctx, cfg.InputDir, in, pl, log)
	}

	<-ctx.Done()
	log.Info("shutdown", "signal received, draining pipeline…")
	pl.Shutdown()
	log.Info("shutdown", "pipeline drained, model saved")
}

// loadOrCreateModel loads the persisted model, migrating forward on a
// version mismatch, or builds a fresh one from the configured script
// when no model file exists yet.
func loadOrCreateModel(cfg *config.Config, log *logger.Logger) *model.Model {
	var compiled *script.Compiled
	if cfg.ScriptFile != "" {
		data, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			log.Fatalf("startup", "read script %s: %v", cfg.ScriptFile, err)
		}
		compiled, err = script.Parse(data)
		if err != nil {
			log.Fatalf("startup", "parse script %s: %v", cfg.ScriptFile, err)
		}
	}

	if _, err := os.Stat(cfg.ModelFile); err != nil {
		log.Info("startup", "no existing model, starting fresh")
		return model.New(cfg.SiteID, cfg.UIDRoot, cfg.DefaultAnonPID, compiled)
	}

	m, err := model.Load(cfg.ModelFile)
	if err != nil {
		log.Fatalf("startup", "load model: %v", err)
	}
	if m.Version != model.ModelVersion {
		log.Warnf("startup", "model version %d != %d, migrating", m.Version, model.ModelVersion)
		fresh := model.New(cfg.SiteID, cfg.UIDRoot, cfg.DefaultAnonPID, compiled)
		m = model.MergeForward(m, fresh)
		if err := m.Save(cfg.ModelFile); err != nil {
			log.Errorf("startup", "save migrated model: %v", err)
		}
	}
	return m
}

// drainExisting submits every file already sitting in inputDir before
// the filesystem watcher starts, so a backlog accumulated while the
// engine was stopped is not silently skipped.
func drainExisting(inputDir string, in *ingress.Ingress, pl *pipeline.Pipeline, log *logger.Logger) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		log.Warnf("startup", "read input dir %s: %v", inputDir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		admitAndSubmit(filepath.Join(inputDir, entry.Name()), in, pl, log)
	}
}

// watchInputDir is the producer side of the pipeline described in §5:
// it feeds newly-created files into ingress, which in turn enqueues
// admitted datasets onto the pipeline's bounded queue. It is the
// filesystem-local substitute for the DICOM network listener, which
// is out of scope for this engine.
func watchInputDir(ctx context.Context, inputDir string, in *ingress.Ingress, pl *pipeline.Pipeline, log *logger.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("ingress_watch", "create watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(inputDir); err != nil {
		log.Errorf("ingress_watch", "watch %s: %v", inputDir, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			admitAndSubmit(event.Name, in, pl, log)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("ingress_watch", "watcher error: %v", err)
		}
	}
}

func admitAndSubmit(path string, in *ingress.Ingress, pl *pipeline.Pipeline, log *logger.Logger) {
	source, ds, err := in.Admit(path)
	if err != nil {
		if err != ingress.ErrAlreadyStored {
			log.Warnf("ingress", "%s: %v", path, err)
		}
		return
	}
	pl.Submit(source, ds)
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          DICOM De-identification Engine               ║
╚══════════════════════════════════════════════════════╝
  Site            : %s
  Project         : %s
  Input dir       : %s
  Images dir      : %s
  Quarantine dir  : %s
  Model file      : %s
  Dataset workers : %d
  Management port : %d

  Check status:
    curl http://localhost:%d/status
`, cfg.SiteID, cfg.ProjectName, cfg.InputDir, cfg.ImagesDir, cfg.QuarantineDir,
		cfg.ModelFile, cfg.DatasetWorkers, cfg.ManagementPort, cfg.ManagementPort)
}
