// Package pipeline wires bounded queues to dataset-anonymization
// workers and an optional pixel-PHI redaction worker, coordinates a
// periodic model autosave, and implements sentinel-based cooperative
// shutdown: one sentinel per worker is enqueued, the queues are
// drained, the worker goroutines are joined, and only then is the
// autosave loop stopped and the model flushed one last time.
package pipeline

import (
	"sync"
	"time"

	"github.com/suyashkumar/dicom"

	"dicom-anonymizer/internal/logger"
	"dicom-anonymizer/internal/metrics"
	"dicom-anonymizer/internal/model"
	"dicom-anonymizer/internal/pixelphi"
	"dicom-anonymizer/internal/transform"
)

// workerPace is a UX pacing knob, not a correctness requirement: each
// dataset worker sleeps briefly between items so a backlog drains
// visibly rather than in one burst.
const workerPace = 75 * time.Millisecond

// datasetJob is one (source, dataset) pair admitted by ingress. A nil
// *datasetJob enqueued onto the dataset queue is the shutdown
// sentinel for exactly one dataset worker.
type datasetJob struct {
	source string
	ds     dicom.Dataset
}

// Config configures a Pipeline. DatasetWorkers, QueueSize, and
// AutosaveInterval fall back to sane defaults when zero.
type Config struct {
	Engine           *transform.Engine
	Model            *model.Model
	Redactor         pixelphi.Redactor
	Log              *logger.Logger
	Metrics          *metrics.Metrics
	ModelPath        string
	DatasetWorkers   int
	QueueSize        int
	AutosaveInterval time.Duration
	PixelPHIEnabled  bool
}

// Pipeline runs the worker pool described in Config until Shutdown is
// called. The zero value is not usable; construct with New.
type Pipeline struct {
	engine    *transform.Engine
	model     *model.Model
	redactor  pixelphi.Redactor
	log       *logger.Logger
	metrics   *metrics.Metrics
	modelPath string

	datasetWorkers  int
	pixelPHIEnabled bool
	autosaveEvery   time.Duration

	datasetQueue chan *datasetJob
	pixelQueue   chan *string

	workersWG sync.WaitGroup
	pixelWG   sync.WaitGroup

	autosaveDone    chan struct{}
	autosaveStopped chan struct{}

	shutdownOnce sync.Once
}

// New builds a Pipeline from cfg but does not start its goroutines;
// call Start to do that.
func New(cfg Config) *Pipeline {
	workers := cfg.DatasetWorkers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	autosave := cfg.AutosaveInterval
	if autosave <= 0 {
		autosave = 30 * time.Second
	}
	redactor := cfg.Redactor
	if redactor == nil {
		redactor = pixelphi.NullRedactor{Log: cfg.Log}
	}

	return &Pipeline{
		engine:          cfg.Engine,
		model:           cfg.Model,
		redactor:        redactor,
		log:             cfg.Log,
		metrics:         cfg.Metrics,
		modelPath:       cfg.ModelPath,
		datasetWorkers:  workers,
		pixelPHIEnabled: cfg.PixelPHIEnabled,
		autosaveEvery:   autosave,
		datasetQueue:    make(chan *datasetJob, queueSize),
		pixelQueue:      make(chan *string, queueSize),
		autosaveDone:    make(chan struct{}),
		autosaveStopped: make(chan struct{}),
	}
}

// Start launches the dataset workers, the pixel-PHI worker (if
// enabled), and the autosave loop.
func (p *Pipeline) Start() {
	for i := 0; i < p.datasetWorkers; i++ {
		p.workersWG.Add(1)
		go p.datasetWorker(i)
	}
	if p.pixelPHIEnabled {
		p.pixelWG.Add(1)
		go p.pixelWorker()
	}
	go p.autosaveLoop()
}

// Submit enqueues one admitted (source, dataset) pair for
// anonymization. It blocks when the dataset queue is full, applying
// backpressure to the caller rather than dropping work.
func (p *Pipeline) Submit(source string, ds dicom.Dataset) {
	if p.metrics != nil {
		p.metrics.DatasetsAdmitted.Add(1)
	}
	p.datasetQueue <- &datasetJob{source: source, ds: ds}
}

// datasetWorker drains jobs until it reads its sentinel (a nil job).
func (p *Pipeline) datasetWorker(id int) {
	defer p.workersWG.Done()
	for job := range p.datasetQueue {
		if job == nil {
			return
		}
		p.process(job)
		time.Sleep(workerPace)
	}
}

func (p *Pipeline) process(job *datasetJob) {
	start := time.Now()
	before := p.model.QuarantinedCountValue()

	pixelPath := p.engine.Anonymize(job.source, job.ds)

	if p.metrics != nil {
		p.metrics.RecordAnonLatency(time.Since(start))
		if p.model.QuarantinedCountValue() > before {
			p.metrics.DatasetsQuarantined.Add(1)
		} else {
			p.metrics.DatasetsAnonymized.Add(1)
		}
	}

	if pixelPath == "" {
		return
	}
	if p.metrics != nil {
		p.metrics.PixelPHIQueued.Add(1)
	}
	if p.pixelPHIEnabled {
		path := pixelPath
		p.pixelQueue <- &path
	}
}

// pixelWorker drains the pixel-PHI redaction queue until it reads its
// sentinel (a nil path).
func (p *Pipeline) pixelWorker() {
	defer p.pixelWG.Done()
	for path := range p.pixelQueue {
		if path == nil {
			return
		}
		if err := p.redactor.Redact(*path); err != nil {
			p.log.Errorf("pixel_redact", "redact %s: %v", *path, err)
			continue
		}
		if p.metrics != nil {
			p.metrics.PixelPHIRedacted.Add(1)
		}
		time.Sleep(workerPace)
	}
}

// autosaveLoop saves the model on a fixed period until autosaveDone
// is closed by Shutdown.
func (p *Pipeline) autosaveLoop() {
	defer close(p.autosaveStopped)
	ticker := time.NewTicker(p.autosaveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.saveModel()
		case <-p.autosaveDone:
			return
		}
	}
}

func (p *Pipeline) saveModel() {
	if p.modelPath == "" || !p.model.Dirty() {
		return
	}
	if err := p.model.Save(p.modelPath); err != nil {
		if p.metrics != nil {
			p.metrics.ModelSaveErrors.Add(1)
		}
		p.log.Errorf("autosave", "save model: %v", err)
		return
	}
	if p.metrics != nil {
		p.metrics.ModelSaves.Add(1)
	}
	p.log.Debug("autosave", "model saved")
}

// Shutdown enqueues one sentinel per worker, joins the queues and the
// worker goroutines, stops the autosave loop, and flushes the model
// one final time. The pixel worker's sentinel is enqueued only after
// every dataset worker has exited, so each path they queued is
// redacted first. Safe to call more than once; only the first call
// acts.
func (p *Pipeline) Shutdown() {
	p.shutdownOnce.Do(func() {
		for i := 0; i < p.datasetWorkers; i++ {
			p.datasetQueue <- nil
		}
		p.workersWG.Wait()
		if p.pixelPHIEnabled {
			p.pixelQueue <- nil
			p.pixelWG.Wait()
		}

		close(p.autosaveDone)
		<-p.autosaveStopped

		if p.modelPath != "" {
			if err := p.model.Save(p.modelPath); err != nil {
				p.log.Errorf("shutdown", "final model save: %v", err)
			}
		}
	})
}
