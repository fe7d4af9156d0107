package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jupark12/build-broker/models"
	"github.com/jupark12/build-broker/storage"
)

// Broker is the part of the broker API a worker needs.
type Broker interface {
	NextJob(ctx context.Context, workerID string) (*models.JobRecord, error)
	ReportResult(ctx context.Context, result models.ResultRequest) (models.JobRecord, error)
	PublishLog(ctx context.Context, jobID, message string) error
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Config controls how a worker polls and builds.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	WorkDir      string
	BuildTimeout time.Duration

	// BuildModes maps a job's build mode to the shell command that builds it.
	BuildModes map[string]string

	// KeepWorkDir leaves each job's scratch directory in place for debugging.
	KeepWorkDir bool
}

// Worker represents a build node that polls the broker for jobs
type Worker struct {
	ID         string
	cfg        Config
	broker     Broker
	store      storage.ArtifactStore
	logger     *zap.Logger
	processing bool
	mu         sync.Mutex
}

// NewWorker creates a new worker instance
func NewWorker(cfg Config, broker Broker, store storage.ArtifactStore, logger *zap.Logger) (*Worker, error) {
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve worker id: %w", err)
		}
		cfg.WorkerID = host
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	return &Worker{
		ID:     cfg.WorkerID,
		cfg:    cfg,
		broker: broker,
		store:  store,
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// Processing reports whether a job is currently being built.
func (w *Worker) Processing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processing
}

func (w *Worker) setProcessing(v bool) {
	w.mu.Lock()
	w.processing = v
	w.mu.Unlock()
}

// Run polls for jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker starting",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("build_modes", len(w.cfg.BuildModes)))

	for {
		handled, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("Worker iteration failed", zap.Error(err))
		}
		if handled && err == nil {
			continue
		}

		// No jobs available, wait before trying again
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims at most one job and builds it. handled is false when the
// broker had nothing pending.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.broker.NextJob(ctx, w.ID)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.setProcessing(true)
	defer w.setProcessing(false)

	log := w.logger.With(zap.String("job_id", job.JobID), zap.String("build_mode", job.BuildMode))
	log.Info("Processing job")

	result := models.ResultRequest{JobID: job.JobID, WorkerID: w.ID}
	outputURL, buildErr := w.build(ctx, *job, log)
	if buildErr != nil {
		log.Warn("Job failed", zap.Error(buildErr))
		result.Status = "failed"
		result.Error = buildErr.Error()
	} else {
		log.Info("Job completed", zap.String("output_url", outputURL))
		result.Status = "success"
		result.OutputURL = outputURL
	}

	// Report even if ctx was canceled mid-build so the job does not stay active.
	reportCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		reportCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if _, err := w.broker.ReportResult(reportCtx, result); err != nil {
		return true, fmt.Errorf("report result for %s: %w", job.JobID, err)
	}
	return true, nil
}

// build downloads, unpacks and builds job, then uploads the first output file.
func (w *Worker) build(ctx context.Context, job models.JobRecord, log *zap.Logger) (string, error) {
	command, ok := w.cfg.BuildModes[job.BuildMode]
	if !ok {
		return "", fmt.Errorf("unsupported build mode %q", job.BuildMode)
	}
	if job.SourceRef == "" {
		return "", errors.New("job has no source archive")
	}

	dir, err := os.MkdirTemp(w.cfg.WorkDir, "job-*")
	if err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	if !w.cfg.KeepWorkDir {
		defer os.RemoveAll(dir)
	}

	archive := filepath.Join(dir, "source.zip")
	srcDir := filepath.Join(dir, "src")
	outDir := filepath.Join(dir, "out")
	for _, d := range []string{srcDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("create job dir: %w", err)
		}
	}

	if err := w.download(ctx, job.SourceRef, archive); err != nil {
		return "", err
	}
	if err := Unzip(archive, srcDir); err != nil {
		return "", fmt.Errorf("unpack source archive: %w", err)
	}

	runner := &Runner{
		Timeout: w.cfg.BuildTimeout,
		Env: []string{
			"BUILDQ_JOB_ID=" + job.JobID,
			"BUILDQ_BUILD_MODE=" + job.BuildMode,
			"BUILDQ_OUTPUT_DIR=" + outDir,
		},
		OnLine: func(line string) {
			if err := w.broker.PublishLog(ctx, job.JobID, line); err != nil {
				log.Debug("Failed to publish log line", zap.Error(err))
			}
		},
	}
	if err := runner.Run(ctx, command, srcDir); err != nil {
		return "", err
	}

	output, err := firstOutput(outDir)
	if err != nil {
		return "", err
	}
	return w.upload(ctx, output)
}

func (w *Worker) download(ctx context.Context, sourceURL, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	if _, err := w.broker.Download(ctx, sourceURL, f); err != nil {
		return fmt.Errorf("download source archive: %w", err)
	}
	return f.Close()
}

func (w *Worker) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open build output: %w", err)
	}
	defer f.Close()

	url, err := w.store.Store(ctx, f, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("upload build output: %w", err)
	}
	return url, nil
}

// firstOutput returns the lexically first regular file under dir.
func firstOutput(dir string) (string, error) {
	var found string
	errFound := errors.New("found")

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = path
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("scan build output: %w", err)
	}
	if found == "" {
		return "", errors.New("build produced no output file")
	}
	return found, nil
}
