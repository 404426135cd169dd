package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/metadata"
	"github.com/you-humble/framesync/uploader/internal/infra/objectstore"
	"github.com/you-humble/framesync/uploader/internal/infra/scanner"
	resumestore "github.com/you-humble/framesync/uploader/internal/infra/store/resume"
	"github.com/you-humble/framesync/uploader/internal/registry"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
)

type SubmissionStore interface {
	Submission(ctx context.Context, id string) (domain.Submission, error)
	Update(ctx context.Context, id string, fn func(*domain.Submission) error) (domain.Submission, error)
}

type ResumeStore interface {
	Load(ctx context.Context, id string) (*domain.ResumeState, error)
	Persist(ctx context.Context, id string, p resumestore.Patch) (*domain.ResumeState, error)
	Clear(ctx context.Context, id string) error
}

type Scanner interface {
	Scan(root string) (scanner.Snapshot, error)
}

type Refresher interface {
	EnsureFresh(ctx context.Context, submissionID string, force bool) (domain.Identity, error)
	RefreshAfter(ctx context.Context, submissionID string, failedAt time.Time) (domain.Identity, error)
	Due() bool
}

type ObjectStore interface {
	Put(ctx context.Context, identityID, key string, reader io.Reader, size int64, contentType string) error
}

type Metadata interface {
	CreateFileRecord(ctx context.Context, submissionID, storageKey, status string) (string, error)
	UpdateFileRecord(ctx context.Context, recordID, status string) error
	UpdateSubmission(ctx context.Context, remoteID, status string) error
}

type Publisher interface {
	Publish(ctx context.Context, sub domain.Submission)
}

type Registry interface {
	Begin(id string) (*registry.Run, *registry.Run, error)
	Finish(run *registry.Run)
	Cancel(id string) bool
}

type Dependencies struct {
	Submissions SubmissionStore
	Resume      ResumeStore
	Scanner     Scanner
	Refresher   Refresher
	Objects     ObjectStore
	Metadata    Metadata
	Publisher   Publisher
	Registry    Registry
	Metrics     *Metrics

	ProcessingRoot string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

type orchestrator struct {
	submissions SubmissionStore
	resume      ResumeStore
	scanner     Scanner
	refresher   Refresher
	objects     ObjectStore
	metadata    Metadata
	publisher   Publisher
	registry    Registry
	metrics     *Metrics

	root       string
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	// background runs outlive the request that started them
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Dependencies) (*orchestrator, error) {
	switch {
	case deps.Submissions == nil:
		return nil, errors.New("orchestrator: submission store is required")
	case deps.Resume == nil:
		return nil, errors.New("orchestrator: resume store is required")
	case deps.Scanner == nil:
		return nil, errors.New("orchestrator: scanner is required")
	case deps.Refresher == nil:
		return nil, errors.New("orchestrator: credential refresher is required")
	case deps.Objects == nil:
		return nil, errors.New("orchestrator: object store is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.ProcessingRoot == "":
		return nil, errors.New("orchestrator: processing root is required")
	}

	o := &orchestrator{
		submissions: deps.Submissions,
		resume:      deps.Resume,
		scanner:     deps.Scanner,
		refresher:   deps.Refresher,
		objects:     deps.Objects,
		metadata:    deps.Metadata,
		publisher:   deps.Publisher,
		registry:    deps.Registry,
		metrics:     deps.Metrics,
		root:        deps.ProcessingRoot,
		maxRetries:  deps.MaxRetries,
		baseDelay:   deps.RetryBaseDelay,
		sleep:       sleep,
	}
	if o.metadata == nil {
		o.metadata = metadata.NewNopClient()
	}
	if o.publisher == nil {
		o.publisher = nopPublisher{}
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxRetries
	}
	if o.baseDelay <= 0 {
		o.baseDelay = DefaultRetryBaseDelay
	}
	o.runCtx, o.stop = context.WithCancel(context.Background())

	return o, nil
}

// Upload runs the upload of submission id to completion, failure or pause.
// Cancellation, preemption and ctx being done all end the run with
// domain.ErrPaused and leave the submission uploading.
func (o *orchestrator) Upload(ctx context.Context, id string) error {
	sub, run, err := o.begin(ctx, id)
	if err != nil || run == nil {
		return err
	}
	defer o.registry.Finish(run)

	return o.run(ctx, run, sub)
}

// Start validates and claims the upload slot synchronously, then runs the
// upload in the background until Close.
func (o *orchestrator) Start(ctx context.Context, id string) error {
	sub, run, err := o.begin(ctx, id)
	if err != nil || run == nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.registry.Finish(run)

		if err := o.run(o.runCtx, run, sub); err != nil && !errors.Is(err, domain.ErrPaused) {
			slog.Error("background upload",
				slog.String("submission_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Cancel stops the run of id at its next file boundary.
func (o *orchestrator) Cancel(id string) bool {
	ok := o.registry.Cancel(id)
	if ok {
		slog.Info("upload cancelled", slog.String("submission_id", id))
	}
	return ok
}

// Close pauses background runs and waits for them to return.
func (o *orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// begin returns a nil run when there is nothing to do.
func (o *orchestrator) begin(ctx context.Context, id string) (domain.Submission, *registry.Run, error) {
	sub, err := o.submissions.Submission(ctx, id)
	if err != nil {
		return domain.Submission{}, nil, err
	}

	switch sub.Status {
	case domain.StatusCompleted:
		slog.Debug("upload skipped, already completed", slog.String("submission_id", id))
		o.metrics.RunFinished(outcomeSkipped)
		return sub, nil, nil
	case domain.StatusProcessed, domain.StatusError, domain.StatusUploaded:
	case domain.StatusUploading:
		if sub.UploadProgress >= 100 {
			return sub, nil, fmt.Errorf("%w: %s at %d%%", domain.ErrNotUploadable, sub.Status, sub.UploadProgress)
		}
	default:
		return sub, nil, fmt.Errorf("%w: %s", domain.ErrNotUploadable, sub.Status)
	}

	run, preempted, err := o.registry.Begin(id)
	if err != nil {
		slog.Warn("upload not started",
			slog.String("submission_id", id),
			slog.String("reason", err.Error()),
		)
		return sub, nil, err
	}
	if preempted != nil {
		slog.Info("upload preempted",
			slog.String("submission_id", preempted.ID),
			slog.String("by", id),
		)
	}

	return sub, run, nil
}

func (o *orchestrator) run(ctx context.Context, run *registry.Run, sub domain.Submission) (err error) {
	id := sub.ID
	logger := slog.With(
		slog.String("run_id", uuid.NewString()),
		slog.String("submission_id", id),
	)

	o.metrics.IncActive()
	defer o.metrics.DecActive()
	defer func() {
		switch {
		case err == nil:
			o.metrics.RunFinished(outcomeCompleted)
		case errors.Is(err, domain.ErrPaused):
			o.metrics.RunFinished(outcomePaused)
		default:
			o.metrics.RunFinished(outcomeFailed)
		}
	}()

	if sub.Status == domain.StatusUploaded {
		logger.Info("finishing uploaded submission")
		return o.complete(ctx, logger, sub)
	}

	root := filepath.Join(o.root, id)
	snap, err := o.scanner.Scan(root)
	if err != nil {
		return o.fail(ctx, logger, id, fmt.Errorf("scan %s: %w", root, err))
	}
	if snap.Empty() {
		logger.Info("no eligible files, nothing to upload")
		return nil
	}

	st, err := o.reconcile(ctx, sub, snap)
	if err != nil {
		return o.fail(ctx, logger, id, err)
	}

	sub, err = o.update(ctx, id, func(s *domain.Submission) error {
		s.Status = domain.StatusUploading
		s.Error = ""
		s.UploadProgress = resumestore.Progress(st)
		s.ResumeState = st.Clone()
		return nil
	})
	if err != nil {
		return o.fail(ctx, logger, id, err)
	}

	ident, err := o.refresher.EnsureFresh(ctx, id, st.IdentityID == "")
	if err != nil {
		return o.fail(ctx, logger, id, err)
	}

	logger.Info("upload started",
		slog.Int("files", len(snap.Files)),
		slog.Int("completed", len(st.CompletedFiles)),
		slog.Int64("total_bytes", st.TotalBytes),
	)

	for _, f := range snap.Files {
		if st.IsCompleted(f.Path) {
			continue
		}
		if !run.Continue() {
			logger.Info("upload paused", slog.String("next", f.Path))
			return domain.ErrPaused
		}
		select {
		case <-ctx.Done():
			logger.Info("upload interrupted", slog.String("next", f.Path))
			return fmt.Errorf("%w: %w", domain.ErrPaused, ctx.Err())
		default:
		}

		if o.refresher.Due() {
			if ident, err = o.refresher.EnsureFresh(ctx, id, true); err != nil {
				return o.fail(ctx, logger, id, err)
			}
		}

		st, err = o.uploadFile(ctx, logger, sub, st, f, &ident)
		if err != nil {
			return o.fail(ctx, logger, id, err)
		}

		progress := resumestore.Progress(st)
		sub, err = o.update(ctx, id, func(s *domain.Submission) error {
			s.UploadProgress = max(s.UploadProgress, progress)
			s.ResumeState = st.Clone()
			return nil
		})
		if err != nil {
			return o.fail(ctx, logger, id, err)
		}

		logger.Debug("file uploaded",
			slog.String("path", f.Path),
			slog.Int64("size", f.Size),
			slog.Int("progress", progress),
		)
	}

	return o.complete(ctx, logger, sub)
}

// reconcile loads or initializes the resume state against the fresh snapshot.
// Completed files that vanished from disk are forgotten and uploaded bytes are
// recomputed from what is left.
func (o *orchestrator) reconcile(ctx context.Context, sub domain.Submission, snap scanner.Snapshot) (*domain.ResumeState, error) {
	prev, err := o.resume.Load(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	sizes := snap.Sizes()
	completed := []string{}
	var uploaded int64
	if prev != nil {
		for _, p := range prev.CompletedFiles {
			if size, ok := sizes[p]; ok {
				completed = append(completed, p)
				uploaded += size
			}
		}
	}

	total := snap.TotalBytes()
	files := len(snap.Files)
	meta := sub.Meta()

	return o.resume.Persist(ctx, sub.ID, resumestore.Patch{
		CompletedFiles: completed,
		FileSizes:      sizes,
		TotalBytes:     &total,
		TotalFiles:     &files,
		UploadedBytes:  &uploaded,
		Meta:           &meta,
	})
}

func (o *orchestrator) uploadFile(
	ctx context.Context,
	logger *slog.Logger,
	sub domain.Submission,
	st *domain.ResumeState,
	f scanner.File,
	ident *domain.Identity,
) (*domain.ResumeState, error) {
	key := objectstore.StorageKey(sub.MediaID(), f.Path)

	recordID := st.FileRecords[f.Path]
	if recordID == "" {
		created, err := o.metadata.CreateFileRecord(ctx, sub.MediaID(), key, metadata.FileStatusPending)
		switch {
		case err != nil:
			logger.Warn("create file record",
				slog.String("path", f.Path),
				slog.String("error", err.Error()),
			)
		case created != "":
			recordID = created
			if st, err = o.resume.Persist(ctx, sub.ID, resumestore.Patch{
				FileRecords: map[string]string{f.Path: recordID},
			}); err != nil {
				return nil, err
			}
		}
	}

	if err := o.putWithRetry(ctx, logger, sub.ID, f, key, ident); err != nil {
		return nil, err
	}
	o.metrics.FileUploaded(f.Size)

	if recordID != "" {
		if err := o.metadata.UpdateFileRecord(ctx, recordID, metadata.FileStatusUploaded); err != nil {
			logger.Warn("mark file record uploaded",
				slog.String("path", f.Path),
				slog.String("record_id", recordID),
				slog.String("error", err.Error()),
			)
		}
	}

	uploaded := st.UploadedBytes + f.Size
	return o.resume.Persist(ctx, sub.ID, resumestore.Patch{
		CompletedFiles: append(slices.Clone(st.CompletedFiles), f.Path),
		UploadedBytes:  &uploaded,
	})
}

// putWithRetry retries a file after a credential expiry, forcing a refresh and
// waiting attempt*baseDelay before each new attempt.
func (o *orchestrator) putWithRetry(
	ctx context.Context,
	logger *slog.Logger,
	id string,
	f scanner.File,
	key string,
	ident *domain.Identity,
) error {
	for attempt := 1; ; attempt++ {
		err := o.put(ctx, ident.ID, key, f, filepath.Join(o.root, id, filepath.FromSlash(f.Path)))
		if err == nil {
			return nil
		}
		failedAt := time.Now()
		if !errors.Is(err, domain.ErrCredentialsExpired) {
			return err
		}
		if attempt > o.maxRetries {
			return fmt.Errorf("upload %s: giving up after %d attempts: %w", f.Path, attempt, err)
		}

		o.metrics.IncRetry()
		logger.Warn("credentials expired, retrying",
			slog.String("path", f.Path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		lastErr := err.Error()
		if _, perr := o.resume.Persist(ctx, id, resumestore.Patch{LastError: &lastErr}); perr != nil {
			logger.Warn("record last error", slog.String("error", perr.Error()))
		}

		fresh, err := o.refresher.RefreshAfter(ctx, id, failedAt)
		if err != nil {
			return err
		}
		*ident = fresh

		if err := o.sleep(ctx, time.Duration(attempt)*o.baseDelay); err != nil {
			return err
		}
	}
}

func (o *orchestrator) put(ctx context.Context, identityID, key string, f scanner.File, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer file.Close()

	return o.objects.Put(ctx, identityID, key, file, f.Size, objectstore.ContentType(f.Path))
}

func (o *orchestrator) complete(ctx context.Context, logger *slog.Logger, sub domain.Submission) error {
	id := sub.ID

	sub, err := o.update(ctx, id, func(s *domain.Submission) error {
		if s.Status != domain.StatusCompleted {
			s.Status = domain.StatusUploaded
		}
		s.UploadProgress = 100
		return nil
	})
	if err != nil {
		return o.fail(ctx, logger, id, err)
	}

	if err := o.metadata.UpdateSubmission(ctx, sub.MediaID(), metadata.SubmissionStatusUploaded); err != nil {
		logger.Warn("mark submission uploaded", slog.String("error", err.Error()))
	}

	if err := o.resume.Clear(ctx, id); err != nil {
		return o.fail(ctx, logger, id, err)
	}

	if _, err := o.update(ctx, id, func(s *domain.Submission) error {
		s.Status = domain.StatusCompleted
		s.UploadProgress = 100
		s.Error = ""
		s.ResumeState = nil
		return nil
	}); err != nil {
		return o.fail(ctx, logger, id, err)
	}

	logger.Info("upload completed")
	return nil
}

// fail lands the submission in error and keeps its resume state. Failures
// caused by ctx being done count as a pause.
func (o *orchestrator) fail(ctx context.Context, logger *slog.Logger, id string, cause error) error {
	if ctx.Err() != nil {
		logger.Info("upload interrupted", slog.String("error", cause.Error()))
		return fmt.Errorf("%w: %w", domain.ErrPaused, ctx.Err())
	}

	logger.Error("upload failed", slog.String("error", cause.Error()))

	msg := cause.Error()
	if _, err := o.update(ctx, id, func(s *domain.Submission) error {
		s.Status = domain.StatusError
		s.Error = msg
		return nil
	}); err != nil {
		logger.Error("record upload failure", slog.String("error", err.Error()))
	}

	return cause
}

func (o *orchestrator) update(ctx context.Context, id string, fn func(*domain.Submission) error) (domain.Submission, error) {
	sub, err := o.submissions.Update(ctx, id, fn)
	if err != nil {
		return domain.Submission{}, err
	}
	o.publisher.Publish(ctx, sub)
	return sub, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Submission) {}
