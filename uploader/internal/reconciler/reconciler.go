package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/statusfile"
	resumestore "github.com/you-humble/framesync/uploader/internal/infra/store/resume"
)

const DefaultInterval = 2 * time.Second

var errUnchanged = errors.New("unchanged")

type SubmissionStore interface {
	List(ctx context.Context) ([]domain.Submission, error)
	Update(ctx context.Context, id string, fn func(*domain.Submission) error) (domain.Submission, error)
}

type ResumeStore interface {
	Load(ctx context.Context, id string) (*domain.ResumeState, error)
	Clear(ctx context.Context, id string) error
}

// Starter launches an upload run without waiting for it.
type Starter interface {
	Start(ctx context.Context, id string) error
}

type ActiveChecker interface {
	IsActive(id string) bool
}

type Publisher interface {
	Publish(ctx context.Context, sub domain.Submission)
}

type reconciler struct {
	interval    time.Duration
	root        string
	submissions SubmissionStore
	resume      ResumeStore
	starter     Starter
	active      ActiveChecker
	publisher   Publisher
}

func New(
	interval time.Duration,
	processingRoot string,
	submissions SubmissionStore,
	resume ResumeStore,
	starter Starter,
	active ActiveChecker,
	publisher Publisher,
) *reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &reconciler{
		interval:    interval,
		root:        processingRoot,
		submissions: submissions,
		resume:      resume,
		starter:     starter,
		active:      active,
		publisher:   publisher,
	}
}

// Run reconciles once immediately and then on every tick until ctx is done.
func (r *reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reconciler is running", slog.Duration("interval", r.interval))

	for {
		if err := r.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("reconcile", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Reconcile re-derives the status of every processing or uploading
// submission from the status file and the persisted resume state.
func (r *reconciler) Reconcile(ctx context.Context) error {
	subs, err := r.submissions.List(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch sub.Status {
		case domain.StatusProcessing:
			r.processing(ctx, sub)
		case domain.StatusUploading:
			r.uploading(ctx, sub)
		}
	}

	return nil
}

func (r *reconciler) processing(ctx context.Context, sub domain.Submission) {
	sum, err := statusfile.ReadSummary(filepath.Join(r.root, sub.ID))
	if err != nil {
		if errors.Is(err, statusfile.ErrNoStatus) {
			slog.Debug("no status file yet", slog.String("submission_id", sub.ID))
			return
		}
		slog.Warn("read status file",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	progress := statusfile.Progress(sum)
	finished := statusfile.Finished(sum)

	updated, err := r.submissions.Update(ctx, sub.ID, func(s *domain.Submission) error {
		if s.Status != domain.StatusProcessing {
			return errUnchanged
		}
		if finished {
			s.Status = domain.StatusProcessed
			s.ProcessingProgress = 100
			return nil
		}
		if s.ProcessingProgress == progress {
			return errUnchanged
		}
		s.ProcessingProgress = progress
		return nil
	})
	if err != nil {
		r.logUpdateErr(sub.ID, err)
		return
	}
	r.publisher.Publish(ctx, updated)

	if updated.Status != domain.StatusProcessed {
		return
	}
	slog.Info("processing finished",
		slog.String("submission_id", sub.ID),
		slog.Int("episodes", sum.Total),
	)

	if updated.AutoUpload {
		if err := r.starter.Start(ctx, sub.ID); err != nil {
			slog.Warn("auto upload not started",
				slog.String("submission_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// uploading never lowers progress. Completing an active run is left to the
// orchestrator, which still has the remote submission record to mark.
func (r *reconciler) uploading(ctx context.Context, sub domain.Submission) {
	st, err := r.resume.Load(ctx, sub.ID)
	if err != nil {
		slog.Warn("load resume state",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if st == nil {
		return
	}

	progress := resumestore.Progress(st)
	complete := progress >= 100 && !r.active.IsActive(sub.ID)

	updated, err := r.submissions.Update(ctx, sub.ID, func(s *domain.Submission) error {
		if s.Status != domain.StatusUploading {
			return errUnchanged
		}
		if complete {
			s.Status = domain.StatusCompleted
			s.UploadProgress = 100
			s.Error = ""
			s.ResumeState = nil
			return nil
		}
		if progress <= s.UploadProgress {
			return errUnchanged
		}
		s.UploadProgress = progress
		s.ResumeState = st.Clone()
		return nil
	})
	if err != nil {
		r.logUpdateErr(sub.ID, err)
		return
	}

	if updated.Status == domain.StatusCompleted {
		if err := r.resume.Clear(ctx, sub.ID); err != nil {
			slog.Warn("clear resume state",
				slog.String("submission_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
		slog.Info("upload reconciled as completed", slog.String("submission_id", sub.ID))
	}
	r.publisher.Publish(ctx, updated)
}

func (r *reconciler) logUpdateErr(id string, err error) {
	if errors.Is(err, errUnchanged) {
		return
	}
	slog.Warn("update submission",
		slog.String("submission_id", id),
		slog.String("error", err.Error()),
	)
}
