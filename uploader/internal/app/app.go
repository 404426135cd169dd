package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context, cfgPath string) *app {
	di := newDI(cfgPath)
	di.Logger()

	return &app{
		di: di,
		srv: &http.Server{
			Addr:    di.Config().Addr,
			Handler: di.Router(ctx).Handler(),
		},
	}
}

// Run serves the control API and the reconciler until ctx is done, then shuts
// both down and pauses any running upload.
func (a *app) Run(ctx context.Context) error {
	defer a.di.Close()

	rec := a.di.Reconciler(ctx)

	eg, eCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return rec.Run(eCtx)
	})

	eg.Go(func() error {
		<-eCtx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.di.Config().ShutdownTimeout,
		)
		defer cancel()

		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", slog.String("error", err.Error()))
			return err
		}

		slog.Info("server gracefully stopped")
		return nil
	})

	return eg.Wait()
}

// Upload runs one upload in the foreground. A paused run is not an error.
func Upload(ctx context.Context, cfgPath, id string) error {
	di := newDI(cfgPath)
	di.Logger()
	defer di.Close()

	err := di.Uploader(ctx).Upload(ctx, id)
	if errors.Is(err, domain.ErrPaused) {
		slog.Info("upload paused, run again to resume", slog.String("submission_id", id))
		return nil
	}
	return err
}

// Status lists submissions, or only id when set. With refresh, one
// reconciliation pass runs first; auto uploads it would trigger are left to
// the serving daemon.
func Status(ctx context.Context, cfgPath, id string, refresh bool) ([]domain.Submission, error) {
	di := newDI(cfgPath)
	di.Logger()
	defer di.Close()

	if refresh {
		if err := di.newReconciler(deferredStarter{}).Reconcile(ctx); err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
	}

	if id != "" {
		sub, err := di.SubmissionStore().Submission(ctx, id)
		if err != nil {
			return nil, err
		}
		return []domain.Submission{sub}, nil
	}

	return di.SubmissionStore().List(ctx)
}

type deferredStarter struct{}

func (deferredStarter) Start(_ context.Context, id string) error {
	slog.Info("auto upload left to the running daemon", slog.String("submission_id", id))
	return nil
}
