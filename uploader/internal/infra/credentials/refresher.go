package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/you-humble/framesync/uploader/internal/domain"
	resumestore "github.com/you-humble/framesync/uploader/internal/infra/store/resume"
)

const (
	DefaultInterval = 12 * time.Minute
	DefaultCooldown = time.Second
)

type Provider interface {
	Current(ctx context.Context) (domain.Identity, error)
	ForceRefresh(ctx context.Context) error
}

type ResumeWriter interface {
	Persist(ctx context.Context, id string, p resumestore.Patch) (*domain.ResumeState, error)
}

type Observer interface {
	CredentialRefreshed(ok bool)
}

type Refresher struct {
	provider Provider
	resume   ResumeWriter
	observer Observer

	interval time.Duration
	cooldown time.Duration
	now      func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	lastRefresh time.Time
	lastMint    time.Time
}

func NewRefresher(provider Provider, resume ResumeWriter, interval, cooldown time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &Refresher{
		provider: provider,
		resume:   resume,
		interval: interval,
		cooldown: cooldown,
		now:      time.Now,
	}
}

func (r *Refresher) WithObserver(o Observer) *Refresher {
	r.observer = o
	return r
}

func (r *Refresher) LastRefresh() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefresh
}

// Due reports whether the refresh interval has elapsed since the last
// successful refresh.
func (r *Refresher) Due() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefresh.IsZero() || r.now().Sub(r.lastRefresh) >= r.interval
}

// EnsureFresh resolves the current storage identity, minting a new token first
// when force is set. A forced refresh within the cooldown of the previous one
// reuses it. On success the submission's resume state records the identity and
// drops its last error.
func (r *Refresher) EnsureFresh(ctx context.Context, submissionID string, force bool) (domain.Identity, error) {
	if force && !r.recentlyRefreshed() {
		r.mint(ctx, submissionID)
	}
	return r.resolve(ctx, submissionID, force)
}

// RefreshAfter replaces a token the store rejected at failedAt. The cooldown
// does not apply: the mint is skipped only when another caller already minted
// after failedAt.
func (r *Refresher) RefreshAfter(ctx context.Context, submissionID string, failedAt time.Time) (domain.Identity, error) {
	if !r.mintedAfter(failedAt) {
		r.mint(ctx, submissionID)
	}
	return r.resolve(ctx, submissionID, true)
}

func (r *Refresher) mint(ctx context.Context, submissionID string) {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		if err := r.provider.ForceRefresh(ctx); err != nil {
			return nil, err
		}
		r.markRefreshed()
		return nil, nil
	})
	if r.observer != nil {
		r.observer.CredentialRefreshed(err == nil)
	}
	if err != nil {
		slog.Warn("force token refresh failed",
			slog.String("submission_id", submissionID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Refresher) resolve(ctx context.Context, submissionID string, force bool) (domain.Identity, error) {
	ident, err := r.provider.Current(ctx)
	if err != nil || ident.ID == "" {
		if !force {
			return r.EnsureFresh(ctx, submissionID, true)
		}
		if err == nil {
			err = fmt.Errorf("empty identity")
		}
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, err)
	}

	r.mu.Lock()
	if r.lastRefresh.IsZero() {
		r.lastRefresh = r.now()
	}
	r.mu.Unlock()

	if submissionID != "" && r.resume != nil {
		empty := ""
		if _, err := r.resume.Persist(ctx, submissionID, resumestore.Patch{
			IdentityID: &ident.ID,
			LastError:  &empty,
		}); err != nil {
			slog.Warn("record identity in resume state",
				slog.String("submission_id", submissionID),
				slog.String("error", err.Error()),
			)
		}
	}

	return ident, nil
}

func (r *Refresher) recentlyRefreshed() bool {
	if r.cooldown <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lastMint.IsZero() && r.now().Sub(r.lastMint) < r.cooldown
}

func (r *Refresher) mintedAfter(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lastMint.IsZero() && r.lastMint.After(t)
}

func (r *Refresher) markRefreshed() {
	r.mu.Lock()
	r.lastRefresh = r.now()
	r.lastMint = r.lastRefresh
	r.mu.Unlock()
}
