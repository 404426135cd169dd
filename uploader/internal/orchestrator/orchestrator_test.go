package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/credentials"
	"github.com/you-humble/framesync/uploader/internal/infra/scanner"
	"github.com/you-humble/framesync/uploader/internal/infra/store/kv"
	resumestore "github.com/you-humble/framesync/uploader/internal/infra/store/resume"
	submissionstore "github.com/you-humble/framesync/uploader/internal/infra/store/submission"
	"github.com/you-humble/framesync/uploader/internal/registry"
)

type fakeRefresher struct {
	mu     sync.Mutex
	forced int
	due    bool
	err    error
}

func (r *fakeRefresher) EnsureFresh(_ context.Context, _ string, force bool) (domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if force {
		r.forced++
	}
	if r.err != nil {
		return domain.Identity{}, r.err
	}
	return domain.Identity{ID: fmt.Sprintf("ident-%d", r.forced)}, nil
}

func (r *fakeRefresher) RefreshAfter(ctx context.Context, id string, _ time.Time) (domain.Identity, error) {
	return r.EnsureFresh(ctx, id, true)
}

func (r *fakeRefresher) Due() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.due
}

type putCall struct {
	identity    string
	key         string
	body        string
	contentType string
}

type fakeObjects struct {
	mu    sync.Mutex
	puts  []putCall
	calls map[string]int
	// hook runs before a put is recorded; a non-nil error fails it
	hook func(key string, attempt int) error
}

func (o *fakeObjects) Put(_ context.Context, identityID, key string, r io.Reader, _ int64, contentType string) error {
	o.mu.Lock()
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[key]++
	attempt := o.calls[key]
	hook := o.hook
	o.mu.Unlock()

	if hook != nil {
		if err := hook(key, attempt); err != nil {
			return err
		}
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.puts = append(o.puts, putCall{identity: identityID, key: key, body: string(body), contentType: contentType})
	o.mu.Unlock()
	return nil
}

func (o *fakeObjects) keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.puts))
	for _, p := range o.puts {
		keys = append(keys, p.key)
	}
	return keys
}

type fakeMetadata struct {
	mu          sync.Mutex
	createErr   error
	created     []string
	updated     []string
	submissions []string
	next        int
}

func (m *fakeMetadata) CreateFileRecord(_ context.Context, _, storageKey, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.next++
	m.created = append(m.created, storageKey)
	return fmt.Sprintf("rec-%d", m.next), nil
}

func (m *fakeMetadata) UpdateFileRecord(_ context.Context, recordID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, recordID)
	return nil
}

func (m *fakeMetadata) UpdateSubmission(_ context.Context, remoteID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions = append(m.submissions, remoteID)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Submission
}

func (p *recordingPublisher) Publish(_ context.Context, sub domain.Submission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sub)
}

type harness struct {
	root        string
	submissions submissionRepo
	resume      ResumeStore
	refresher   *fakeRefresher
	objects     *fakeObjects
	metadata    *fakeMetadata
	publisher   *recordingPublisher
	registry    *registry.Registry
	metrics     *Metrics
	orch        *orchestrator
}

type submissionRepo interface {
	SubmissionStore
	Create(ctx context.Context, sub domain.Submission) (domain.Submission, error)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	kvs, err := kv.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		root:        t.TempDir(),
		submissions: submissionstore.New(kvs),
		resume:      resumestore.New(kvs),
		refresher:   &fakeRefresher{},
		objects:     &fakeObjects{},
		metadata:    &fakeMetadata{},
		publisher:   &recordingPublisher{},
		registry:    registry.New(true),
		metrics:     MustNewMetrics(prometheus.NewRegistry()),
	}

	h.orch, err = New(h.dependencies())
	require.NoError(t, err)
	t.Cleanup(h.orch.Close)

	return h
}

func (h *harness) dependencies() Dependencies {
	return Dependencies{
		Submissions:    h.submissions,
		Resume:         h.resume,
		Scanner:        scanner.New(nil, scanner.StatusFileName),
		Refresher:      h.refresher,
		Objects:        h.objects,
		Metadata:       h.metadata,
		Publisher:      h.publisher,
		Registry:       h.registry,
		Metrics:        h.metrics,
		ProcessingRoot: h.root,
		RetryBaseDelay: time.Millisecond,
	}
}

func (h *harness) create(t *testing.T, id string, status domain.Status, files map[string]int) {
	t.Helper()

	_, err := h.submissions.Create(context.Background(), domain.Submission{
		ID:       id,
		RemoteID: "media-" + id,
		Title:    "Pilot " + id,
		Status:   status,
	})
	require.NoError(t, err)

	for name, size := range files {
		p := filepath.Join(h.root, id, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644))
	}
}

func (h *harness) submission(t *testing.T, id string) domain.Submission {
	t.Helper()
	sub, err := h.submissions.Submission(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (h *harness) resumeState(t *testing.T, id string) *domain.ResumeState {
	t.Helper()
	st, err := h.resume.Load(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestUploadTwoFilesScenario(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100, "b.json": 50})

	var midState *domain.ResumeState
	var midSub domain.Submission
	h.objects.hook = func(key string, _ int) error {
		if strings.HasSuffix(key, "b.json") {
			midState = h.resumeState(t, "s1")
			midSub = h.submission(t, "s1")
		}
		return nil
	}

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	require.NotNil(t, midState)
	assert.Equal(t, []string{"a.mp4"}, midState.CompletedFiles)
	assert.Equal(t, int64(100), midState.UploadedBytes)
	assert.Equal(t, int64(150), midState.TotalBytes)
	assert.Equal(t, domain.StatusUploading, midSub.Status)
	assert.Equal(t, 67, midSub.UploadProgress)

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusCompleted, sub.Status)
	assert.Equal(t, 100, sub.UploadProgress)
	assert.Empty(t, sub.Error)
	assert.Nil(t, sub.ResumeState)
	assert.Nil(t, h.resumeState(t, "s1"))

	assert.Equal(t, []string{"media-s1/a.mp4", "media-s1/b.json"}, h.objects.keys())
	assert.Equal(t, "video/mp4", h.objects.puts[0].contentType)
	assert.Len(t, h.objects.puts[0].body, 100)
	assert.Equal(t, "ident-1", h.objects.puts[0].identity)

	assert.Equal(t, []string{"media-s1/a.mp4", "media-s1/b.json"}, h.metadata.created)
	assert.Equal(t, []string{"rec-1", "rec-2"}, h.metadata.updated)
	assert.Equal(t, []string{"media-s1"}, h.metadata.submissions)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.filesUploaded))
	assert.Equal(t, 150.0, testutil.ToFloat64(h.metrics.bytesUploaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runs.WithLabelValues(outcomeCompleted)))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.uploadsActive))
}

func TestUploadProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{
		"01.mp4": 10, "02.mp4": 300, "03.json": 1, "thumbs/04.jpg": 40, "thumbs/05.jpg": 0,
	})

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	last := -1
	for _, ev := range h.publisher.events {
		assert.GreaterOrEqual(t, ev.UploadProgress, last, "progress went back at %s", ev.Status)
		last = ev.UploadProgress
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, domain.StatusCompleted, h.publisher.events[len(h.publisher.events)-1].Status)
}

func TestUploadCompletedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100, "b.json": 50})

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))
	before := h.submission(t, "s1")
	puts := len(h.objects.keys())

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	assert.Equal(t, before, h.submission(t, "s1"))
	assert.Len(t, h.objects.keys(), puts)
	assert.Nil(t, h.resumeState(t, "s1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runs.WithLabelValues(outcomeSkipped)))
}

func TestUploadResumesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"1.mp4": 10, "2.mp4": 20, "3.mp4": 30, "4.mp4": 40})

	broken := true
	h.objects.hook = func(key string, _ int) error {
		if broken && strings.HasSuffix(key, "3.mp4") {
			return errors.New("connection reset")
		}
		return nil
	}

	err := h.orch.Upload(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusError, sub.Status)
	assert.Contains(t, sub.Error, "connection reset")

	st := h.resumeState(t, "s1")
	require.NotNil(t, st)
	assert.Equal(t, []string{"1.mp4", "2.mp4"}, st.CompletedFiles)
	assert.Equal(t, int64(30), st.UploadedBytes)

	broken = false
	h.objects.puts = nil

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	assert.Equal(t, []string{"media-s1/3.mp4", "media-s1/4.mp4"}, h.objects.keys())
	sub = h.submission(t, "s1")
	assert.Equal(t, domain.StatusCompleted, sub.Status)
	assert.Empty(t, sub.Error)
	// the record for 3.mp4 is reused, not created twice
	assert.Equal(t, []string{"media-s1/1.mp4", "media-s1/2.mp4", "media-s1/3.mp4", "media-s1/4.mp4"}, h.metadata.created)
}

func TestUploadRetriesExpiredCredentialsThenFails(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100})

	h.objects.hook = func(string, int) error {
		return fmt.Errorf("put: %w", domain.ErrCredentialsExpired)
	}

	err := h.orch.Upload(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrCredentialsExpired)

	assert.Equal(t, 4, h.objects.calls["media-s1/a.mp4"])
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.uploadRetries))
	// initial resolution plus one forced refresh per retry
	assert.Equal(t, 4, h.refresher.forced)

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusError, sub.Status)
	assert.Contains(t, sub.Error, "4 attempts")

	st := h.resumeState(t, "s1")
	require.NotNil(t, st)
	assert.Empty(t, st.CompletedFiles)
	assert.NotEmpty(t, st.LastError)
}

func TestUploadRetryRecovers(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100})

	h.objects.hook = func(_ string, attempt int) error {
		if attempt <= 2 {
			return domain.ErrCredentialsExpired
		}
		return nil
	}

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))
	assert.Equal(t, 3, h.objects.calls["media-s1/a.mp4"])
	assert.Equal(t, "ident-3", h.objects.puts[0].identity)
	assert.Equal(t, domain.StatusCompleted, h.submission(t, "s1").Status)
}

func TestUploadRetryBackoffIsLinear(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100})

	h.objects.hook = func(string, int) error {
		return domain.ErrCredentialsExpired
	}
	var delays []time.Duration
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := h.orch.Upload(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrCredentialsExpired)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, delays)
}

type mintingProvider struct {
	mu        sync.Mutex
	refreshes int
}

func (p *mintingProvider) Current(context.Context) (domain.Identity, error) {
	return domain.Identity{ID: "ident"}, nil
}

func (p *mintingProvider) ForceRefresh(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return nil
}

func (p *mintingProvider) minted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func TestUploadRetryMintsPastRefreshCooldown(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100})

	provider := &mintingProvider{}
	deps := h.dependencies()
	deps.Refresher = credentials.NewRefresher(provider, h.resume, time.Minute, credentials.DefaultCooldown)
	o, err := New(deps)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	// the token minted at run start is rejected; only a newer one is accepted
	h.objects.hook = func(string, int) error {
		if provider.minted() < 2 {
			return domain.ErrCredentialsExpired
		}
		return nil
	}

	require.NoError(t, o.Upload(context.Background(), "s1"))
	assert.Equal(t, 2, provider.minted())
	assert.Equal(t, 2, h.objects.calls["media-s1/a.mp4"])
	assert.Equal(t, domain.StatusCompleted, h.submission(t, "s1").Status)
}

func TestUploadIdentityUnavailableIsFatal(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100})
	h.refresher.err = fmt.Errorf("%w: no pool", domain.ErrIdentityUnavailable)

	err := h.orch.Upload(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrIdentityUnavailable)
	assert.Empty(t, h.objects.keys())

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusError, sub.Status)
	assert.NotNil(t, h.resumeState(t, "s1"))
}

func TestUploadForcesRefreshWhenDue(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 1, "b.mp4": 1})
	h.refresher.due = true

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))
	assert.Equal(t, 3, h.refresher.forced)
}

func TestUploadRecordCreateFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 100, "b.json": 50})
	h.metadata.createErr = errors.New("metadata down")

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	assert.Len(t, h.objects.keys(), 2)
	assert.Empty(t, h.metadata.updated)
	assert.Equal(t, domain.StatusCompleted, h.submission(t, "s1").Status)
}

func TestUploadEmptySnapshotKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"status.json": 10, "notes.bin": 5})

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusProcessed, sub.Status)
	assert.Empty(t, h.objects.keys())
	assert.Nil(t, h.resumeState(t, "s1"))
}

func TestUploadRejectsStatuses(t *testing.T) {
	h := newHarness(t)
	h.create(t, "created", domain.StatusCreated, nil)
	h.create(t, "processing", domain.StatusProcessing, nil)

	require.ErrorIs(t, h.orch.Upload(context.Background(), "created"), domain.ErrNotUploadable)
	require.ErrorIs(t, h.orch.Upload(context.Background(), "processing"), domain.ErrNotUploadable)
	require.ErrorIs(t, h.orch.Upload(context.Background(), "missing"), domain.ErrNotFound)
}

func TestUploadDropsVanishedCompletedFiles(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusError, map[string]int{"a.mp4": 100, "b.mp4": 50})

	total := int64(999)
	uploaded := int64(900)
	_, err := h.resume.Persist(context.Background(), "s1", resumestore.Patch{
		CompletedFiles: []string{"a.mp4", "gone.mp4"},
		FileSizes:      map[string]int64{"a.mp4": 100, "gone.mp4": 800},
		TotalBytes:     &total,
		UploadedBytes:  &uploaded,
	})
	require.NoError(t, err)

	var before *domain.ResumeState
	h.objects.hook = func(string, int) error {
		before = h.resumeState(t, "s1")
		return nil
	}

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	assert.Equal(t, []string{"media-s1/b.mp4"}, h.objects.keys())
	require.NotNil(t, before)
	assert.Equal(t, []string{"a.mp4"}, before.CompletedFiles)
	assert.Equal(t, int64(100), before.UploadedBytes)
	assert.Equal(t, int64(150), before.TotalBytes)
	assert.Equal(t, "Pilot s1", before.Meta.Title)
}

func TestPreemptionPausesActiveUpload(t *testing.T) {
	h := newHarness(t)
	h.create(t, "a", domain.StatusProcessed, map[string]int{"1.mp4": 10, "2.mp4": 10})
	h.create(t, "b", domain.StatusProcessed, map[string]int{"1.mp4": 10})

	var bErr error
	h.objects.hook = func(key string, _ int) error {
		if key == "media-a/1.mp4" {
			// B starts while A is transferring its first file
			bErr = h.orch.Upload(context.Background(), "b")
		}
		return nil
	}

	err := h.orch.Upload(context.Background(), "a")
	require.ErrorIs(t, err, domain.ErrPaused)
	require.NoError(t, bErr)

	a := h.submission(t, "a")
	assert.Equal(t, domain.StatusUploading, a.Status)
	assert.Empty(t, a.Error)
	assert.Equal(t, 50, a.UploadProgress)

	st := h.resumeState(t, "a")
	require.NotNil(t, st)
	assert.Equal(t, []string{"1.mp4"}, st.CompletedFiles)

	assert.Equal(t, domain.StatusCompleted, h.submission(t, "b").Status)
	assert.Equal(t, []string{"media-b/1.mp4", "media-a/1.mp4"}, h.objects.keys())

	_, active := h.registry.Active()
	assert.False(t, active)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runs.WithLabelValues(outcomePaused)))

	// resuming A uploads only what is left
	h.objects.hook = nil
	require.NoError(t, h.orch.Upload(context.Background(), "a"))
	assert.Equal(t, []string{"media-b/1.mp4", "media-a/1.mp4", "media-a/2.mp4"}, h.objects.keys())
}

func TestUploadSameSubmissionTwiceIsRefused(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 1})

	var again error
	h.objects.hook = func(string, int) error {
		again = h.orch.Upload(context.Background(), "s1")
		return nil
	}

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))
	require.ErrorIs(t, again, domain.ErrAlreadyUploading)
}

func TestCancelPausesUpload(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"1.mp4": 10, "2.mp4": 10, "3.mp4": 10})

	h.objects.hook = func(key string, _ int) error {
		if key == "media-s1/2.mp4" {
			assert.True(t, h.orch.Cancel("s1"))
		}
		return nil
	}

	require.ErrorIs(t, h.orch.Upload(context.Background(), "s1"), domain.ErrPaused)
	assert.Equal(t, []string{"media-s1/1.mp4", "media-s1/2.mp4"}, h.objects.keys())

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusUploading, sub.Status)
	assert.Equal(t, 67, sub.UploadProgress)
	assert.False(t, h.orch.Cancel("s1"))
}

func TestContextCancellationPauses(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"1.mp4": 10, "2.mp4": 10})

	ctx, cancel := context.WithCancel(context.Background())
	h.objects.hook = func(string, int) error {
		cancel()
		return context.Canceled
	}

	require.ErrorIs(t, h.orch.Upload(ctx, "s1"), domain.ErrPaused)

	sub := h.submission(t, "s1")
	assert.Equal(t, domain.StatusUploading, sub.Status)
	assert.Empty(t, sub.Error)
}

func TestStartRunsInBackground(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusProcessed, map[string]int{"a.mp4": 1})

	require.NoError(t, h.orch.Start(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		return h.submission(t, "s1").Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUploadFinishesUploadedSubmission(t *testing.T) {
	h := newHarness(t)
	h.create(t, "s1", domain.StatusUploaded, map[string]int{"a.mp4": 1})

	require.NoError(t, h.orch.Upload(context.Background(), "s1"))

	assert.Empty(t, h.objects.keys())
	assert.Equal(t, []string{"media-s1"}, h.metadata.submissions)
	assert.Equal(t, domain.StatusCompleted, h.submission(t, "s1").Status)
}
