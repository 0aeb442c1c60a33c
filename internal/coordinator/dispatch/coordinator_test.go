package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakework/gridpool/internal/coordinator/domain"
	"github.com/stakework/gridpool/internal/coordinator/storage"
	"github.com/stakework/gridpool/internal/coordinator/stream"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]domain.Job)}
}

func (m *memJobStore) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (m *memJobStore) ListJobs(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if filter.WalletID != "" && job.WalletID != filter.WalletID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *memJobStore) ListScheduledForWorker(_ context.Context, workerID string, window time.Duration, now time.Time) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if job.WorkerID != workerID {
			continue
		}
		switch job.Status {
		case domain.JobStatusRequested, domain.JobStatusScheduled, domain.JobStatusProcessing:
		default:
			continue
		}
		if job.StartAt.Before(now.Add(-window)) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *memJobStore) MarkScheduled(_ context.Context, jobID, workerID, outputKey string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.WorkerID = workerID
	job.OutputObjectKey = outputKey
	job.Status = domain.JobStatusScheduled
	job.UpdatedAt = now
	m.jobs[jobID] = job
	return nil
}

func (m *memJobStore) MarkResult(_ context.Context, jobID string, success bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if success {
		job.Status = domain.JobStatusDone
	} else {
		job.Status = domain.JobStatusFailed
	}
	job.UpdatedAt = now
	m.jobs[jobID] = job
	return nil
}

type stubObjects struct {
	mu          sync.Mutex
	presignErr  error
	statErr     error
	presignTTLs map[string]time.Duration
	puts        map[string][]byte
}

func newStubObjects() *stubObjects {
	return &stubObjects{
		presignTTLs: make(map[string]time.Duration),
		puts:        make(map[string][]byte),
	}
}

func (o *stubObjects) PresignDownload(_ context.Context, objectKey string, ttl time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.presignErr != nil {
		return "", o.presignErr
	}
	o.presignTTLs[objectKey] = ttl
	return fmt.Sprintf("https://store.local/%s?ttl=%d", objectKey, int(ttl.Seconds())), nil
}

func (o *stubObjects) PresignUpload(_ context.Context, objectKey string, ttl time.Duration) (string, error) {
	return "https://store.local/upload/" + objectKey, nil
}

func (o *stubObjects) StatObject(_ context.Context, objectKey string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statErr != nil {
		return 0, o.statErr
	}
	return int64(len(objectKey)), nil
}

func (o *stubObjects) Bucket() string {
	return "gridpool-test"
}

func (o *stubObjects) PutObject(_ context.Context, objectKey string, data []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts[objectKey] = data
	return nil
}

type stubEvents struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (e *stubEvents) Publish(_ context.Context, body []byte, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bodies = append(e.bodies, body)
	return nil
}

func (e *stubEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bodies)
}

func testCoordinator(store JobStore, objects ObjectStore, events EventPublisher) (*Coordinator, *stream.Hub) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := stream.NewHub(0, logger)
	c := NewCoordinator(store, objects, events, hub, Config{
		PresignBaseExpiry: 15 * time.Minute,
		ScheduledWindow:   time.Hour,
	}, logger)
	return c, hub
}

func seedJob(t *testing.T, c *Coordinator, startAt, killAt time.Time) *domain.Job {
	t.Helper()
	job, err := c.CreateJob(context.Background(), CreateJobRequest{
		JobType:      "render",
		ObjectKey:    "payloads/render.tar",
		EntryCommand: "./run.sh",
		WalletID:     "0x00000000000000000000000000000000000000aa",
		StartAt:      startAt,
		KillAt:       killAt,
	})
	require.NoError(t, err)
	return job
}

func TestCoordinator_CreateJob_InvalidWindow(t *testing.T) {
	c, _ := testCoordinator(newMemJobStore(), newStubObjects(), nil)

	now := time.Now()
	_, err := c.CreateJob(context.Background(), CreateJobRequest{
		JobType:   "render",
		ObjectKey: "payloads/x",
		StartAt:   now,
		KillAt:    now,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestCoordinator_CreateJob_MissingPayload(t *testing.T) {
	objects := newStubObjects()
	objects.statErr = errors.New("no such key")
	c, _ := testCoordinator(newMemJobStore(), objects, nil)

	now := time.Now()
	_, err := c.CreateJob(context.Background(), CreateJobRequest{
		JobType:   "render",
		ObjectKey: "payloads/missing",
		StartAt:   now,
		KillAt:    now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrPayloadMissing)
}

func TestCoordinator_Dispatch(t *testing.T) {
	store := newMemJobStore()
	objects := newStubObjects()
	c, hub := testCoordinator(store, objects, nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	job := seedJob(t, c, base.Add(time.Minute), base.Add(time.Hour))

	sub := hub.Subscribe("worker-1")
	defer sub.Cancel()

	jd, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, jd.JobID)
	assert.Equal(t, "worker-1", jd.WorkerID)
	assert.Equal(t, "outputs/"+job.ID+"/", jd.OutputPrefix)
	assert.NotEmpty(t, jd.PayloadURL)
	assert.Equal(t, domain.JobStatusScheduled, jd.Status)

	// Persisted row reflects the assignment
	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", stored.WorkerID)
	assert.Equal(t, domain.JobStatusScheduled, stored.Status)

	// The descriptor reached the live subscriber
	select {
	case got := <-sub.C:
		assert.Equal(t, job.ID, got.JobID)
	case <-time.After(time.Second):
		t.Fatal("descriptor not delivered")
	}

	// Presign TTL covers the execution window plus the base grace
	ttl := objects.presignTTLs[job.ObjectKey]
	assert.Equal(t, time.Hour+15*time.Minute, ttl)
}

func TestCoordinator_Dispatch_ShortWindowUsesBaseTTL(t *testing.T) {
	store := newMemJobStore()
	objects := newStubObjects()
	c, _ := testCoordinator(store, objects, nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	// killAt already passed; TTL must not go below the base
	job := seedJob(t, c, base.Add(-2*time.Hour), base.Add(-time.Hour))

	_, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, objects.presignTTLs[job.ObjectKey])
}

func TestCoordinator_Dispatch_PresignFailureIsNotFatal(t *testing.T) {
	store := newMemJobStore()
	objects := newStubObjects()
	objects.presignErr = errors.New("store unreachable")
	c, hub := testCoordinator(store, objects, nil)

	base := time.Now()
	job := seedJob(t, c, base, base.Add(time.Hour))

	sub := hub.Subscribe("worker-1")
	defer sub.Cancel()

	jd, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)
	assert.Empty(t, jd.PayloadURL)

	select {
	case got := <-sub.C:
		assert.Empty(t, got.PayloadURL)
	case <-time.After(time.Second):
		t.Fatal("descriptor not delivered")
	}
}

func TestCoordinator_Dispatch_UnknownJob(t *testing.T) {
	c, _ := testCoordinator(newMemJobStore(), newStubObjects(), nil)

	_, err := c.Dispatch(context.Background(), "missing", "worker-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCoordinator_Dispatch_ReplayedToLateSubscriber(t *testing.T) {
	store := newMemJobStore()
	c, hub := testCoordinator(store, newStubObjects(), nil)

	base := time.Now()
	job := seedJob(t, c, base, base.Add(time.Hour))

	_, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)

	// Worker connects after the dispatch and still receives it
	sub := hub.Subscribe("worker-1")
	defer sub.Cancel()

	select {
	case got := <-sub.C:
		assert.Equal(t, job.ID, got.JobID)
	case <-time.After(time.Second):
		t.Fatal("retained descriptor not replayed")
	}
}

func TestCoordinator_ListScheduled(t *testing.T) {
	store := newMemJobStore()
	objects := newStubObjects()
	c, _ := testCoordinator(store, objects, nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	inWindow := seedJob(t, c, base.Add(-30*time.Minute), base.Add(time.Hour))
	outOfWindow := seedJob(t, c, base.Add(-2*time.Hour), base.Add(time.Hour))
	finished := seedJob(t, c, base.Add(-10*time.Minute), base.Add(time.Hour))

	for _, id := range []string{inWindow.ID, outOfWindow.ID, finished.ID} {
		_, err := c.Dispatch(context.Background(), id, "worker-1")
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkResult(context.Background(), finished.ID, true, base))

	jds, err := c.ListScheduled(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Len(t, jds, 1)
	assert.Equal(t, inWindow.ID, jds[0].JobID)
	assert.NotEmpty(t, jds[0].PayloadURL)
}

func TestCoordinator_Report(t *testing.T) {
	store := newMemJobStore()
	objects := newStubObjects()
	events := &stubEvents{}
	c, _ := testCoordinator(store, objects, events)

	base := time.Now()
	job := seedJob(t, c, base, base.Add(time.Hour))
	_, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)

	err = c.Report(context.Background(), domain.JobResult{
		JobID:            job.ID,
		WorkerID:         "worker-1",
		Solution:         "42",
		Success:          true,
		MetricsJSON:      `{"cpu":0.5}`,
		ExecutionSeconds: 12,
		EndAt:            base.Add(12 * time.Second).Unix(),
	})
	require.NoError(t, err)

	stored, rj, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, stored.Status)
	require.NotNil(t, rj)
	assert.Equal(t, "42", rj.Solution)
	assert.Equal(t, `{"cpu":0.5}`, rj.MetricsJSON)
	assert.Equal(t, domain.JobStatusDone, rj.Descriptor.Status)

	// Solution persisted under the job's output prefix
	assert.Equal(t, []byte("42"), objects.puts["outputs/"+job.ID+"/result.txt"])

	// Settlement event emitted asynchronously
	assert.Eventually(t, func() bool { return events.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCoordinator_Report_FailureStatus(t *testing.T) {
	store := newMemJobStore()
	c, _ := testCoordinator(store, newStubObjects(), nil)

	base := time.Now()
	job := seedJob(t, c, base, base.Add(time.Hour))
	_, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)

	err = c.Report(context.Background(), domain.JobResult{
		JobID:      job.ID,
		WorkerID:   "worker-1",
		Success:    false,
		Terminated: true,
	})
	require.NoError(t, err)

	stored, _, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestCoordinator_Report_DuplicateOverwrites(t *testing.T) {
	store := newMemJobStore()
	c, _ := testCoordinator(store, newStubObjects(), nil)

	base := time.Now()
	job := seedJob(t, c, base, base.Add(time.Hour))
	_, err := c.Dispatch(context.Background(), job.ID, "worker-1")
	require.NoError(t, err)

	require.NoError(t, c.Report(context.Background(), domain.JobResult{JobID: job.ID, Success: false}))
	require.NoError(t, c.Report(context.Background(), domain.JobResult{JobID: job.ID, Success: true}))

	stored, _, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, stored.Status)
}

func TestCoordinator_Report_UnknownJob(t *testing.T) {
	c, _ := testCoordinator(newMemJobStore(), newStubObjects(), nil)

	err := c.Report(context.Background(), domain.JobResult{JobID: "missing"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCoordinator_PresignOutput(t *testing.T) {
	store := newMemJobStore()
	c, _ := testCoordinator(store, newStubObjects(), nil)

	base := time.Now()
	job := seedJob(t, c, base, base.Add(time.Hour))

	presign, err := c.PresignOutput(context.Background(), job.ID, "model.bin")
	require.NoError(t, err)
	assert.Equal(t, "gridpool-test", presign.Bucket)
	assert.Equal(t, "outputs/"+job.ID+"/model.bin", presign.ObjectKey)
	assert.Equal(t, "https://store.local/upload/outputs/"+job.ID+"/model.bin", presign.PutURL)
	assert.NotEmpty(t, presign.GetURL)

	_, err = c.PresignOutput(context.Background(), "missing", "model.bin")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
