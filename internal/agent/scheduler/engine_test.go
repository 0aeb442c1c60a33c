package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakework/gridpool/internal/agent/executor"
	"github.com/stakework/gridpool/internal/coordinator/api/dto"
	"github.com/stakework/gridpool/internal/coordinator/domain"
)

type stubAPI struct {
	mu          sync.Mutex
	reports     []dto.ReportResultRequest
	reportFails int
	scheduled   []domain.JobDescriptor
	pulls       int
	streamErr   error
	payload     []byte
	fetches     int
}

func (a *stubAPI) StreamJobs(ctx context.Context, workerID string, handle func(domain.JobDescriptor)) error {
	a.mu.Lock()
	err := a.streamErr
	a.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *stubAPI) ListScheduled(_ context.Context, workerID string) ([]domain.JobDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pulls++
	return a.scheduled, nil
}

func (a *stubAPI) ReportResult(_ context.Context, req dto.ReportResultRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reportFails > 0 {
		a.reportFails--
		return errors.New("coordinator unreachable")
	}
	a.reports = append(a.reports, req)
	return nil
}

func (a *stubAPI) FetchPayload(_ context.Context, url string, w io.Writer) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	n, err := w.Write(a.payload)
	return int64(n), err
}

func (a *stubAPI) reportCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reports)
}

func (a *stubAPI) lastReport() dto.ReportResultRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reports[len(a.reports)-1]
}

func (a *stubAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func (a *stubAPI) pullCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pulls
}

type stubRunner struct {
	mu     sync.Mutex
	result executor.Result
	specs  []executor.Spec
	block  chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, spec executor.Spec) executor.Result {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return r.result
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func (r *stubRunner) lastSpec() executor.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[len(r.specs)-1]
}

func newTestEngine(t *testing.T, api *stubAPI, runner *stubRunner) (*Engine, *[]time.Duration) {
	t.Helper()
	e := NewEngine(api, runner, func() bool { return true }, Config{
		WorkerID:          "worker-1",
		WorkRoot:          t.TempDir(),
		Concurrency:       2,
		PrefetchLead:      30 * time.Second,
		PollInterval:      time.Hour,
		StreamBackoffSeed: time.Second,
		MaxBackoff:        8 * time.Second,
		ReportRetries:     3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	delays := &[]time.Duration{}
	var mu sync.Mutex
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e, delays
}

func jd(jobID string, startIn, killIn time.Duration) domain.JobDescriptor {
	now := time.Now()
	return domain.JobDescriptor{
		JobID:        jobID,
		JobType:      "render",
		EntryCommand: "./run.sh",
		OutputPrefix: "outputs/" + jobID + "/",
		Status:       domain.JobStatusScheduled,
		StartAt:      now.Add(startIn).Unix(),
		KillAt:       now.Add(killIn).Unix(),
	}
}

func TestEngine_ImmediateExecution(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{Stdout: "42", ExitCode: 0, Duration: 3 * time.Second}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	report := api.lastReport()
	assert.Equal(t, "job-1", report.JobID)
	assert.Equal(t, "worker-1", report.WorkerID)
	assert.Equal(t, "42", report.Solution)
	assert.True(t, report.Success)
	assert.Equal(t, int64(3), report.ExecutionSeconds)
	assert.NotEmpty(t, report.MetricsJSON)
	assert.Equal(t, 0, e.Pending())
}

func TestEngine_TimedExecution(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", 60*time.Millisecond, time.Hour))
	assert.Equal(t, 1, e.Pending())
	assert.Equal(t, 0, runner.runCount())

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.runCount())
}

func TestEngine_DeadlinePassedDroppedWithoutReport(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -2*time.Hour, -time.Hour))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, runner.runCount())
	assert.Equal(t, 0, api.reportCount())
	assert.Equal(t, 0, e.Pending())
}

func TestEngine_RescheduleCancelsAndReplaces(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}}
	e, _ := newTestEngine(t, api, runner)

	// First schedule far in the future, then replace with an immediate one
	e.Schedule(context.Background(), jd("job-1", time.Hour, 2*time.Hour))
	require.Equal(t, 1, e.Pending())

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// The replaced timer never fires a second execution
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.runCount())
}

func TestEngine_RescheduleWhileRunningIsIgnored(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}, block: make(chan struct{})}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))
	require.Eventually(t, func() bool { return runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// Re-dispatch of an executing job must not start a second run
	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))
	close(runner.block)

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.runCount())
}

func TestEngine_FailureIsStillReported(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{
		Stderr:   "boom",
		ExitCode: 3,
		Err:      errors.New("command exited with code 3"),
	}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, api.lastReport().Success)
}

func TestEngine_OverrunPastKillTimeReportedTerminated(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{Stdout: "late", ExitCode: 0}, block: make(chan struct{})}
	e, _ := newTestEngine(t, api, runner)

	// Kill time lands while the command is still running; the command
	// finishes cleanly anyway
	e.Schedule(context.Background(), jd("job-1", -time.Second, 40*time.Millisecond))
	require.Eventually(t, func() bool { return runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(1100 * time.Millisecond)
	close(runner.block)

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	report := api.lastReport()
	assert.True(t, report.Success)
	assert.True(t, report.Terminated)
	assert.Equal(t, "late", report.Solution)
}

func TestEngine_FinishBeforeKillTimeNotTerminated(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, api.lastReport().Success)
	assert.False(t, api.lastReport().Terminated)
}

func TestEngine_MetricsCarryExecutionOutcome(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{
		Stderr:   "boom",
		ExitCode: 3,
		Err:      errors.New("command exited with code 3"),
		Duration: 1500 * time.Millisecond,
	}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	var metrics map[string]any
	require.NoError(t, json.Unmarshal([]byte(api.lastReport().MetricsJSON), &metrics))
	assert.Equal(t, float64(1500), metrics["ms"])
	assert.Equal(t, "boom", metrics["stderr"])
	assert.Equal(t, "command exited with code 3", metrics["error"])
}

func TestEngine_MetricsTruncateStderr(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{
		Stderr:   strings.Repeat("x", stderrMetricsLimit+500),
		ExitCode: 1,
		Err:      errors.New("command exited with code 1"),
	}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	var metrics map[string]any
	require.NoError(t, json.Unmarshal([]byte(api.lastReport().MetricsJSON), &metrics))
	assert.Len(t, metrics["stderr"], stderrMetricsLimit)
}

func TestEngine_ReportRetriesUntilDelivered(t *testing.T) {
	api := &stubAPI{reportFails: 2}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}}
	e, _ := newTestEngine(t, api, runner)

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_PayloadFetchedBeforeRun(t *testing.T) {
	api := &stubAPI{payload: []byte("payload-bytes")}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}}
	e, _ := newTestEngine(t, api, runner)

	desc := jd("job-1", 50*time.Millisecond, time.Hour)
	desc.PayloadURL = "https://store.local/payloads/render.tar"
	e.Schedule(context.Background(), desc)

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	spec := runner.lastSpec()
	assert.NotEmpty(t, spec.PayloadPath)
	assert.Equal(t, 1, api.fetchCount())

	raw, err := os.ReadFile(spec.PayloadPath)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(raw))
}

func TestEngine_RunningCountsInFlight(t *testing.T) {
	api := &stubAPI{}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}, block: make(chan struct{})}
	e, _ := newTestEngine(t, api, runner)

	assert.Equal(t, 0, e.Running())

	e.Schedule(context.Background(), jd("job-1", -time.Second, time.Hour))
	require.Eventually(t, func() bool { return e.Running() == 1 }, 3*time.Second, 10*time.Millisecond)

	// A job that is armed but not yet started does not count
	e.Schedule(context.Background(), jd("job-2", time.Hour, 2*time.Hour))
	assert.Equal(t, 1, e.Running())

	close(runner.block)
	require.Eventually(t, func() bool { return e.Running() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_Pull(t *testing.T) {
	api := &stubAPI{scheduled: []domain.JobDescriptor{jd("job-1", -time.Second, time.Hour)}}
	runner := &stubRunner{result: executor.Result{ExitCode: 0}}
	e, _ := newTestEngine(t, api, runner)

	e.Pull(context.Background())

	require.Eventually(t, func() bool { return api.reportCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "job-1", api.lastReport().JobID)
}

func TestEngine_StreamFailureBacksOffAndPulls(t *testing.T) {
	api := &stubAPI{streamErr: errors.New("connection refused")}
	runner := &stubRunner{}
	e, delays := newTestEngine(t, api, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.streamLoop(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(*delays) >= 4 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	got := (*delays)[:4]
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}, got)

	// Each stream failure triggers a reconciliation pull
	assert.GreaterOrEqual(t, api.pullCount(), 4)
}
