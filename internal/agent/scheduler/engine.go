package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/stakework/gridpool/internal/agent/executor"
	"github.com/stakework/gridpool/internal/coordinator/api/dto"
	"github.com/stakework/gridpool/internal/coordinator/domain"
)

// API is the slice of the coordinator client the engine needs.
type API interface {
	StreamJobs(ctx context.Context, workerID string, handle func(domain.JobDescriptor)) error
	ListScheduled(ctx context.Context, workerID string) ([]domain.JobDescriptor, error)
	ReportResult(ctx context.Context, req dto.ReportResultRequest) error
	FetchPayload(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Runner executes a prepared job command.
type Runner interface {
	Run(ctx context.Context, spec executor.Spec) executor.Result
}

// Config holds scheduling engine settings.
type Config struct {
	WorkerID          string
	WorkRoot          string
	Concurrency       int
	PrefetchLead      time.Duration
	PollInterval      time.Duration
	StreamBackoffSeed time.Duration
	MaxBackoff        time.Duration
	ReportRetries     int
}

// Engine turns dispatched descriptors into timed executions. Each job
// gets a start timer and a payload prefetch timer; rescheduling the same
// job cancels and replaces both. Every execution ends in a result report,
// success or not. A job whose deadline already passed is dropped without
// a report.
type Engine struct {
	api        API
	runner     Runner
	registered func() bool
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	sem chan struct{}
	wg  sync.WaitGroup

	now func() time.Time

	// sleep is replaced in tests to observe stream backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

type entry struct {
	jd            domain.JobDescriptor
	startTimer    *time.Timer
	prefetchTimer *time.Timer
	running       bool
	payloadPath   string
}

// NewEngine creates a scheduling engine. registered gates the stream and
// poll loops; pass the registration manager's Registered method.
func NewEngine(api API, runner Runner, registered func() bool, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReportRetries <= 0 {
		cfg.ReportRetries = 3
	}
	return &Engine{
		api:        api,
		runner:     runner,
		registered: registered,
		cfg:        cfg,
		logger:     logger,
		entries:    make(map[string]*entry),
		sem:        make(chan struct{}, cfg.Concurrency),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the push stream and the reconciliation poll until ctx is
// cancelled, then waits for in-flight executions.
func (e *Engine) Run(ctx context.Context) {
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		e.streamLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		e.pollLoop(ctx)
	}()
	loops.Wait()
	e.wg.Wait()
}

func (e *Engine) streamLoop(ctx context.Context) {
	backoff := e.cfg.StreamBackoffSeed

	for ctx.Err() == nil {
		if !e.registered() {
			if e.sleep(ctx, e.cfg.StreamBackoffSeed) != nil {
				return
			}
			continue
		}

		err := e.api.StreamJobs(ctx, e.cfg.WorkerID, func(jd domain.JobDescriptor) {
			// A delivered push proves the stream is healthy
			backoff = e.cfg.StreamBackoffSeed
			e.Schedule(ctx, jd)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn("job stream failed",
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Info("job stream closed by coordinator")
		}

		// Whatever was pushed while disconnected is recovered by pull
		e.Pull(ctx)

		if e.sleep(ctx, backoff) != nil {
			return
		}
		backoff *= 2
		if backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.registered() {
				e.Pull(ctx)
			}
		}
	}
}

// Pull fetches the scheduled list once and feeds it through Schedule.
func (e *Engine) Pull(ctx context.Context) {
	jds, err := e.api.ListScheduled(ctx, e.cfg.WorkerID)
	if err != nil {
		e.logger.Warn("pull scheduled jobs failed", slog.String("error", err.Error()))
		return
	}
	for _, jd := range jds {
		e.Schedule(ctx, jd)
	}
}

// Schedule arms timers for a descriptor. Scheduling a job that is already
// armed cancels and replaces its timers; a job already executing is left
// alone. A descriptor whose kill time has passed is dropped silently.
func (e *Engine) Schedule(ctx context.Context, jd domain.JobDescriptor) {
	now := e.now()
	killAt := time.Unix(jd.KillAt, 0)
	startAt := time.Unix(jd.StartAt, 0)

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.entries[jd.JobID]; ok {
		if prev.running {
			return
		}
		if !killAt.After(now) {
			prev.cancelTimers()
			delete(e.entries, jd.JobID)
			e.logger.Info("dropping job past its deadline", slog.String("job_id", jd.JobID))
			return
		}
		prev.cancelTimers()
	} else if !killAt.After(now) {
		e.logger.Info("dropping job past its deadline", slog.String("job_id", jd.JobID))
		return
	}

	en := &entry{jd: jd}
	e.entries[jd.JobID] = en

	delay := startAt.Sub(now)
	if delay <= 0 {
		en.running = true
		e.spawn(ctx, en)
		return
	}

	en.startTimer = time.AfterFunc(delay, func() {
		e.fire(ctx, jd.JobID)
	})

	if jd.PayloadURL != "" {
		lead := delay - e.cfg.PrefetchLead
		if lead < 0 {
			lead = 0
		}
		en.prefetchTimer = time.AfterFunc(lead, func() {
			e.prefetch(ctx, jd.JobID)
		})
	}

	e.logger.Info("job scheduled",
		slog.String("job_id", jd.JobID),
		slog.Duration("starts_in", delay),
	)
}

func (en *entry) cancelTimers() {
	if en.startTimer != nil {
		en.startTimer.Stop()
	}
	if en.prefetchTimer != nil {
		en.prefetchTimer.Stop()
	}
}

// fire is the start timer callback.
func (e *Engine) fire(ctx context.Context, jobID string) {
	e.mu.Lock()
	en, ok := e.entries[jobID]
	if !ok || en.running {
		e.mu.Unlock()
		return
	}
	if !time.Unix(en.jd.KillAt, 0).After(e.now()) {
		delete(e.entries, jobID)
		e.mu.Unlock()
		e.logger.Info("dropping job past its deadline", slog.String("job_id", jobID))
		return
	}
	en.running = true
	e.mu.Unlock()

	e.spawn(ctx, en)
}

func (e *Engine) spawn(ctx context.Context, en *entry) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, en)
	}()
}

func (e *Engine) workDir(jobID string) string {
	return filepath.Join(e.cfg.WorkRoot, jobID)
}

// prefetch downloads the payload ahead of the start time so execution
// does not wait on the network. Failures are left for the execute path
// to retry.
func (e *Engine) prefetch(ctx context.Context, jobID string) {
	e.mu.Lock()
	en, ok := e.entries[jobID]
	if !ok || en.running || en.payloadPath != "" {
		e.mu.Unlock()
		return
	}
	jd := en.jd
	e.mu.Unlock()

	path, err := e.fetchPayload(ctx, jd)
	if err != nil {
		e.logger.Warn("payload prefetch failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	e.mu.Lock()
	if en, ok := e.entries[jobID]; ok {
		en.payloadPath = path
	}
	e.mu.Unlock()

	e.logger.Debug("payload prefetched",
		slog.String("job_id", jobID),
		slog.String("path", path),
	)
}

func (e *Engine) fetchPayload(ctx context.Context, jd domain.JobDescriptor) (string, error) {
	dir := e.workDir(jd.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "payload")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := e.api.FetchPayload(ctx, jd.PayloadURL, f); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (e *Engine) execute(ctx context.Context, en *entry) {
	jd := en.jd
	dir := e.workDir(jd.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Error("create work dir failed",
			slog.String("job_id", jd.JobID),
			slog.String("error", err.Error()),
		)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.sem }()

	e.mu.Lock()
	payloadPath := en.payloadPath
	e.mu.Unlock()

	// Prefetch may have missed or failed; fetch inline as a last resort
	if payloadPath == "" && jd.PayloadURL != "" {
		path, err := e.fetchPayload(ctx, jd)
		if err != nil {
			e.logger.Warn("payload fetch at start failed",
				slog.String("job_id", jd.JobID),
				slog.String("error", err.Error()),
			)
		} else {
			payloadPath = path
		}
	}

	started := e.now()
	res := e.runner.Run(ctx, executor.Spec{
		JobID:        jd.JobID,
		Command:      jd.EntryCommand,
		WorkDir:      dir,
		PayloadPath:  payloadPath,
		OutputPrefix: jd.OutputPrefix,
	})
	ended := e.now()

	e.mu.Lock()
	delete(e.entries, jd.JobID)
	e.mu.Unlock()

	// Terminated means the kill time had passed by the time the command
	// finished, whether or not anything killed it
	terminated := res.Terminated || ended.Unix() >= jd.KillAt

	e.report(ctx, dto.ReportResultRequest{
		JobID:            jd.JobID,
		WorkerID:         e.cfg.WorkerID,
		Solution:         res.Stdout,
		Success:          res.Success(),
		MetricsJSON:      e.collectMetrics(res),
		ExecutionSeconds: int64(res.Duration.Seconds()),
		Terminated:       terminated,
		EndAt:            ended.Unix(),
		ExecutedAt:       started.Unix(),
	})
}

// report delivers the result at least once, retrying transient failures.
func (e *Engine) report(ctx context.Context, req dto.ReportResultRequest) {
	var err error
	for attempt := 0; attempt < e.cfg.ReportRetries; attempt++ {
		if err = e.api.ReportResult(ctx, req); err == nil {
			return
		}
		e.logger.Warn("report result failed",
			slog.String("job_id", req.JobID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if e.sleep(ctx, time.Duration(attempt+1)*time.Second) != nil {
			return
		}
	}
	e.logger.Error("result report abandoned",
		slog.String("job_id", req.JobID),
		slog.String("error", err.Error()),
	)
}

// Pending reports the number of armed, not yet running jobs.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, en := range e.entries {
		if !en.running {
			n++
		}
	}
	return n
}

// Running reports the number of jobs currently executing. Heartbeats
// carry this count.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, en := range e.entries {
		if en.running {
			n++
		}
	}
	return n
}

const stderrMetricsLimit = 4096

type workerMetrics struct {
	Ms          int64   `json:"ms"`
	Stderr      string  `json:"stderr,omitempty"`
	Error       string  `json:"error,omitempty"`
	Hostname    string  `json:"hostname,omitempty"`
	Platform    string  `json:"platform,omitempty"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemTotalMB  uint64  `json:"mem_total_mb"`
	MemUsedPct  float64 `json:"mem_used_pct"`
	CollectedAt int64   `json:"collected_at"`
}

// collectMetrics packs the execution outcome and a host utilization
// snapshot for the result report. Host probes are best-effort; a probe
// failure just leaves its field zero.
func (e *Engine) collectMetrics(res executor.Result) string {
	m := workerMetrics{
		Ms:          res.Duration.Milliseconds(),
		Stderr:      res.Stderr,
		CollectedAt: e.now().Unix(),
	}
	if len(m.Stderr) > stderrMetricsLimit {
		m.Stderr = m.Stderr[:stderrMetricsLimit]
	}
	if res.Err != nil {
		m.Error = res.Err.Error()
	}

	if info, err := host.Info(); err == nil {
		m.Hostname = info.Hostname
		m.Platform = info.Platform
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemTotalMB = vm.Total / (1024 * 1024)
		m.MemUsedPct = vm.UsedPercent
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}
