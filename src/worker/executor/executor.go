package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/bootstrap"
)

// RemoteExecuteFuncName is the function name registered with the
// queue-backed executor (spec.md §6).
const RemoteExecuteFuncName = "remote_execute"

// Options configures both the dispatching Worker side and the
// RemoteWorker pool side of the protocol; both must agree on Addr,
// KeyPrefix and the timing knobs.
type Options struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// KeyPrefix namespaces the dispatch queue and liveness keys.
	KeyPrefix string `mapstructure:"key_prefix"`

	// HealthcheckInterval is the cadence at which both sides refresh
	// their liveness key (default 10s).
	HealthcheckInterval time.Duration `mapstructure:"healthcheck_interval"`

	// Timeout is the hard ceiling per execution (default 1200s).
	Timeout time.Duration `mapstructure:"timeout"`
	// TimeoutDelay is the grace window before forced reclamation
	// after a soft timeout (default 60s).
	TimeoutDelay time.Duration `mapstructure:"timeout_delay"`

	// WorkerType selects the Pool implementation: "thread" (default)
	// or "process".
	WorkerType string `mapstructure:"worker_type"`
	// WorkerConcurrency bounds the pool's simultaneous slots (default 4).
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
}

func (o *Options) setDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "corepipe"
	}
	if o.HealthcheckInterval <= 0 {
		o.HealthcheckInterval = 10 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 1200 * time.Second
	}
	if o.TimeoutDelay <= 0 {
		o.TimeoutDelay = 60 * time.Second
	}
	if o.WorkerType == "" {
		o.WorkerType = "thread"
	}
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 4
	}
}

func (o *Options) queueKey() string {
	return o.KeyPrefix + ":queue:" + RemoteExecuteFuncName
}

func (o *Options) resultKey(jobID string) string {
	return o.KeyPrefix + ":" + jobID + ":result"
}

// workerKey and executorKey follow the exact naming named in spec.md
// §6: "{prefix}:{job_id}:whealthcheck" and ":ehealthcheck".
func (o *Options) workerKey(jobID string) string {
	return fmt.Sprintf("%s:%s:whealthcheck", o.KeyPrefix, jobID)
}

func (o *Options) executorKey(jobID string) string {
	return fmt.Sprintf("%s:%s:ehealthcheck", o.KeyPrefix, jobID)
}

// ErrJobLost is returned by Dispatcher.Submit when the executor's
// liveness key goes missing or its TTL elapses from the Worker's
// point of view (spec.md §4.5): the job should be re-dispatched
// according to the caller's retry policy.
var ErrJobLost = errors.New("executor: job lost, executor liveness expired")

type jobEnvelope struct {
	JobID   string               `json:"job_id"`
	Message *core.PipelineMessage `json:"message"`
}

type resultEnvelope struct {
	OK      bool                `json:"ok"`
	Results core.PipelineResults `json:"results"`
	Err     string              `json:"err,omitempty"`
	ExcType string              `json:"exc_type,omitempty"`
	Frames  []bootstrap.Frame   `json:"frames,omitempty"`
}

// Dispatcher is the Worker-side half of the protocol: it assigns each
// job a unique job_id, submits it to the queue-backed executor, and
// races the executor's result against liveness loss.
type Dispatcher struct {
	opts   Options
	client *redis.Client
}

// NewDispatcher returns a Dispatcher against a fresh Redis client.
func NewDispatcher(opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{opts: opts, client: redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

// NewDispatcherWithClient lets tests inject a client (e.g. backed by
// miniredis).
func NewDispatcherWithClient(opts Options, client *redis.Client) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{opts: opts, client: client}
}

// Submit dispatches message to the queue-backed executor and blocks
// until a result arrives, the hard timeout plus its grace window
// elapses, or the executor's liveness is lost.
func (d *Dispatcher) Submit(ctx context.Context, message *core.PipelineMessage) (core.PipelineResults, error) {
	jobID := uuid.New().String()

	envelope := jobEnvelope{JobID: jobID, Message: message}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return core.PipelineResults{}, fmt.Errorf("executor: encode job: %w", err)
	}
	if err := d.client.LPush(ctx, d.opts.queueKey(), payload).Err(); err != nil {
		return core.PipelineResults{}, fmt.Errorf("executor: enqueue job: %w", err)
	}

	deadline := d.opts.Timeout + d.opts.TimeoutDelay
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	go d.refreshWorkerLiveness(jobCtx, jobID)

	lost := make(chan struct{})
	go d.watchExecutorLiveness(jobCtx, jobID, lost)

	resultCh := make(chan resultEnvelope, 1)
	errCh := make(chan error, 1)
	go d.awaitResult(jobCtx, jobID, resultCh, errCh)

	select {
	case result := <-resultCh:
		if !result.OK {
			return core.PipelineResults{}, &bootstrap.RemoteException{ExcType: result.ExcType, ExcStr: result.Err, Frames: result.Frames}
		}
		return result.Results, nil
	case err := <-errCh:
		return core.PipelineResults{}, err
	case <-lost:
		return core.PipelineResults{}, ErrJobLost
	case <-jobCtx.Done():
		return core.PipelineResults{}, fmt.Errorf("executor: job %s timed out: %w", jobID, jobCtx.Err())
	}
}

func (d *Dispatcher) refreshWorkerLiveness(ctx context.Context, jobID string) {
	ticker := time.NewTicker(d.opts.HealthcheckInterval)
	defer ticker.Stop()

	ttl := 2 * d.opts.HealthcheckInterval
	key := d.opts.workerKey(jobID)
	d.client.Set(ctx, key, "1", ttl)

	for {
		select {
		case <-ticker.C:
			d.client.Set(ctx, key, "1", ttl)
		case <-ctx.Done():
			return
		}
	}
}

// watchExecutorLiveness polls the executor's liveness key once the
// job has had time to be picked up; if the key was ever observed and
// then disappears (or expires), the job is reported lost.
func (d *Dispatcher) watchExecutorLiveness(ctx context.Context, jobID string, lost chan<- struct{}) {
	ticker := time.NewTicker(d.opts.HealthcheckInterval)
	defer ticker.Stop()

	key := d.opts.executorKey(jobID)
	seen := false

	for {
		select {
		case <-ticker.C:
			exists, err := d.client.Exists(ctx, key).Result()
			if err != nil {
				continue
			}
			if exists > 0 {
				seen = true
				continue
			}
			if seen {
				select {
				case lost <- struct{}{}:
				default:
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) awaitResult(ctx context.Context, jobID string, out chan<- resultEnvelope, errOut chan<- error) {
	key := d.opts.resultKey(jobID)
	res, err := d.client.BLPop(ctx, 0, key).Result()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		errOut <- fmt.Errorf("executor: await result: %w", err)
		return
	}
	if len(res) != 2 {
		errOut <- fmt.Errorf("executor: malformed result for job %s", jobID)
		return
	}
	var envelope resultEnvelope
	if err := json.Unmarshal([]byte(res[1]), &envelope); err != nil {
		errOut <- fmt.Errorf("executor: decode result: %w", err)
		return
	}
	out <- envelope
}

// RemoteWorker is the executor-side half: it pops jobs off the queue
// and runs them through PipelineBootstrap on a Pool slot, racing each
// job's execution against a liveness loop that cancels it if the
// dispatching Worker goes quiet.
type RemoteWorker struct {
	opts      Options
	client    *redis.Client
	bootstrap *bootstrap.PipelineBootstrap
	pool      Pool
}

// NewRemoteWorker builds a RemoteWorker. pool is typically a
// ThreadPool sized to opts.WorkerConcurrency; callers needing
// process-isolated execution supply a ProcessPool instead.
func NewRemoteWorker(opts Options, client *redis.Client, pb *bootstrap.PipelineBootstrap, pool Pool) *RemoteWorker {
	opts.setDefaults()
	return &RemoteWorker{opts: opts, client: client, bootstrap: pb, pool: pool}
}

// Run pops jobs from the queue until ctx is cancelled, dispatching
// each to ProcessJob in its own goroutine.
func (w *RemoteWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := w.client.BRPop(ctx, w.opts.HealthcheckInterval, w.opts.queueKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || err == context.DeadlineExceeded {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Ctx(ctx).Warn().Err(err).Msg("executor: dequeue failed, retrying")
			continue
		}
		if len(res) != 2 {
			continue
		}

		var envelope jobEnvelope
		if err := json.Unmarshal([]byte(res[1]), &envelope); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("executor: dropping undecodable job")
			continue
		}

		go w.ProcessJob(ctx, envelope)
	}
}

// ProcessJob runs one job end to end: liveness loop, pool dispatch,
// hard-timeout enforcement, and result publication.
func (w *RemoteWorker) ProcessJob(ctx context.Context, envelope jobEnvelope) {
	jobID := envelope.JobID
	token := NewCancellationToken()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	livenessDone := make(chan struct{})
	lost := make(chan struct{})
	go w.runLiveness(jobCtx, jobID, token, livenessDone, lost)

	if envelope.Message != nil {
		envelope.Message.SetMetaArg(core.MetaTypeCancellationToken, token)
	}
	future := w.pool.Submit(jobCtx, Task{Message: envelope.Message, Token: token})

	hardTimeout := time.NewTimer(w.opts.Timeout)
	defer hardTimeout.Stop()

	resultCh := make(chan futureResult, 1)
	go func() {
		results, err := future.Wait(jobCtx)
		resultCh <- futureResult{results: results, err: err}
	}()

	var out resultEnvelope
	select {
	case r := <-resultCh:
		if r.err != nil {
			out = errorEnvelope(r.err)
		} else {
			out = resultEnvelope{OK: true, Results: r.results}
		}
	case <-hardTimeout.C:
		token.Cancel()
		cancel()
		select {
		case r := <-resultCh:
			if r.err != nil {
				out = errorEnvelope(r.err)
			} else {
				out = resultEnvelope{OK: true, Results: r.results}
			}
		case <-time.After(w.opts.TimeoutDelay):
			out = errorEnvelope(fmt.Errorf("executor: job %s exceeded timeout and grace window", jobID))
		}
	case <-lost:
		// The dispatching Worker went quiet; the token is already
		// cancelled so the pipeline can abort cooperatively.
		cancel()
		out = errorEnvelope(core.ErrJobCancelled)
	}

	cancel()
	<-livenessDone

	w.publishResult(context.Background(), jobID, out)
}

func errorEnvelope(err error) resultEnvelope {
	var remoteErr *bootstrap.RemoteException
	if errors.As(err, &remoteErr) {
		return resultEnvelope{OK: false, Err: remoteErr.ExcStr, ExcType: remoteErr.ExcType, Frames: remoteErr.Frames}
	}
	wrapped := bootstrap.WrapRemoteException(err)
	re := wrapped.(*bootstrap.RemoteException)
	return resultEnvelope{OK: false, Err: re.ExcStr, ExcType: re.ExcType, Frames: re.Frames}
}

// runLiveness writes the executor's liveness key on every tick and
// reads the worker's key; if the worker key goes missing the job is
// cancelled and this job is reported "Job Cancelled" (spec.md §4.5
// scenario 5). Closes done on exit.
func (w *RemoteWorker) runLiveness(ctx context.Context, jobID string, token *CancellationToken, done, lost chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.HealthcheckInterval)
	defer ticker.Stop()

	ttl := 2 * w.opts.HealthcheckInterval
	execKey := w.opts.executorKey(jobID)
	workerKey := w.opts.workerKey(jobID)

	cleanup := func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		w.client.Del(cctx, execKey)
	}
	defer cleanup()

	w.client.Set(ctx, execKey, "1", ttl)

	for {
		select {
		case <-ticker.C:
			w.client.Set(ctx, execKey, "1", ttl)
			exists, err := w.client.Exists(ctx, workerKey).Result()
			if err == nil && exists == 0 {
				token.Cancel()
				select {
				case lost <- struct{}{}:
				default:
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *RemoteWorker) publishResult(ctx context.Context, jobID string, result resultEnvelope) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("executor: failed to encode result")
		return
	}
	key := w.opts.resultKey(jobID)
	if err := w.client.RPush(ctx, key, payload).Err(); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("executor: failed to publish result")
		return
	}
	w.client.Expire(ctx, key, time.Minute)
}
