package executor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/bootstrap"
	"github.com/corepipe/corepipe/src/worker/hooks"
)

func setupExecutor(t *testing.T, opts Options) (*redis.Client, Options) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if opts.HealthcheckInterval == 0 {
		opts.HealthcheckInterval = 30 * time.Millisecond
	}
	opts.setDefaults()
	return client, opts
}

func echoRegistry() bootstrap.MapRegistry {
	return bootstrap.MapRegistry{
		"echo": func(ctx context.Context, message *core.PipelineMessage) (interface{}, error) {
			return core.TopicMessage{ID: "out-" + string(message.Message.ID)}, nil
		},
	}
}

func TestDispatcherRemoteWorkerRoundTrip(t *testing.T) {
	client, opts := setupExecutor(t, Options{})

	pb := bootstrap.New(echoRegistry(), hooks.EventHook[*bootstrap.PipelineBootstrap]{})
	pool := NewThreadPool(2, func(ctx context.Context, task Task) (core.PipelineResults, error) {
		return pb.BootstrapPipeline(ctx, task.Message)
	}, nil)

	worker := NewRemoteWorker(opts, client, pb, pool)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go worker.Run(workerCtx)

	dispatcher := NewDispatcherWithClient(opts, client)

	msg := core.NewPipelineMessage(core.PipelineInfo{Name: "echo"}, core.TopicMessage{ID: "1"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := dispatcher.Submit(ctx, msg)
	require.NoError(t, err)
	require.Len(t, results.Outputs, 1)
	require.Equal(t, core.MessageId("out-1"), results.Outputs[0].Message.ID)
}

func TestRemoteWorkerLivenessLoss(t *testing.T) {
	client, opts := setupExecutor(t, Options{})

	pb := bootstrap.New(bootstrap.MapRegistry{
		"slow": func(ctx context.Context, message *core.PipelineMessage) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, hooks.EventHook[*bootstrap.PipelineBootstrap]{})

	pool := NewThreadPool(1, func(ctx context.Context, task Task) (core.PipelineResults, error) {
		return pb.BootstrapPipeline(ctx, task.Message)
	}, nil)

	worker := NewRemoteWorker(opts, client, pb, pool)

	msg := core.NewPipelineMessage(core.PipelineInfo{Name: "slow"}, core.TopicMessage{ID: "1"})
	envelope := jobEnvelope{JobID: "job-1", Message: msg}

	// Deliberately never set the worker liveness key, simulating a
	// Worker that has gone quiet: the executor's liveness loop must
	// observe this within 2 * HealthcheckInterval and cancel the job.
	done := make(chan struct{})
	go func() {
		worker.ProcessJob(context.Background(), envelope)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessJob did not return after liveness loss")
	}

	res, err := client.BLPop(context.Background(), time.Second, opts.resultKey("job-1")).Result()
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Contains(t, res[1], "Job Cancelled")
}
