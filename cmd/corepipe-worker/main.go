// Command corepipe-worker runs the Worker side of corepipe: it opens
// every job's input/output topics from the static topology, drains
// each job's ExecutableQueue across the Remote Executor boundary, and
// (unless --no-local-executor is set) also runs an in-process
// RemoteWorker pool against the same Redis-backed dispatch queue, the
// default "thread" worker_type deployment shape (spec.md §4.5).
// Cobra/viper wiring follows the teacher's src/cmd/root.go shape, the
// same persistent --config flag cmd/corepipe-manager uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/corepipe/corepipe/src/config"
	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/manager/static"
	"github.com/corepipe/corepipe/src/worker"
	"github.com/corepipe/corepipe/src/worker/bootstrap"
	"github.com/corepipe/corepipe/src/worker/executable"
	"github.com/corepipe/corepipe/src/worker/executor"
	"github.com/corepipe/corepipe/src/worker/hooks"
	"github.com/corepipe/corepipe/src/worker/metrics"
	"github.com/corepipe/corepipe/src/worker/pipelines"
	"github.com/corepipe/corepipe/src/worker/resources"
	"github.com/corepipe/corepipe/src/worker/tasksrunner"
	"github.com/corepipe/corepipe/src/worker/topic"
	"github.com/corepipe/corepipe/src/worker/topicfactory"
	"github.com/corepipe/corepipe/src/worker/wlog"
)

var (
	configPath      string
	topologyPath    string
	noLocalExecutor bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "corepipe-worker",
		Short: "Run the corepipe Worker process",
		RunE:  runWorker,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a corepipe.yaml config file")
	root.PersistentFlags().StringVar(&topologyPath, "topology", "", "path to the static topology YAML file")
	root.PersistentFlags().BoolVar(&noLocalExecutor, "no-local-executor", false, "don't run an in-process Remote Executor pool alongside the Worker")
	return root
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("corepipe-worker: load config: %w", err)
	}

	logger := wlog.New(cfg.Logging.Pretty)
	log.Logger = logger

	if topologyPath == "" {
		return fmt.Errorf("corepipe-worker: --topology is required")
	}
	definitions, err := static.Load(topologyPath)
	if err != nil {
		return fmt.Errorf("corepipe-worker: load topology: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	execOpts := executor.Options{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		KeyPrefix:           cfg.Executor.KeyPrefix,
		HealthcheckInterval: cfg.Executor.HealthcheckInterval,
		Timeout:             cfg.Executor.Timeout,
		TimeoutDelay:        cfg.Executor.TimeoutDelay,
		WorkerType:          cfg.Executor.WorkerType,
		WorkerConcurrency:   cfg.Executor.WorkerConcurrency,
	}

	resourceManager := resources.NewManager()
	for _, r := range definitions.Resources() {
		resourceManager.Register(r.Type, &core.Resource{Name: r.Name, Type: r.Type})
	}
	tracker := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group := tasksrunner.New(ctx, nil)

	if !noLocalExecutor {
		runLocalExecutor(group, execOpts, redisClient, cfg.Executor.ProcessCommand, cfg.Executor.ProcessArgs)
	}

	dispatcher := executor.NewDispatcherWithClient(execOpts, redisClient)

	for _, queueDef := range definitions.Queues() {
		job, err := buildJob(definitions, queueDef, dispatcher, resourceManager, tracker, redisClient)
		if err != nil {
			return fmt.Errorf("corepipe-worker: build job %s: %w", queueDef.Name, err)
		}
		group.Go("job/"+queueDef.Name, job.Run)
	}

	log.Info().Int("jobs", len(definitions.Queues())).Msg("corepipe-worker: running")

	<-ctx.Done()
	log.Info().Msg("corepipe-worker: shutting down")
	group.Stop()
	return firstError(group.Errors())
}

// runLocalExecutor starts an in-process RemoteWorker pool against the
// built-in demo pipeline registry, consuming the same dispatch queue
// the Worker's Jobs submit to. A deployment with its own pipeline
// callables replaces pipelines.Default() with its own
// bootstrap.MapRegistry.
func runLocalExecutor(group *tasksrunner.Group, opts executor.Options, redisClient *redis.Client, processCommand string, processArgs []string) {
	pb := bootstrap.New(pipelines.Default(), hooks.EventHook[*bootstrap.PipelineBootstrap]{})

	var pool executor.Pool
	if opts.WorkerType == "process" {
		pool = executor.NewProcessPool(processCommand, processArgs, opts.WorkerConcurrency)
	} else {
		pool = executor.NewThreadPool(opts.WorkerConcurrency, func(taskCtx context.Context, task executor.Task) (core.PipelineResults, error) {
			return pb.BootstrapPipeline(taskCtx, task.Message)
		}, nil)
	}

	remoteWorker := executor.NewRemoteWorker(opts, redisClient, pb, pool)
	group.Go("local-executor", func(taskCtx context.Context) error {
		remoteWorker.Run(taskCtx)
		return pool.Close()
	})
}

func buildJob(definitions *static.Definitions, queueDef static.QueueDefinition, dispatcher *executor.Dispatcher, resourceManager *resources.Manager, tracker *metrics.Tracker, redisClient *redis.Client) (*worker.Job, error) {
	item := queueDef.ToQueueItem()

	input, err := topicfactory.BuildRef(definitions, item.Input.Name, redisClient)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string][]topic.Topic, len(item.Outputs))
	for channel, refs := range item.Outputs {
		topics := make([]topic.Topic, 0, len(refs))
		for _, ref := range refs {
			t, err := topicfactory.BuildRef(definitions, ref.Name, redisClient)
			if err != nil {
				return nil, err
			}
			topics = append(topics, t)
		}
		outputs[channel] = topics
	}

	queue := executable.New(item.Name, item.Pipeline, input, outputs, item.Options)

	job := &worker.Job{
		Queue:      queue,
		Dispatcher: dispatcher,
		Resources:  resourceManager,
		Metrics:    tracker,
		Labels: metrics.Labels{
			Executor: item.Executor,
			Pipeline: item.Pipeline.Name,
			Job:      item.Labels,
		},
		MaxInFlight: item.Options.MaxConcurrency,
	}
	job.WireMetrics()
	return job, nil
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
