package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/flowmesh-go/internal/condition"
	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/internal/engine"
	"github.com/flowmesh-go/internal/executors"
	"github.com/flowmesh-go/internal/queue"
	"github.com/flowmesh-go/internal/state"
	"github.com/flowmesh-go/pkg/config"
	"github.com/flowmesh-go/pkg/events"
	"github.com/flowmesh-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger)
	log.Info("starting flowmesh worker")

	var redisClient *redis.Client
	if cfg.State.Backend == "redis" || cfg.Queue.PersistJobs || cfg.Queue.EnableDeadLetter {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, redis-backed features degraded", "error", err)
		}
		cancel()
	}

	var db *gorm.DB
	if cfg.State.Backend == "sqlite" {
		db, err = gorm.Open(sqlite.Open(cfg.State.SQLitePath), &gorm.Config{})
		if err != nil {
			log.Fatal("failed to open sqlite database", "error", err)
		}
	}

	backend, err := buildBackend(cfg, redisClient, db)
	if err != nil {
		log.Fatal("failed to build state backend", "error", err)
	}

	var bus events.EventBus
	if cfg.Kafka.Enabled {
		bus, err = events.NewKafkaEventBus(events.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		})
		if err != nil {
			log.Fatal("failed to connect event bus", "error", err)
		}
	} else {
		bus = events.NewMemoryEventBus()
	}

	store := state.NewStore(backend, bus, state.Config{
		SnapshotInterval: cfg.State.SnapshotInterval,
		MaxSnapshots:     cfg.State.MaxSnapshots,
		Compress:         cfg.State.Compress,
	}, log)
	store.Reconcile(context.Background())

	registry := executors.NewRegistry(log)
	registry.RegisterBuiltins()
	if db != nil {
		registry.Register("database", executors.NewDatabaseExecutor(db, log))
	}

	evaluator := condition.NewEvaluator(log)
	eng := engine.New(registry, store, evaluator, bus, engine.Config{
		DefaultTimeout:     cfg.Engine.DefaultTimeout,
		MaxNodeConcurrency: cfg.Engine.MaxNodeConcurrency,
		DefaultMaxAttempts: cfg.Engine.DefaultMaxAttempts,
		InitialInterval:    cfg.Engine.InitialInterval,
		BackoffMultiplier:  cfg.Engine.BackoffMultiplier,
	}, log)

	manager := queue.NewManager(queue.Config{
		Workers:           cfg.Queue.Workers,
		WorkerConcurrency: cfg.Queue.WorkerConcurrency,
		MaxQueueSize:      cfg.Queue.MaxQueueSize,
		DefaultRetries:    cfg.Queue.DefaultRetries,
		DefaultRetryDelay: cfg.Queue.DefaultRetryDelay,
		DispatchRate:      cfg.Queue.DispatchRate,
		PersistJobs:       cfg.Queue.PersistJobs,
		EnableDeadLetter:  cfg.Queue.EnableDeadLetter,
	}, eng, workflowResolver(backend), store, redisClient, bus, log)

	runCtx, stopRun := context.WithCancel(context.Background())
	if err := manager.Start(runCtx); err != nil {
		log.Fatal("failed to start queue manager", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down flowmesh worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		log.Error("queue manager forced to shutdown", "error", err)
	}
	stopRun()
	store.Close()
	if err := bus.Close(); err != nil {
		log.Error("failed to close event bus", "error", err)
	}

	log.Info("flowmesh worker exited")
}

func buildBackend(cfg *config.Config, redisClient *redis.Client, db *gorm.DB) (state.Backend, error) {
	switch cfg.State.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend selected but no client configured")
		}
		return state.NewRedisBackend(redisClient, ""), nil
	case "sqlite":
		return state.NewGormBackend(db)
	case "", "memory":
		return state.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

// workflowResolver loads workflow definitions persisted under
// workflow:<id> in the state backend.
func workflowResolver(backend state.Backend) queue.WorkflowResolver {
	return func(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
		data, err := backend.Get(ctx, "workflow:"+workflowID)
		if err != nil {
			return nil, fmt.Errorf("workflow %s not found: %w", workflowID, err)
		}
		wf := &workflow.Workflow{}
		if err := json.Unmarshal(data, wf); err != nil {
			return nil, fmt.Errorf("failed to decode workflow %s: %w", workflowID, err)
		}
		return wf, nil
	}
}
