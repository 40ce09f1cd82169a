package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/enrolid/backend/internal/api"
	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/blob"
	"github.com/enrolid/backend/internal/cache"
	"github.com/enrolid/backend/internal/circuitbreaker"
	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/config"
	"github.com/enrolid/backend/internal/dedup"
	"github.com/enrolid/backend/internal/face"
	"github.com/enrolid/backend/internal/identity"
	"github.com/enrolid/backend/internal/metrics"
	"github.com/enrolid/backend/internal/notify"
	"github.com/enrolid/backend/internal/pipeline"
	"github.com/enrolid/backend/internal/queue"
	"github.com/enrolid/backend/internal/retry"
	"github.com/enrolid/backend/internal/store"
	"github.com/enrolid/backend/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	clk := clock.System{}
	ids := clock.UUIDGenerator{}

	// Store
	var st store.Store
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := store.NewPostgres(cfg.Database.DSN())
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		st = pg
		logger.Printf("using postgres store")
	default:
		st = store.NewMemory()
		logger.Printf("using in-memory store")
	}
	defer st.Close()

	// Breakers, retries, dead letters
	// Applicant-attributable analyzer failures are terminal verdicts, not
	// dependency trouble: they neither trip the breaker nor get retried.
	systemError := func(err error) bool {
		_, applicant := face.RejectionCode(err)
		return !applicant
	}
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
		IsFailure:        systemError,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Printf("breaker %s: %s -> %s", name, from, to)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	sink := retry.NewDeadLetterSink(1000)
	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Base:         cfg.Retry.Base,
		Jitter:       true,
		Retryable:    systemError,
	}
	caller := &retry.Caller{
		Breakers: breakers,
		Policy:   policy,
		Sink:     sink,
	}

	// Embedding cache
	var embCache cache.EmbeddingCache
	if cfg.Redis.Enabled {
		shared, err := cache.NewShared(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Pipeline.CacheTTL, breakers.Get("redis"))
		if err != nil {
			logger.Fatalf("redis cache: %v", err)
		}
		defer shared.Close()
		embCache = shared
		logger.Printf("using redis embedding cache at %s", cfg.Redis.Addr)
	} else {
		local := cache.NewLocal(cfg.Pipeline.CacheTTL)
		local.StartSweep(5 * time.Minute)
		defer local.StopSweep()
		embCache = local
	}

	// Vector index
	index, err := vectorindex.New(vectorindex.Config{
		Dim:            cfg.Index.Dim,
		NList:          cfg.Index.NList,
		NProbe:         cfg.Index.NProbe,
		TrainThreshold: cfg.Index.TrainThreshold,
		Dir:            cfg.Index.Dir,
	})
	if err != nil {
		logger.Fatalf("vector index: %v", err)
	}
	if err := index.Restore(); err != nil {
		logger.Printf("index restore skipped: %v", err)
	}
	metrics.IndexSize.Set(float64(index.Size()))

	// Blob store
	blobs, err := blob.NewStore(cfg.Blob.Dir)
	if err != nil {
		logger.Fatalf("blob store: %v", err)
	}

	// Domain services
	journal := audit.NewJournal(st, clk, ids)
	deduper := dedup.New(dedup.Config{
		VerificationThreshold: cfg.Dedup.VerificationThreshold,
		HighBand:              cfg.Dedup.HighBand,
		BorderlineMargin:      cfg.Dedup.BorderlineMargin,
		TopK:                  cfg.Dedup.TopK,
	}, index, journal)
	identities := identity.NewManager(st, index, journal, clk, ids)
	analyzer := face.NewStubAnalyzer(face.Gate{
		MinFaceSize:      cfg.Quality.MinFaceSize,
		BlurThreshold:    cfg.Quality.BlurThreshold,
		QualityThreshold: cfg.Quality.QualityThreshold,
	})

	// Transport
	q := queue.New(cfg.Pipeline.QueueCapacity)
	hub := notify.NewHub()
	go hub.Run()
	webhooks := notify.NewDispatcher(cfg.Webhooks.Workers, ids)

	// Pipeline
	procCfg := pipeline.DefaultConfig()
	procCfg.Workers = cfg.Pipeline.Workers
	procCfg.MaxRetries = cfg.Pipeline.MaxRetries
	procCfg.CacheTTL = cfg.Pipeline.CacheTTL
	procCfg.ShutdownGrace = cfg.Pipeline.ShutdownGrace
	if t := cfg.Pipeline.ProcessingTimeout; t > 0 {
		procCfg.IngestTimeout = t
		procCfg.AnalyzeTimeout = t
		procCfg.DedupTimeout = t
		procCfg.AssignTimeout = t
	}
	processor := pipeline.New(procCfg, pipeline.Deps{
		Queue:    q,
		Store:    st,
		Blobs:    blobs,
		Cache:    embCache,
		Analyzer: analyzer,
		Dedup:    deduper,
		Identity: identities,
		Caller:   caller,
		Sink:     sink,
		Hub:      hub,
		Webhooks: webhooks,
		Journal:  journal,
		Clock:    clk,
	})
	processor.Start()

	// Background maintenance
	maintCtx, stopMaint := context.WithCancel(context.Background())
	go snapshotLoop(maintCtx, index, logger)
	go sweepLoop(maintCtx, cfg.Blob.SweepInterval, blobs, st, logger)

	server := api.NewServer(cfg, api.Deps{
		Store:    st,
		Queue:    q,
		Blobs:    blobs,
		Cache:    embCache,
		Index:    index,
		Analyzer: analyzer,
		Dedup:    deduper,
		Identity: identities,
		Journal:  journal,
		Hub:      hub,
		Webhooks: webhooks,
		Breakers: breakers,
		Sink:     sink,
		Clock:    clk,
		IDs:      ids,
	})

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	stopMaint()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	processor.Stop()
	hub.Stop()
	webhooks.Stop()
	if err := index.Snapshot(); err != nil {
		logger.Printf("index snapshot: %v", err)
	}
	logger.Printf("bye")
}

// snapshotLoop persists the vector index every five minutes.
func snapshotLoop(ctx context.Context, index *vectorindex.Index, logger *log.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := index.Snapshot(); err != nil {
				logger.Printf("index snapshot: %v", err)
			}
			metrics.IndexSize.Set(float64(index.Size()))
		case <-ctx.Done():
			return
		}
	}
}

// sweepLoop removes photos whose application no longer exists.
func sweepLoop(ctx context.Context, interval time.Duration, blobs *blob.Store, st store.Store, logger *log.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := blobs.SweepOrphans(func(applicationID string) bool {
				_, err := st.GetApplication(ctx, applicationID)
				return err == nil
			})
			if err != nil {
				logger.Printf("blob sweep: %v", err)
			} else if removed > 0 {
				logger.Printf("blob sweep removed %d orphaned photos", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
