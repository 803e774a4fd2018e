// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main wires the flashcard pipeline's independently-built
// subsystems into one running batch, or, under the "doctor" subcommand,
// reports their health without processing anything.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"flashpipe/internal/breaker"
	"flashpipe/internal/cache"
	"flashpipe/internal/config"
	"flashpipe/internal/db"
	"flashpipe/internal/egress"
	"flashpipe/internal/errs"
	"flashpipe/internal/ingress"
	"flashpipe/internal/llm"
	"flashpipe/internal/pipeline"
	"flashpipe/internal/quota"
	"flashpipe/internal/quotapersist"
	"flashpipe/internal/ratelimit"
	"flashpipe/internal/retry"
	"flashpipe/internal/statusapi"
	"flashpipe/internal/telemetry"
)

// Exit codes, per the outcome the batch actually hit.
const (
	exitOK            = 0
	exitInputError    = 1
	exitExternalError = 2
	exitInternalError = 3
	exitCancelled     = 130
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "doctor" {
		os.Exit(runDoctor(os.Args[2:]))
	}
	os.Exit(runBatch(os.Args[1:]))
}

type components struct {
	cfg        config.Config
	pool       *db.Pool
	exec       *db.Executor
	limiter    *ratelimit.Limiter
	br         *breaker.Breaker
	coord      *cache.Coordinator
	sink       *errs.Collector
	quotaStore *quota.Store
	quotaWrk   *quota.Worker
	tel        *telemetry.Registry
	sqlDB      *sql.DB
}

// build wires every subsystem from cfg, in the dependency order each
// constructor requires (sink before anything that records into it, pool
// before executor, executor before quota persistence and status routes).
func build(ctx context.Context, cfg config.Config) (*components, error) {
	sqlDB, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	tel := telemetry.New("flashpipe")

	pool, err := db.NewPool(ctx, sqlDB, db.Config{
		MinSize:        cfg.PoolMinSize,
		MaxSize:        cfg.PoolMaxSize,
		AcquireTimeout: cfg.AcquireTimeout,
	}, nil, tel)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("start pool: %w", err)
	}

	optimizer := db.NewOptimizer(256, 5)
	exec := db.NewExecutor(pool, optimizer, time.Duration(cfg.SlowQueryMs)*time.Millisecond, 0, nil, tel)

	sink := errs.NewCollector(4096, db.NewErrorSink(exec))

	limiter := ratelimit.New(ratelimit.Config{
		Rate:      cfg.RateLimitRate,
		Period:    cfg.RateLimitPeriod,
		MaxShards: cfg.RateLimitMaxShards,
	}, sink)

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MinThroughput:    cfg.BreakerMinThroughput,
		SamplingDuration: cfg.BreakerSamplingWindow,
		BreakDuration:    breaker.Exponential(cfg.BreakerMinBreak, cfg.BreakerMinBreak, cfg.BreakerMaxBreak),
	}, sink, tel)

	coord, err := cache.New(cache.Config{
		L1MaxEntries: cfg.CacheMaxEntries,
		L1MaxBytes:   cfg.CacheMaxBytes,
		L1Policy:     cache.PolicyLRU,
		L2RootDir:    cfg.CacheDir,
		L2MaxBytes:   cfg.CacheL2MaxBytes,
		L2Policy:     cache.PolicyLRU,
		L2Compress:   true,
	}, sink, tel)
	if err != nil {
		pool.Stop()
		sqlDB.Close()
		return nil, fmt.Errorf("start cache: %w", err)
	}

	quotaStore := quota.NewStore(cfg.QuotaPerKeyBudget)
	persister := quotapersist.Build(exec, quotapersist.Options{
		RedisAddr:  cfg.QuotaRedisAddr,
		KafkaTopic: cfg.QuotaKafkaTopic,
	})
	quotaWrk := quota.NewWorker(quotaStore, persister, sink, quota.WorkerConfig{})
	quotaWrk.Start()

	return &components{
		cfg: cfg, pool: pool, exec: exec, limiter: limiter, br: br,
		coord: coord, sink: sink, quotaStore: quotaStore, quotaWrk: quotaWrk,
		tel: tel, sqlDB: sqlDB,
	}, nil
}

func (c *components) shutdown() {
	c.quotaWrk.Stop()
	c.pool.Stop()
	c.sqlDB.Close()
}

func runBatch(args []string) int {
	fs := flag.NewFlagSet("flashpipe", flag.ContinueOnError)
	inputPath := fs.String("input", "", "input vocabulary file (CSV/TSV)")
	outputPath := fs.String("output", "", "output flashcard file (CSV/TSV); defaults to stdout")
	tsv := fs.Bool("tsv", false, "treat input/output as tab-delimited instead of comma-delimited")
	statusAddr := fs.String("status_addr", "", "if non-empty, serve /healthz and /status/* on this address")
	if err := fs.Parse(args); err != nil {
		return exitInputError
	}
	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "flashpipe: -input is required")
		return exitInputError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe: config: %v\n", err)
		return exitInputError
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info().Msg("shutdown requested, cancelling in-flight batch")
		cancel()
	}()

	comma := ','
	if *tsv {
		comma = '\t'
	}

	in, err := os.Open(*inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe: %v\n", err)
		return exitInputError
	}
	items, err := ingress.Read(in, comma)
	in.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe: invalid input: %v\n", err)
		return exitInputError
	}

	comp, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe: startup: %v\n", err)
		return exitInternalError
	}
	defer comp.shutdown()

	if *statusAddr != "" {
		statusSrv := &statusapi.Server{Limiter: comp.limiter, Breaker: comp.br, Cache: comp.coord, Pool: comp.pool}
		mux := nethttp.NewServeMux()
		statusSrv.RegisterRoutes(mux)
		mux.Handle("/metrics", comp.tel.Handler())
		go func() {
			if err := nethttp.ListenAndServe(*statusAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("status server stopped")
			}
		}()
	}

	retryPolicy := retry.New(retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}, comp.sink)

	pctx := &pipeline.PipelineContext{
		Limiter:   comp.limiter,
		Breaker:   comp.br,
		Retry:     retryPolicy,
		Cache:     comp.coord,
		LLM:       llm.NewHTTPClient(cfg.LLMBaseURL),
		DB:        comp.exec,
		Sink:      comp.sink,
		Quota:     comp.quotaStore,
		Telemetry: comp.tel,
		AuthHeaders: map[string]string{
			"Authorization": "Bearer " + cfg.LLMAPIKey,
		},
	}
	orch := pipeline.New(pctx, pipeline.Config{Concurrency: cfg.Concurrency})

	var out *os.File
	if *outputPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flashpipe: %v\n", err)
			return exitInputError
		}
		defer out.Close()
	}
	writer := egress.NewWriter(out, comma)

	batch, err := orch.Run(ctx, items, func(p pipeline.Progress) {
		logger.Info().
			Int64("started", p.Started).
			Int64("completed", p.Completed).
			Int64("failed", p.Failed).
			Int("total", p.Total).
			Msg("progress")
	})
	if err != nil {
		logger.Error().Err(err).Msg("batch run failed")
		return exitInternalError
	}

	var externalFailures int
	for _, r := range batch.Results {
		if r.Failed() {
			externalFailures++
			continue
		}
		if err := writer.WriteRow(resultToRow(r)); err != nil {
			fmt.Fprintf(os.Stderr, "flashpipe: writing output: %v\n", err)
			return exitInternalError
		}
	}
	if err := writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe: flushing output: %v\n", err)
		return exitInternalError
	}

	if batch.Cancelled {
		return exitCancelled
	}
	if externalFailures > 0 {
		return exitExternalError
	}
	return exitOK
}

// resultToRow maps one pipeline result into an output row. The pipeline's
// FlashcardPayload is an opaque decoded response (the core never interprets
// it) carried as the raw json.RawMessage the LLM adapter returned;
// extraction into concrete columns belongs to the deployment, not this
// skeleton entrypoint, so unknown or unparseable payload shapes pass through
// with only Position/Term set.
func resultToRow(r *pipeline.ProcessingResult) egress.Row {
	row := egress.Row{Position: r.Position, Term: r.Term}
	raw, ok := r.FlashcardPayload.(json.RawMessage)
	if !ok {
		return row
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return row
	}
	if v, ok := m["front"].(string); ok {
		row.Front = v
	}
	if v, ok := m["back"].(string); ok {
		row.Back = v
	}
	if v, ok := m["tags"].(string); ok {
		row.Tags = v
	}
	if v, ok := m["honorific"].(string); ok {
		row.Honorific = v
	}
	return row
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitInputError
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe doctor: config: %v\n", err)
		return exitInputError
	}
	ctx := context.Background()
	comp, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashpipe doctor: %v\n", err)
		return exitInternalError
	}
	defer comp.shutdown()

	fmt.Println("subsystem   status")
	fmt.Println("----------  ------")
	fmt.Printf("limiter     %+v\n", comp.limiter.Status())
	fmt.Printf("breaker     %+v\n", comp.br.Snapshot())
	fmt.Printf("cache       %+v\n", comp.coord.Stats())
	fmt.Printf("pool        %+v\n", comp.pool.Stats())
	for _, h := range comp.pool.HealthReport() {
		fmt.Printf("  conn %s: state=%v queries=%d slow=%d errors=%d age=%.1fs\n",
			h.ID, h.State, h.TotalQueries, h.SlowQueries, h.Errors, h.AgeSeconds)
	}
	return exitOK
}
