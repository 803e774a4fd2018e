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

// Package config loads a flat, validated-at-construction Config once from
// environment variables at process startup. Nothing in this module rereads
// the environment at runtime; every component is built from the values
// captured here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every knob the core subsystems need, read once from the
// environment and handed down explicitly rather than consulted globally.
type Config struct {
	// LLM service.
	LLMBaseURL string
	LLMAPIKey  string
	LLMTimeout time.Duration

	// Rate limiter.
	RateLimitRate      float64
	RateLimitPeriod    time.Duration
	RateLimitMaxShards int

	// Circuit breaker.
	BreakerFailureThreshold float64
	BreakerMinThroughput    int
	BreakerSamplingWindow   time.Duration
	BreakerMinBreak         time.Duration
	BreakerMaxBreak         time.Duration

	// Retry.
	RetryMaxAttempts int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// Cache.
	CacheDir        string
	CacheMaxEntries int
	CacheMaxBytes   int64
	CacheL2MaxBytes int64

	// Connection pool / relational store.
	DBPath         string
	PoolMinSize    int
	PoolMaxSize    int
	AcquireTimeout time.Duration
	SlowQueryMs    int64

	// Quota.
	QuotaPerKeyBudget int64
	QuotaRedisAddr    string
	QuotaKafkaTopic   string

	// Pipeline.
	Concurrency int

	// Logging.
	LogLevel string
}

// Load reads Config from the environment, applying the same defaults a
// production deployment would expect if a variable is unset.
func Load() (Config, error) {
	c := Config{
		LLMBaseURL:              getEnv("FLASHPIPE_LLM_BASE_URL", "http://localhost:8080"),
		LLMAPIKey:               os.Getenv("FLASHPIPE_LLM_API_KEY"),
		LLMTimeout:              getDuration("FLASHPIPE_LLM_TIMEOUT", 30*time.Second),
		RateLimitRate:           getFloat("FLASHPIPE_RATE", 60),
		RateLimitPeriod:         getDuration("FLASHPIPE_RATE_PERIOD", time.Minute),
		RateLimitMaxShards:      getInt("FLASHPIPE_RATE_MAX_SHARDS", 32),
		BreakerFailureThreshold: getFloat("FLASHPIPE_BREAKER_FAILURE_THRESHOLD", 0.5),
		BreakerMinThroughput:    getInt("FLASHPIPE_BREAKER_MIN_THROUGHPUT", 10),
		BreakerSamplingWindow:   getDuration("FLASHPIPE_BREAKER_WINDOW", 30*time.Second),
		BreakerMinBreak:         getDuration("FLASHPIPE_BREAKER_MIN_BREAK", time.Second),
		BreakerMaxBreak:         getDuration("FLASHPIPE_BREAKER_MAX_BREAK", 2*time.Minute),
		RetryMaxAttempts:        getInt("FLASHPIPE_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay:       getDuration("FLASHPIPE_RETRY_INITIAL_DELAY", 100*time.Millisecond),
		RetryMaxDelay:           getDuration("FLASHPIPE_RETRY_MAX_DELAY", 10*time.Second),
		CacheDir:                getEnv("FLASHPIPE_CACHE_DIR", "./flashpipe-cache"),
		CacheMaxEntries:         getInt("FLASHPIPE_CACHE_MAX_ENTRIES", 10000),
		CacheMaxBytes:           getInt64("FLASHPIPE_CACHE_MAX_BYTES", 64<<20),
		CacheL2MaxBytes:         getInt64("FLASHPIPE_CACHE_L2_MAX_BYTES", 1<<30),
		DBPath:                  getEnv("FLASHPIPE_DB_PATH", "./flashpipe.db"),
		PoolMinSize:             getInt("FLASHPIPE_POOL_MIN_SIZE", 2),
		PoolMaxSize:             getInt("FLASHPIPE_POOL_MAX_SIZE", 10),
		AcquireTimeout:          getDuration("FLASHPIPE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
		SlowQueryMs:             getInt64("FLASHPIPE_SLOW_QUERY_MS", 200),
		QuotaPerKeyBudget:       getInt64("FLASHPIPE_QUOTA_PER_KEY_BUDGET", 1_000_000),
		QuotaRedisAddr:          os.Getenv("FLASHPIPE_QUOTA_REDIS_ADDR"),
		QuotaKafkaTopic:         os.Getenv("FLASHPIPE_QUOTA_KAFKA_TOPIC"),
		Concurrency:             getInt("FLASHPIPE_CONCURRENCY", 20),
		LogLevel:                getEnv("FLASHPIPE_LOG_LEVEL", "info"),
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.RateLimitRate <= 0 {
		return fmt.Errorf("config: FLASHPIPE_RATE must be positive, got %v", c.RateLimitRate)
	}
	if c.PoolMinSize < 0 || c.PoolMaxSize <= 0 || c.PoolMinSize > c.PoolMaxSize {
		return fmt.Errorf("config: invalid pool sizing min=%d max=%d", c.PoolMinSize, c.PoolMaxSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: FLASHPIPE_CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerFailureThreshold > 1 {
		return fmt.Errorf("config: FLASHPIPE_BREAKER_FAILURE_THRESHOLD must be in (0,1], got %v", c.BreakerFailureThreshold)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
