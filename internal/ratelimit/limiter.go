package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"flashpipe/internal/errs"
)

// Config configures a sharded Limiter for an aggregate rate R per Period.
type Config struct {
	Rate               float64       // aggregate tokens allowed per Period
	Period             time.Duration // e.g. time.Minute
	BurstSize          float64       // per-shard-aggregated burst; defaults to Rate
	MaxShards          int           // caps shard count; default 32
	DefaultMaxWait     time.Duration // used by Acquire when caller passes 0
	RebalanceEvery     int64         // check imbalance every N calls; default 2048
	RebalanceThreshold float64       // (max-min)/avg threshold; default 0.5
}

func (c Config) withDefaults() Config {
	if c.MaxShards <= 0 {
		c.MaxShards = 32
	}
	if c.BurstSize <= 0 {
		c.BurstSize = c.Rate
	}
	if c.DefaultMaxWait <= 0 {
		c.DefaultMaxWait = 5 * time.Second
	}
	if c.RebalanceEvery <= 0 {
		c.RebalanceEvery = 2048
	}
	if c.RebalanceThreshold <= 0 {
		c.RebalanceThreshold = 0.5
	}
	return c
}

// Limiter routes keys across S independent token-bucket shards via a
// two-choice hashing strategy, preserving aggregate rate while avoiding a
// single-lock bottleneck.
type Limiter struct {
	cfg    Config
	shards []*Shard

	seed1 atomic.Uint64 // primary-routing seed; rotates on rebalance
	seed2 atomic.Uint64 // secondary-routing seed; rotates on rebalance

	reservations *reservationRegistry

	callsSinceRebalance atomic.Int64
	rebalanceMu         sync.Mutex

	sink *errs.Collector // optional; records never-swallowed limiter errors
}

// New constructs a sharded Limiter. Shard count is the next power of two in
// [1, 32] approximating ceil(log2(R/100)), capped by cfg.MaxShards.
func New(cfg Config, sink *errs.Collector) *Limiter {
	cfg = cfg.withDefaults()
	n := shardCount(cfg.Rate, cfg.MaxShards)

	perShardRate := math.Floor(cfg.Rate / float64(n))
	perShardBurst := cfg.BurstSize / float64(n)
	remainder := int(math.Mod(cfg.Rate, float64(n)))

	periodSeconds := cfg.Period.Seconds()
	if periodSeconds <= 0 {
		periodSeconds = 60
	}

	shards := make([]*Shard, n)
	for i := 0; i < n; i++ {
		rate := perShardRate
		if i < remainder {
			rate++
		}
		refillPerSecond := rate / periodSeconds
		shards[i] = NewShard(perShardBurst, refillPerSecond)
	}

	l := &Limiter{
		cfg:          cfg,
		shards:       shards,
		reservations: newReservationRegistry(),
		sink:         sink,
	}
	l.seed1.Store(0xcbf29ce484222325) // FNV offset basis
	l.seed2.Store(0x9e3779b97f4a7c15) // golden-ratio seed
	return l
}

// shardCount computes the next power of two in [1, maxShards] approximating
// ceil(log2(R/100)).
func shardCount(rate float64, maxShards int) int {
	if rate <= 100 {
		return 1
	}
	raw := math.Ceil(math.Log2(rate / 100))
	n := int(math.Max(1, raw))
	p := 1
	for p < n {
		p <<= 1
	}
	if p > maxShards {
		p = maxShards
	}
	if p < 1 {
		p = 1
	}
	return p
}

func hashWithSeed(key string, seed uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seed >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func (l *Limiter) primaryShard(key string) int {
	return int(hashWithSeed(key, l.seed1.Load()) % uint64(len(l.shards)))
}

func (l *Limiter) secondaryShard(key string) int {
	return int(hashWithSeed(key, l.seed2.Load()) % uint64(len(l.shards)))
}

// Result is the common shape returned by Acquire/TryAcquire.
type Result struct {
	Allowed         bool
	ShardID         int
	TokensRemaining float64
	RetryAfter      time.Duration
}

// TryAcquire attempts to consume count tokens without blocking, trying the
// primary shard then the secondary on refusal (two-choice load spreading).
func (l *Limiter) TryAcquire(key string, count float64) Result {
	l.maybeRebalance()
	if count <= 0 {
		count = 1
	}
	primary := l.primaryShard(key)
	res := l.shards[primary].TryConsume(count)
	if res.Allowed {
		return Result{Allowed: true, ShardID: primary, TokensRemaining: res.TokensRemaining}
	}
	secondary := l.secondaryShard(key)
	if secondary != primary {
		res2 := l.shards[secondary].TryConsume(count)
		if res2.Allowed {
			return Result{Allowed: true, ShardID: secondary, TokensRemaining: res2.TokensRemaining}
		}
	}
	return Result{Allowed: false, ShardID: primary, TokensRemaining: res.TokensRemaining}
}

// Acquire blocks (sleeping, respecting ctx cancellation) up to maxWait for
// count tokens to become available. maxWait <= 0 uses cfg.DefaultMaxWait.
func (l *Limiter) Acquire(ctx context.Context, key string, count float64, maxWait time.Duration) (Result, error) {
	if maxWait <= 0 {
		maxWait = l.cfg.DefaultMaxWait
	}
	deadline := time.Now().Add(maxWait)
	backoff := time.Millisecond
	for {
		res := l.TryAcquire(key, count)
		if res.Allowed {
			return res, nil
		}
		now := time.Now()
		if now.After(deadline) {
			rec := errs.New(errs.CategoryTransient, "ratelimit.acquire", "acquire timed out for key %s after %s", key, maxWait)
			if l.sink != nil {
				l.sink.Collect(rec)
			}
			return res, rec
		}
		sleep := backoff
		if remaining := deadline.Sub(now); remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return res, errs.New(errs.CategoryTransient, "ratelimit.acquire", "cancelled waiting for key %s: %v", key, ctx.Err())
		case <-time.After(sleep):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Reserve returns a future-token grant on the primary shard if feasible
// within maxWait, else refuses. Reservations on a shard under drain (see
// adaptive rebalance) are still honored — draining only blocks *new*
// reservations from being created on the rotated-away shard going forward,
// it does not evict ones already issued.
func (l *Limiter) Reserve(key string, count float64, maxWait time.Duration) (*Reservation, error) {
	if count <= 0 {
		count = 1
	}
	primary := l.primaryShard(key)
	shard := l.shards[primary]

	if shard.isReservationDrainOnly() {
		rec := errs.New(errs.CategoryTransient, "ratelimit.reserve",
			"shard %d is draining after rebalance; retry for key %s", primary, key)
		if l.sink != nil {
			l.sink.Collect(rec)
		}
		return nil, rec
	}

	shard.mu.Lock()
	now := time.Now()
	shard.refill(now)
	executeAt := shard.reserveLocked(count, now)
	shard.mu.Unlock()

	if executeAt.Sub(now) > maxWait {
		return nil, errs.New(errs.CategoryTransient, "ratelimit.reserve", "reservation for key %s would exceed maxWait %s", key, maxWait)
	}

	res := &Reservation{
		ID:        newReservationID(),
		Key:       key,
		Count:     count,
		ExecuteAt: executeAt,
		ExpiresAt: executeAt.Add(maxWait),
		ShardID:   primary,
	}
	l.reservations.put(res)
	return res, nil
}

// ExecuteReservation consumes the reservation's tokens. It fails distinctly
// on unknown/expired/not-ready.
func (l *Limiter) ExecuteReservation(id string) (Result, ReservationOutcome) {
	res, ok := l.reservations.get(id)
	if !ok {
		return Result{}, ReservationNotFound
	}
	now := time.Now()
	if now.After(res.ExpiresAt) {
		l.reservations.remove(id)
		l.liftDrainIfEmpty(res.ShardID)
		return Result{ShardID: res.ShardID}, ReservationExpired
	}
	if now.Before(res.ExecuteAt) {
		return Result{ShardID: res.ShardID}, ReservationNotReady
	}
	shard := l.shards[res.ShardID]
	consume := shard.TryConsume(res.Count)
	l.reservations.remove(id)
	l.liftDrainIfEmpty(res.ShardID)
	return Result{Allowed: consume.Allowed, ShardID: res.ShardID, TokensRemaining: consume.TokensRemaining}, ReservationExecuted
}

// CancelReservation releases a reservation without consuming tokens.
func (l *Limiter) CancelReservation(id string) bool {
	res, ok := l.reservations.get(id)
	if ok {
		l.reservations.remove(id)
		l.liftDrainIfEmpty(res.ShardID)
	}
	return ok
}

// liftDrainIfEmpty clears a shard's drain-only flag once no reservation
// still references it, completing step (c) of the rebalance drain protocol:
// merge the drained shard back into normal service.
func (l *Limiter) liftDrainIfEmpty(shardID int) {
	shard := l.shards[shardID]
	if !shard.isReservationDrainOnly() {
		return
	}
	if l.reservations.countForShard(shardID) == 0 {
		shard.setReservationDrainOnly(false)
	}
}

// ShardSnapshot is one shard's state for status reporting.
type ShardSnapshot struct {
	ShardID  int
	Tokens   float64
	Capacity float64
	Calls    int64
}

// Status is the aggregate + per-shard snapshot returned by Status().
type Status struct {
	Shards          []ShardSnapshot
	ImbalanceRatio  float64
	AggregateTokens float64
}

// Status reports aggregate and per-shard state.
func (l *Limiter) Status() Status {
	snaps := make([]ShardSnapshot, len(l.shards))
	var aggregate float64
	var maxLoad, minLoad int64 = 0, math.MaxInt64
	for i, s := range l.shards {
		tokens, capacity := s.Snapshot()
		calls := s.Calls()
		snaps[i] = ShardSnapshot{ShardID: i, Tokens: tokens, Capacity: capacity, Calls: calls}
		aggregate += tokens
		if calls > maxLoad {
			maxLoad = calls
		}
		if calls < minLoad {
			minLoad = calls
		}
	}
	var imbalance float64
	avg := avgLoad(snaps)
	if avg > 0 {
		imbalance = float64(maxLoad-minLoad) / avg
	}
	return Status{Shards: snaps, ImbalanceRatio: imbalance, AggregateTokens: aggregate}
}

func avgLoad(snaps []ShardSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum int64
	for _, s := range snaps {
		sum += s.Calls
	}
	return float64(sum) / float64(len(snaps))
}

// Reset zeroes all shard token levels back to full capacity and clears
// reservations and call counters.
func (l *Limiter) Reset() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.tokens = s.capacity
		s.lastRefillAt = time.Now()
		s.approxTokens.Store(int64(s.tokens * tokenScale))
		s.mu.Unlock()
		s.ResetCalls()
	}
	l.reservations.mu.Lock()
	l.reservations.items = make(map[string]*Reservation)
	l.reservations.mu.Unlock()
}

// maybeRebalance checks imbalance every RebalanceEvery calls (on the call
// path, never on a timer). If imbalanced beyond threshold, it rotates both
// hash seeds and zeroes counters, following the drain protocol recommended
// for the source's adaptive-rebalance open question: (a) shards that
// currently hold a live reservation are marked read-only for new
// reservations before the seeds rotate, so Reserve() refuses new
// reservations on a shard mid-drain instead of piling onto it; (b) already-issued
// reservations keep executing against their original ShardID regardless of
// the flag; (c) ExecuteReservation/CancelReservation lift the flag once a
// drained shard's last reservation is gone, merging it back into normal
// rotation. New TryAcquire/Acquire routing is unaffected by the flag — only
// Reserve honors it, since token-bucket consumption has no notion of
// "in-flight" state to drain.
func (l *Limiter) maybeRebalance() {
	n := l.callsSinceRebalance.Add(1)
	if n%l.cfg.RebalanceEvery != 0 {
		return
	}
	if !l.rebalanceMu.TryLock() {
		return
	}
	defer l.rebalanceMu.Unlock()

	status := l.Status()
	if status.ImbalanceRatio <= l.cfg.RebalanceThreshold {
		return
	}

	for i, s := range l.shards {
		if l.reservations.countForShard(i) > 0 {
			s.setReservationDrainOnly(true)
		}
	}

	// Rotate both seeds (new odd multipliers keep distribution well-mixed)
	// and reset call counters so imbalance is measured afresh under the new
	// routing.
	l.seed1.Store(l.seed1.Load()*2654435761 + 1)
	l.seed2.Store(l.seed2.Load()*2654435761 + 1)
	for _, s := range l.shards {
		s.ResetCalls()
	}
	if l.sink != nil {
		l.sink.Collect(errs.New(errs.CategoryDegraded, "ratelimit.rebalance",
			"rebalanced: imbalance=%.2f threshold=%.2f", status.ImbalanceRatio, l.cfg.RebalanceThreshold).WithSeverity(errs.SeverityLow))
	}
}

// String implements fmt.Stringer for debug logging.
func (l *Limiter) String() string {
	return fmt.Sprintf("ratelimit.Limiter{shards=%d rate=%.1f/%s}", len(l.shards), l.cfg.Rate, l.cfg.Period)
}
