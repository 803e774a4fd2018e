package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashpipe/internal/breaker"
	"flashpipe/internal/cache"
	"flashpipe/internal/llm"
	"flashpipe/internal/ratelimit"
	"flashpipe/internal/retry"
)

func newTestPipelineContext(t *testing.T, fake *llm.Fake) *PipelineContext {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{Rate: 100000, Period: time.Second, BurstSize: 100000, MaxShards: 1}, nil)
	br := breaker.New(breaker.Config{FailureThreshold: 0.9, MinThroughput: 1000}, nil, nil)
	rc := retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)
	coord, err := cache.New(cache.Config{L1MaxEntries: 1000, L2RootDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(coord.Stop)

	return &PipelineContext{
		Limiter: limiter,
		Breaker: br,
		Retry:   rc,
		Cache:   coord,
		LLM:     fake,
	}
}

func itemsOfSize(n int, sameTerm bool) []VocabularyItem {
	items := make([]VocabularyItem, n)
	for i := 0; i < n; i++ {
		term := "term"
		if !sameTerm {
			term = term + string(rune('a'+i%26))
		}
		items[i] = VocabularyItem{Position: i + 1, Term: term, Type: "noun"}
	}
	return items
}

func TestOrderPreservationUnderConcurrency(t *testing.T) {
	fake := &llm.Fake{}
	pctx := newTestPipelineContext(t, fake)
	o := New(pctx, Config{Concurrency: 5})

	items := itemsOfSize(20, false)
	res, err := o.Run(context.Background(), items, nil)
	require.NoError(t, err)
	require.False(t, res.Cancelled)
	require.Len(t, res.Results, 20)
	for i, r := range res.Results {
		assert.Equal(t, i+1, r.Position)
		assert.NoError(t, r.Err)
	}
}

func TestIdenticalItemsCollapseToSingleExternalCallPerStage(t *testing.T) {
	fake := &llm.Fake{}
	pctx := newTestPipelineContext(t, fake)
	o := New(pctx, Config{Concurrency: 10})

	items := itemsOfSize(10, true)
	res, err := o.Run(context.Background(), items, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 10)

	assert.LessOrEqual(t, fake.NextCalls, 2)

	first := res.Results[0].FlashcardPayload
	for _, r := range res.Results {
		assert.NoError(t, r.Err)
		assert.Equal(t, first, r.FlashcardPayload)
	}

	stats := pctx.Cache.Stats()
	assert.GreaterOrEqual(t, stats.Hits, int64(9))
}

func TestFailedStageMarksItemFailedAndBatchContinues(t *testing.T) {
	fake := &llm.Fake{FailNext: assertionError{}}
	pctx := newTestPipelineContext(t, fake)
	o := New(pctx, Config{Concurrency: 1})

	items := itemsOfSize(3, false)
	res, err := o.Run(context.Background(), items, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Failed())
	assert.False(t, res.Results[1].Failed())
	assert.False(t, res.Results[2].Failed())
}

func TestCancellationEmitsCompletedPrefixOnly(t *testing.T) {
	fake := &llm.Fake{Latency: 50 * time.Millisecond}
	pctx := newTestPipelineContext(t, fake)
	o := New(pctx, Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	items := itemsOfSize(20, false)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := o.Run(ctx, items, nil)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Less(t, len(res.Results), 20)
	for i, r := range res.Results {
		assert.Equal(t, i+1, r.Position)
	}
}

func TestProgressCallbackReceivesFinalCompletedCount(t *testing.T) {
	fake := &llm.Fake{}
	pctx := newTestPipelineContext(t, fake)
	o := New(pctx, Config{Concurrency: 4, ProgressEvery: time.Millisecond})

	var last Progress
	items := itemsOfSize(8, false)
	_, err := o.Run(context.Background(), items, func(p Progress) { last = p })
	require.NoError(t, err)
	assert.Equal(t, int64(8), last.Completed)
}

// assertionError is a minimal error used to exercise the failure path
// without pulling in the errs taxonomy: it is not an *errs.Record, so
// retry.DefaultRetryOn treats it as non-retryable and the retry coordinator
// gives up immediately.
type assertionError struct{}

func (assertionError) Error() string { return "forced failure" }
