package errs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesSeverityFromCategory(t *testing.T) {
	r := New(CategorySystem, "db.pool.acquire", "disk full")
	assert.Equal(t, SeverityHigh, r.Severity)
	assert.True(t, r.Recoverable == false)
}

func TestWrapNeverReclassifies(t *testing.T) {
	inner := New(CategoryTransient, "llm.call", "dial tcp: %s", "timeout")
	outer := Wrap(inner, CategoryPermanent, "pipeline.stage1")
	require.Equal(t, CategoryTransient, outer.Category, "Wrap must not reclassify a lower layer's category")
	assert.Contains(t, outer.Context, "enriched_at.pipeline.stage1")
}

func TestFingerprintStableForIdenticalInputs(t *testing.T) {
	a := New(CategoryTransient, "loc", "msg %d", 1)
	time.Sleep(time.Millisecond)
	b := New(CategoryTransient, "loc", "msg %d", 1)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		cat    Category
		sev    Severity
	}{
		{401, CategoryPermanent, SeverityCritical},
		{403, CategoryPermanent, SeverityCritical},
		{400, CategoryPermanent, SeverityMedium},
		{422, CategoryPermanent, SeverityMedium},
		{429, CategoryTransient, SeverityMedium},
		{500, CategoryTransient, SeverityHigh},
		{503, CategoryTransient, SeverityHigh},
	}
	for _, c := range cases {
		cat, sev := ClassifyHTTPStatus(c.status)
		assert.Equalf(t, c.cat, cat, "status %d", c.status)
		assert.Equalf(t, c.sev, sev, "status %d", c.status)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	r := Wrap(cause, CategoryTransient, "x")
	assert.ErrorIs(t, r, cause)
}
