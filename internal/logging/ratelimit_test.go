package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRatePolicy(t *testing.T) {
	cases := map[string]RatePolicy{
		"":             RatePassthrough,
		"passthrough":  RatePassthrough,
		"backpressure": RateBackpressure,
		"drop":         RateDrop,
		"ignore":       RateIgnore,
	}
	for in, want := range cases {
		got, err := ParseRatePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseRatePolicyRejectsUnknown(t *testing.T) {
	_, err := ParseRatePolicy("throttle")
	assert.Error(t, err)
}

func TestParseRateLimitSuffixes(t *testing.T) {
	cases := map[string]int64{
		"":     0,
		"512":  512,
		"1K":   1024,
		"2M":   2 * 1024 * 1024,
		"1G":   1024 * 1024 * 1024,
		"1T":   1024 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseRateLimit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseRateLimitRejectsGarbage(t *testing.T) {
	_, err := ParseRateLimit("lots")
	assert.Error(t, err)
}

func newTestLimiter(policy RatePolicy, bytesPerSec int64, start time.Time) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: start}
	r := NewRateLimiter(policy, bytesPerSec)
	r.periodStart = start
	r.now = clock.Now
	r.sleep = clock.Sleep
	return r, clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Sleep(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestRateLimiterPassthroughAdmitsEverything(t *testing.T) {
	r, _ := newTestLimiter(RatePassthrough, 10, time.Now())
	assert.EqualValues(t, 1_000_000, r.Admit(1_000_000))
}

func TestRateLimiterDropDiscardsOverBudget(t *testing.T) {
	start := time.Now()
	r, _ := newTestLimiter(RateDrop, 100, start)

	assert.EqualValues(t, 100, r.Admit(100))
	assert.EqualValues(t, 0, r.Admit(50))
}

func TestRateLimiterDropResetsNextPeriod(t *testing.T) {
	start := time.Now()
	r, clock := newTestLimiter(RateDrop, 100, start)

	assert.EqualValues(t, 100, r.Admit(100))
	assert.EqualValues(t, 0, r.Admit(10))

	clock.t = start.Add(2 * period)
	assert.EqualValues(t, 10, r.Admit(10))
}

func TestRateLimiterBackpressureSleepsOutThePeriod(t *testing.T) {
	start := time.Now()
	r, clock := newTestLimiter(RateBackpressure, 100, start)

	assert.EqualValues(t, 100, r.Admit(100))

	before := clock.t
	admitted := r.Admit(50)
	assert.EqualValues(t, 50, admitted, "after sleeping out the exhausted period, the whole request is admitted")
	assert.True(t, clock.t.After(before), "Admit must sleep out the remainder of the period")

	// the next call lands in the fresh period Admit started while sleeping,
	// which already carries the 50 bytes admitted above.
	assert.EqualValues(t, 50, r.Admit(50))
}
