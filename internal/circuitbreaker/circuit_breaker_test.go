package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink unavailable")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(config Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(config, testLogger())
	cb.now = clock.Now
	return cb, clock
}

func fail(context.Context) error    { return errSink }
func succeed(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sink", MaxFailures: 3, Cooldown: time.Second})

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), fail), errSink, "attempt %d", i)
	}
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "function must not run while open")

	m := cb.Metrics()
	assert.Equal(t, int64(1), m.TotalRejected)
	assert.Equal(t, int64(3), m.TotalFailures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sink", MaxFailures: 2})

	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), succeed)
	cb.Execute(context.Background(), fail)

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{name: "probe_succeeds", probe: succeed, want: StateClosed},
		{name: "probe_fails", probe: fail, want: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "sink", MaxFailures: 1, Cooldown: 10 * time.Second})
			cb.Execute(context.Background(), fail)

			clock.Advance(5 * time.Second)
			require.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen, "still cooling down")

			clock.Advance(6 * time.Second)
			cb.Execute(context.Background(), tt.probe)
			assert.Equal(t, tt.want, cb.State())
		})
	}
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "sink", MaxFailures: 1, Cooldown: time.Second, MaxProbes: 1})
	cb.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen, "second probe must be rejected")
	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sink", MaxFailures: 1})

	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCustomFailureClassifier(t *testing.T) {
	permanent := errors.New("bad payload")
	cb, _ := newTestBreaker(Config{
		Name:        "sink",
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, permanent) },
	})

	cb.Execute(context.Background(), func(context.Context) error { return permanent })
	assert.Equal(t, StateClosed, cb.State())

	cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestStateChangeCallback(t *testing.T) {
	changes := make(chan [2]State, 4)
	cb, _ := newTestBreaker(Config{
		Name:        "sink",
		MaxFailures: 1,
		OnStateChange: func(name string, from, to State) {
			changes <- [2]State{from, to}
		},
	})

	cb.Execute(context.Background(), fail)

	select {
	case got := <-changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, got)
	case <-time.After(time.Second):
		t.Fatal("Callback not invoked")
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	var calls int32
	cb, _ := newTestBreaker(Config{
		Name:        "sink",
		MaxFailures: 1,
		OnStateChange: func(string, State, State) {
			atomic.AddInt32(&calls, 1)
			panic("boom")
		},
	})

	cb.Execute(context.Background(), fail)
	cb.Reset()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
}

func TestConfigDefaultsAndCaps(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		maxFailures int
		cooldown    time.Duration
		maxProbes   int
	}{
		{name: "zero", config: Config{}, maxFailures: 5, cooldown: 30 * time.Second, maxProbes: 1},
		{name: "negative", config: Config{MaxFailures: -1, Cooldown: -time.Second, MaxProbes: -3}, maxFailures: 5, cooldown: 30 * time.Second, maxProbes: 1},
		{name: "too_high", config: Config{MaxFailures: 5000, Cooldown: time.Hour, MaxProbes: 500}, maxFailures: 1000, cooldown: 10 * time.Minute, maxProbes: 100},
		{name: "valid", config: Config{MaxFailures: 7, Cooldown: time.Minute, MaxProbes: 3}, maxFailures: 7, cooldown: time.Minute, maxProbes: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(tt.config, testLogger())
			assert.Equal(t, tt.maxFailures, cb.maxFailures)
			assert.Equal(t, tt.cooldown, cb.cooldown)
			assert.Equal(t, tt.maxProbes, cb.maxProbes)
			if tt.config.Name == "" {
				assert.Equal(t, "unnamed", cb.name)
			}
		})
	}
}

func TestConcurrentMetricsStayConsistent(t *testing.T) {
	cb := New(Config{Name: "sink", MaxFailures: 3, Cooldown: time.Millisecond, MaxProbes: 2}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%3 == 0 {
					cb.Execute(context.Background(), fail)
				} else {
					cb.Execute(context.Background(), succeed)
				}
			}
		}(i)
	}
	wg.Wait()

	m := cb.Metrics()
	assert.Equal(t, m.TotalFailures+m.TotalSuccesses, m.TotalRequests)
	assert.EqualValues(t, 1000, m.TotalRequests+m.TotalRejected)
}
