package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	mu    sync.Mutex
	calls []time.Duration
	count int64
	err   error
}

func (f *fakePurger) purge(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, olderThan)
	return f.count, f.err
}

func (f *fakePurger) PurgeOldProjects(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f.purge(ctx, olderThan)
}

func (f *fakePurger) PurgeSettledFacts(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f.purge(ctx, olderThan)
}

func (f *fakePurger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRunAllPurgesBothConcerns(t *testing.T) {
	projects := &fakePurger{count: 3}
	facts := &fakePurger{count: 1}
	svc := NewService(Config{
		ProjectRetention:   30 * 24 * time.Hour,
		FactAuditRetention: 7 * 24 * time.Hour,
		Interval:           time.Hour,
	}, projects, facts)

	svc.runAll(context.Background())

	require.Equal(t, 1, projects.callCount())
	assert.Equal(t, 30*24*time.Hour, projects.calls[0])
	require.Equal(t, 1, facts.callCount())
	assert.Equal(t, 7*24*time.Hour, facts.calls[0])
}

func TestRunAllSkipsDisabledConcerns(t *testing.T) {
	facts := &fakePurger{}
	svc := NewService(Config{
		FactAuditRetention: time.Hour,
		Interval:           time.Hour,
	}, nil, facts)

	svc.runAll(context.Background())
	assert.Equal(t, 1, facts.callCount())

	// Zero retention disables the concern even with a purger wired.
	svc = NewService(Config{Interval: time.Hour}, nil, facts)
	svc.runAll(context.Background())
	assert.Equal(t, 1, facts.callCount())
}

func TestRunAllSurvivesPurgerErrors(t *testing.T) {
	projects := &fakePurger{err: assert.AnError}
	facts := &fakePurger{count: 2}
	svc := NewService(Config{
		ProjectRetention:   time.Hour,
		FactAuditRetention: time.Hour,
		Interval:           time.Hour,
	}, projects, facts)

	svc.runAll(context.Background())
	assert.Equal(t, 1, projects.callCount())
	assert.Equal(t, 1, facts.callCount(), "a failing purger must not block the next one")
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	projects := &fakePurger{}
	svc := NewService(Config{
		ProjectRetention: time.Hour,
		Interval:         time.Hour,
	}, projects, nil)

	svc.Start(context.Background())
	assert.Eventually(t, func() bool {
		return projects.callCount() >= 1
	}, time.Second, 10*time.Millisecond)

	svc.Stop()

	// Idempotent.
	svc.Stop()
}
