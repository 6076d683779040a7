package flush

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

type delayJob struct {
	id    string
	delay time.Duration
}

func (d delayJob) Process(ctx context.Context) (string, error) {
	select {
	case <-time.After(d.delay):
		return d.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestWorkerPoolDynamicDistribution(t *testing.T) {
	jobs := []delayJob{{id: "slow", delay: 500 * time.Millisecond}}
	for i := 0; i < 9; i++ {
		jobs = append(jobs, delayJob{id: "fast", delay: 50 * time.Millisecond})
	}

	pool := NewWorkerPool[delayJob](4, log.New(os.Stderr))
	start := time.Now()
	count := 0
	for res := range pool.Process(context.Background(), jobs, 2*time.Second) {
		assert.NoError(t, res.Error)
		count++
	}

	assert.Equal(t, len(jobs), count)
	// Fast jobs are shared by the idle workers while one handles the slow job.
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestWorkerPoolTimeout(t *testing.T) {
	pool := NewWorkerPool[delayJob](2, log.New(os.Stderr))
	results := pool.Process(context.Background(), []delayJob{{id: "stuck", delay: time.Second}}, 20*time.Millisecond)

	res := <-results
	assert.ErrorIs(t, res.Error, context.DeadlineExceeded)
	_, open := <-results
	assert.False(t, open)
}
