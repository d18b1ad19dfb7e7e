package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/flashcore/transfer"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func TestExhaustion(t *testing.T) {
	rec := &sleepRecorder{}
	p := Fixed(5, 30*time.Millisecond)
	p.Sleep = rec.sleep

	failure := transfer.TimeoutError("write", nil)
	calls := 0

	state, err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return failure
	})

	assert.Equal(t, 5, calls)
	assert.Same(t, failure, err)
	assert.Equal(t, 5, state.AttemptsMade)
	assert.Equal(t, []time.Duration{30 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}, rec.delays)
}

func TestShortCircuit(t *testing.T) {
	rec := &sleepRecorder{}
	p := Fixed(5, time.Second)
	p.Sleep = rec.sleep
	p.Retryable = func(error) bool { return false }

	failure := errors.New("bad firmware")
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return failure
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, failure, err)
	assert.Empty(t, rec.delays)
}

func TestProtocolViolationNotRetried(t *testing.T) {
	p := Fixed(5, 0)
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transfer.ProtocolError("page end", "unexpected reply")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSucceedsLater(t *testing.T) {
	p := Fixed(5, 0)
	p.Sleep = (&sleepRecorder{}).sleep

	n, err := Value(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	calls := 0
	state, err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transfer.ShortWriteError("write", 8, 4)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, state.AttemptsMade)
	assert.LessOrEqual(t, state.AttemptsMade, state.MaxAttempts)
}

func TestRecovery(t *testing.T) {
	p := Fixed(3, 0)
	p.Sleep = (&sleepRecorder{}).sleep

	recovered := 0
	p.Recoveries = []Recovery{{
		Match: func(err error) bool {
			kind, _ := transfer.KindOf(err)
			return kind == transfer.KindDeviceNotReady
		},
		Recover: func(ctx context.Context, err error) error {
			recovered++
			return nil
		},
	}}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return transfer.NotReadyError("open", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	/* A failing recovery aborts the operation */
	p.Recoveries[0].Recover = func(ctx context.Context, err error) error {
		return errors.New("reopen failed")
	}
	calls = 0
	err = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transfer.NotReadyError("open", nil)
	})
	assert.ErrorContains(t, err, "reopen failed")
	assert.Equal(t, 1, calls)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Fixed(10, time.Hour)

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return transfer.TimeoutError("read", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPoll(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), 10, 0, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)

	_, err = Fixed(0, 0).Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrorNoAttempts)
}
