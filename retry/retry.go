package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/transfer"
)

/* Recovery runs between two attempts when Match accepts the error of the
 * previous one, for example to reopen a channel after the device re-enumerated */
type Recovery struct {
	Match   func(err error) bool
	Recover func(ctx context.Context, err error) error
}

type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	/* Nil means transfer.IsRetryable */
	Retryable  func(err error) bool
	Recoveries []Recovery

	Sleep   func(ctx context.Context, d time.Duration) error
	LogFunc func(format string, params ...any)
}

/* State tracks one logical operation */
type State struct {
	AttemptsMade int
	MaxAttempts  int
	Delay        time.Duration
	LastError    error
}

var ErrorNoAttempts = errors.New("retry policy allows no attempts")

func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay:       delay,
	}
}

func (p Policy) log(format string, params ...any) {
	if p.LogFunc != nil {
		p.LogFunc(format, params...)
	}
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return transfer.IsRetryable(err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return transfer.Sleep(ctx, d)
}

func (p Policy) recover(ctx context.Context, err error) error {
	for _, m := range p.Recoveries {
		if m.Match == nil || m.Match(err) {
			return m.Recover(ctx, err)
		}
	}
	return nil
}

/* Run calls op until it succeeds, fails with a non retryable error or the
 * attempts are used up. The error of the last attempt is returned as is. */
func (p Policy) Run(ctx context.Context, op func(ctx context.Context) error) (State, error) {
	s := State{
		MaxAttempts: p.MaxAttempts,
		Delay:       p.Delay,
	}
	if s.MaxAttempts < 1 {
		return s, ErrorNoAttempts
	}

	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		s.AttemptsMade++
		s.LastError = op(ctx)
		if s.LastError == nil {
			return s, nil
		}

		if !p.retryable(s.LastError) {
			return s, s.LastError
		}
		if s.AttemptsMade >= s.MaxAttempts {
			p.log("giving up after %d attempts: %v", s.AttemptsMade, s.LastError)
			return s, s.LastError
		}

		p.log("attempt %d/%d failed: %v", s.AttemptsMade, s.MaxAttempts, s.LastError)

		if err := p.sleep(ctx, s.Delay); err != nil {
			return s, err
		}
		if err := p.recover(ctx, s.LastError); err != nil {
			return s, errors.Wrap(err, "recovery failed")
		}
	}
}

func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := p.Run(ctx, op)
	return err
}

/* Value is Do for operations that produce a result */
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

/* Poll asks check up to count times until it reports success. Every error
 * from check counts as "not ready yet". */
func Poll(ctx context.Context, count int, delay time.Duration, check func(ctx context.Context) error) error {
	p := Policy{
		MaxAttempts: count,
		Delay:       delay,
		Retryable:   func(error) bool { return true },
	}
	return p.Do(ctx, check)
}
