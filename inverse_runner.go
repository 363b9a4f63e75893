package saga

import (
	"context"
	"time"
)

// DefaultRetrySchedule is the compensation retry schedule used when none is
// configured.
var DefaultRetrySchedule = RetrySchedule{
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// RetrySchedule lists the delays between compensation attempts. Once the
// list is exhausted its last delay repeats forever. An empty schedule
// retries without delay.
type RetrySchedule []time.Duration

// Delay returns the delay before the given retry (1 for the first retry).
func (r RetrySchedule) Delay(retry int) time.Duration {
	if retry <= 0 || len(r) == 0 {
		return 0
	}
	if retry > len(r) {
		return r[len(r)-1]
	}
	return r[retry-1]
}

// runInverse drives one compensation to success.
//
// Replayed history is consumed first: an inverse entry for this step means
// it was already compensated, any other entry is a past failed attempt. Once
// history is exhausted the compensation is invoked until it succeeds; every
// failure is logged as an ex entry carrying an InverseError. The only way
// out besides success is an abort from emit or sleep.
func runInverse(
	ctx context.Context,
	inv Inverse,
	history EventLogIterator,
	schedule RetrySchedule,
	emit func(context.Context, EventLog) error,
	sleep func(context.Context, time.Duration) error,
) error {
	retries := 0
	for {
		entry, ok, err := history.Next(ctx)
		if err != nil {
			return err
		}
		if ok {
			if entry.matches(KindInverse, inv.Name, inv.StepIndex) {
				return nil
			}
			retries++
			continue
		}

		if retries > 0 {
			if err := sleep(ctx, schedule.Delay(retries)); err != nil {
				return err
			}
		}

		invErr := safeInverse(ctx, inv)
		if invErr == nil {
			return emit(ctx, InverseLog(inv.Name, inv.StepIndex))
		}
		retries++
		if err := emit(ctx, ExLog(inv.Name, inv.StepIndex, newInverseError(inv.Name, inv.StepIndex, invErr))); err != nil {
			return err
		}
	}
}

func safeInverse(ctx context.Context, inv Inverse) (err error) {
	if inv.Fn == nil {
		return nil
	}
	defer recoverInto(&err)
	return inv.Fn(ctx)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
