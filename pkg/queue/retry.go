package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jdziat/projectsync/pkg/core"
)

// RetryPolicy bounds SendWithRetry.
type RetryPolicy struct {
	// MaxRetries is how many new jobs may be sent after the first one fails.
	MaxRetries int
	// InitialInterval and MaxInterval bound the exponential wait between sends.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PollInterval is how often the job's status is checked.
	PollInterval time.Duration
}

// DefaultRetryPolicy retries twice, starting one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		PollInterval:    500 * time.Millisecond,
	}
}

// SendWithRetry sends a job and waits for it. When the job fails or expires a
// new job is sent, up to policy.MaxRetries times. The dispatcher itself never
// retries; every attempt is a separate job with its own failure record.
//
// It returns the id of the last job sent. Cancellation by an operator is not
// retried.
func (q *Queue) SendWithRetry(ctx context.Context, name string, payload any, policy RetryPolicy, opts ...Option) (string, error) {
	exp := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		exp.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		exp.MaxInterval = policy.MaxInterval
	}
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(max(policy.MaxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	var lastID string
	attempt := 0
	op := func() error {
		attempt++
		id, err := q.Send(ctx, name, payload, opts...)
		if err != nil {
			return backoff.Permanent(err)
		}
		lastID = id

		st, err := q.Wait(ctx, id, policy.PollInterval)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch st.State {
		case core.StateCompleted:
			return nil
		case core.StateCancelled:
			return backoff.Permanent(fmt.Errorf("%w: %s", core.ErrJobCancelled, id))
		}
		q.logger.Warn("job attempt did not complete",
			"queue", name, "job_id", id, "status", st.State, "attempt", attempt, "error", st.LastError)
		return fmt.Errorf("jobs: job %s %s: %s", id, st.State, st.LastError)
	}

	err := backoff.Retry(op, b)
	return lastID, err
}
