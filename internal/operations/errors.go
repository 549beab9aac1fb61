package operations

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-avs/internal/domain"
	"github.com/ahrav/go-avs/internal/ratelimit"
	"github.com/ahrav/go-avs/pkg/activity"
)

// Application error types carried on Temporal errors returned by activities.
// Engine rejections use the domain.ErrorKind string as their type.
const (
	// ErrTypeRateLimited marks a retryable host-level throttle.
	ErrTypeRateLimited = "RateLimited"

	// ErrTypeTaskPending marks a settlement attempted before the task is
	// terminal. Retrying after the deadline succeeds.
	ErrTypeTaskPending = "TaskPending"
)

// fail logs err and converts it into a Temporal application error.
func (a *Activities) fail(ctx context.Context, name string, err error) error {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		activity.SafeLogError(ctx, name+" failed", "kind", kind, "error", err)
	} else {
		activity.SafeLog(ctx, name+" rejected", "kind", kind, "error", err)
	}
	return toApplicationError(name, err)
}

// toApplicationError maps engine and host errors onto Temporal retry semantics.
// Only throttling and early settlement are retryable.
func toApplicationError(name string, err error) error {
	msg := fmt.Sprintf("%s: %v", name, err)

	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return temporal.NewApplicationErrorWithCause(msg, ErrTypeRateLimited, err)
	case errors.Is(err, domain.ErrTaskPending):
		return temporal.NewApplicationErrorWithCause(msg, ErrTypeTaskPending, err)
	default:
		return nonRetryable(string(domain.KindOf(err)), err, msg)
	}
}

func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}
