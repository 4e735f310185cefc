package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"fleetlink.org/internal/api"
)

func zeroPolicy(maxRetries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, &api.Error{Kind: api.KindNetwork, Message: "flaky"}
		}
		return "ok", nil
	}

	v, err := Retry(context.Background(), zeroPolicy(3), fn)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Fatalf("expected success on third attempt, got v=%v calls=%d", v, calls)
	}
}

func TestRetryStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return nil, &api.Error{Kind: api.KindAuthExpired}
	}

	_, err := Retry(context.Background(), zeroPolicy(3), fn)
	if api.KindOf(err) != api.KindAuthExpired {
		t.Fatalf("expected auth expiry to surface, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("authentication expiry must never be retried, got %d calls", calls)
	}
}

func TestRetryDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return nil, &api.Error{Kind: api.KindUpstream, Status: 404, Message: "not found"}
	}

	_, err := Retry(context.Background(), zeroPolicy(3), fn)
	if api.StatusOf(err) != 404 {
		t.Fatalf("expected 404 to surface, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("4xx answers must not be retried, got %d calls", calls)
	}
}

func TestRetrySurfacesLastErrorAfterExhaustion(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return nil, &api.Error{Kind: api.KindTimeout, Message: "slow"}
	}

	_, err := Retry(context.Background(), zeroPolicy(2), fn)
	if api.KindOf(err) != api.KindTimeout {
		t.Fatalf("expected last error after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", calls)
	}
}

func TestRetryServerErrorsAreTransient(t *testing.T) {
	if !transient(&api.Error{Kind: api.KindUpstream, Status: 503}) {
		t.Fatalf("5xx should be transient")
	}
	if transient(&api.Error{Kind: api.KindUpstream, Status: 409}) {
		t.Fatalf("4xx should be permanent")
	}
	if transient(errors.New("plain")) {
		t.Fatalf("unclassified errors should not be retried")
	}
}
