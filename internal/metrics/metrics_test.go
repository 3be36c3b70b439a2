package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if poolClaimsTotal == nil || hibernationsTotal == nil ||
		shadowBanTripsTotal == nil || webhookPostsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	ObserveClaim("queue")
	if val := testutil.ToFloat64(poolClaimsTotal); val != 1 {
		t.Errorf("expected poolClaimsTotal to be 1, got %f", val)
	}

	ObserveReactivations("warn", 3)
	if val := testutil.ToFloat64(reactivationsTotal); val != 3 {
		t.Errorf("expected reactivationsTotal to be 3, got %f", val)
	}

	// Zero reactivations must not create a sample.
	ObserveReactivations("banned", 0)
	if val := testutil.ToFloat64(reactivationsTotal); val != 3 {
		t.Errorf("zero reactivation recorded, total = %f", val)
	}
}
