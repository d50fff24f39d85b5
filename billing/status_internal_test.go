package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flipRecorder records the guard flips the engine asks the store for.
type flipRecorder struct {
	Tx
	billing []string
	payout  []string
}

func (r *flipRecorder) UpdateBillingStatus(_ context.Context, ids []string, from, to BillingStatus) (int64, error) {
	r.billing = append(r.billing, string(from)+"->"+string(to))
	return int64(len(ids)), nil
}

func (r *flipRecorder) UpdateAppointmentPayoutStatus(_ context.Context, ids []string, from, to AppointmentPayoutStatus) (int64, error) {
	r.payout = append(r.payout, string(from)+"->"+string(to))
	return int64(len(ids)), nil
}

func TestGuardMoves_FollowTransitionFunctions(t *testing.T) {
	ctx := context.Background()
	rec := &flipRecorder{}
	ids := []string{"a1", "a2"}

	for _, step := range []struct {
		from BillingStatus
		ev   GuardEvent
	}{
		{BillingPending, GuardClaim},
		{BillingInvoiced, GuardSettle},
		{BillingInvoiced, GuardRelease},
	} {
		moved, err := moveBilling(ctx, rec, ids, step.from, step.ev)
		require.NoError(t, err)
		assert.Equal(t, int64(2), moved)
	}
	for _, step := range []struct {
		from AppointmentPayoutStatus
		ev   GuardEvent
	}{
		{PayoutPending, GuardClaim},
		{PayoutScheduled, GuardSettle},
		{PayoutScheduled, GuardRelease},
	} {
		_, err := movePayout(ctx, rec, ids, step.from, step.ev)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"pending->invoiced", "invoiced->paid", "invoiced->pending"}, rec.billing)
	assert.Equal(t, []string{"pending->scheduled", "scheduled->paid", "scheduled->pending"}, rec.payout)
}

func TestGuardMoves_RejectedEventTouchesNothing(t *testing.T) {
	ctx := context.Background()
	rec := &flipRecorder{}

	_, err := moveBilling(ctx, rec, []string{"a1"}, BillingPaid, GuardRelease)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = movePayout(ctx, rec, []string{"a1"}, PayoutPending, GuardSettle)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Empty(t, rec.billing)
	assert.Empty(t, rec.payout)
}
