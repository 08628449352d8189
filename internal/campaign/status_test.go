package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusReady},
		{StatusDraft, StatusCancelled},
		{StatusReady, StatusSending},
		{StatusReady, StatusScheduled},
		{StatusReady, StatusCancelled},
		{StatusScheduled, StatusSending},
		{StatusScheduled, StatusReady},
		{StatusScheduled, StatusCancelled},
		{StatusSending, StatusSent},
		{StatusSending, StatusCompleted},
		{StatusSending, StatusCancelled},
		{StatusSent, StatusCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	rejected := []struct{ from, to Status }{
		{StatusDraft, StatusSending}, // drafts must pass through ready/scheduled
		{StatusDraft, StatusScheduled},
		{StatusDraft, StatusSent},
		{StatusCompleted, StatusSending},
		{StatusCancelled, StatusReady},
		{StatusSent, StatusSending},
		{StatusSending, StatusDraft},
	}
	for _, tc := range rejected {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestCheckTransitionNamesThePair(t *testing.T) {
	err := CheckTransition(StatusDraft, StatusSending)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "draft -> sending")

	var te *TransitionError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, StatusDraft, te.From)
	assert.Equal(t, StatusSending, te.To)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusDraft.Terminal())
	assert.False(t, StatusSending.Terminal())
}
