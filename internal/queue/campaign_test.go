package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCampaign(t *testing.T) {
	c := NewCampaign("id", "s", "b", 10, []Contact{
		{Email: "a@x.com", DisplayName: "Ann"},
		{Email: "b@x.com"},
	}, testNow)

	assert.Equal(t, StateIdle, c.RunState)
	assert.Equal(t, 2, c.Total())
	assert.Equal(t, 2, c.PendingCount)
	assert.Equal(t, "Ann", c.Recipients[0].DisplayName)
	for _, r := range c.Recipients {
		assert.Equal(t, RecipientPending, r.Status)
		assert.Zero(t, r.Attempts)
	}
	require.NoError(t, c.CheckCounters())
}

func TestCampaignMarkOnce(t *testing.T) {
	c := NewCampaign("id", "s", "b", 10, contacts("a@x.com", "b@x.com", "c@x.com"), testNow)
	at := testNow.Add(time.Minute)

	assert.True(t, c.markSent(0, at))
	assert.False(t, c.markSent(0, at), "sent recipients never go back")
	assert.False(t, c.markFailed(0, at, "late"))

	assert.True(t, c.markFailed(1, at, "bounced"))
	assert.False(t, c.markSent(1, at))

	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 1, c.PendingCount)
	assert.Equal(t, 1, c.Recipients[0].Attempts)
	assert.Equal(t, "bounced", c.Recipients[1].LastError)
	require.NotNil(t, c.LastSentAt)
	require.NoError(t, c.CheckCounters())
}

func TestCampaignNextPending(t *testing.T) {
	c := NewCampaign("id", "s", "b", 10, contacts("a@x.com", "b@x.com", "c@x.com", "d@x.com"), testNow)
	c.markSent(0, testNow)
	c.markFailed(2, testNow, "x")

	assert.Equal(t, []int{1, 3}, c.nextPending(5))
	assert.Equal(t, []int{1}, c.nextPending(1))
}

func TestCampaignStatus(t *testing.T) {
	c := NewCampaign("id", "s", "b", 4, contacts("a@x.com", "b@x.com", "c@x.com"), testNow)
	c.markSent(0, testNow)

	st := c.Status()
	assert.InDelta(t, 33.33, st.ProgressPercent, 0.01)
	assert.Zero(t, st.EstimatedHoursRemaining, "only estimated while running")
	assert.Equal(t, "33.3%", formatProgress(c))

	c.RunState = StateRunning
	assert.Equal(t, 1, c.Status().EstimatedHoursRemaining)
}

func TestHoursFor(t *testing.T) {
	assert.Equal(t, 0, hoursFor(0, 10))
	assert.Equal(t, 1, hoursFor(10, 10))
	assert.Equal(t, 2, hoursFor(11, 10))
	assert.Equal(t, 0, hoursFor(5, 0))
}
