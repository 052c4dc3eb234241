package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayDoubles(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 60*time.Second, p.Delay(1))
	assert.Equal(t, 120*time.Second, p.Delay(2))
	assert.Equal(t, 240*time.Second, p.Delay(3))
	assert.Equal(t, 480*time.Second, p.Delay(4))
	assert.Equal(t, 960*time.Second, p.Delay(5))
}

func TestRetryDelayCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 24*time.Hour, p.Delay(20))
}

func TestRetryExhaustion(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.False(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

func TestSubscriptionMatching(t *testing.T) {
	sub := &Subscription{Active: true, EventTypes: []string{"CLAIM_ADDED"}, Sources: []string{"home"}}
	assert.True(t, sub.Matches("CLAIM_ADDED", "home"))
	assert.False(t, sub.Matches("CLAIM_ADDED", "capital"))
	assert.False(t, sub.Matches("EVIDENCE_ADDED", "home"))

	wildcard := &Subscription{Active: true}
	assert.True(t, wildcard.Matches("ANYTHING", "anywhere"))

	inactive := &Subscription{Active: false}
	assert.False(t, inactive.Matches("CLAIM_ADDED", "home"))
}

func TestSignRoundTrip(t *testing.T) {
	body := []byte(`{"event_id":"evt-1"}`)
	sig := Sign("secret", body)
	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`{}`), sig))
}
