package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/chronoretrace/internal/models"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingBroadcaster) BroadcastToTopic(topic string, _ any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return 1
}

func (r *recordingBroadcaster) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.topics))
	copy(out, r.topics)
	return out
}

func TestQuoteTopic(t *testing.T) {
	assert.Equal(t, "stock.SH600000.1d", QuoteTopic("sh600000", "1d"))
	assert.Equal(t, "stock.SZ000001.1m", QuoteTopic("SZ000001", "1m"))
}

func TestPublisherDeliversEvents(t *testing.T) {
	rb := &recordingBroadcaster{}
	p := NewPublisher(rb, 8)
	p.Start()
	defer p.Close()

	require.True(t, p.Publish(QuoteEvent{Code: "sh600000", Interval: "1d", Quote: models.Quote{Symbol: "sh600000", Price: 10.5}}))
	require.True(t, p.Publish(QuoteEvent{Code: "sz000001", Quote: models.Quote{Symbol: "sz000001"}})) // interval defaults to 1d

	require.Eventually(t, func() bool { return p.Published() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"stock.SH600000.1d", "stock.SZ000001.1d"}, rb.seen())
}

func TestPublisherDiscardsWhenFull(t *testing.T) {
	rb := &recordingBroadcaster{}
	p := NewPublisher(rb, 1)
	// Not started: the queue never drains.

	assert.True(t, p.Publish(QuoteEvent{Code: "a"}))
	assert.False(t, p.Publish(QuoteEvent{Code: "b"}))
	assert.Equal(t, uint64(1), p.Discarded())

	p.Start()
	p.Close()
}

func TestPublisherCloseDrainsQueue(t *testing.T) {
	rb := &recordingBroadcaster{}
	p := NewPublisher(rb, 8)
	p.Start()

	for i := 0; i < 5; i++ {
		require.True(t, p.Publish(QuoteEvent{Code: "sh600000", Interval: "1d"}))
	}
	p.Close()

	assert.Equal(t, uint64(5), p.Published())
	assert.False(t, p.Publish(QuoteEvent{Code: "late"}))
}
