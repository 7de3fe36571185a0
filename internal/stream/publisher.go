package stream

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// QuoteEvent is one quote update headed for subscribers.
type QuoteEvent struct {
	Code     string       `json:"code"`
	Interval string       `json:"interval"`
	Quote    models.Quote `json:"quote"`
}

// Publisher turns quote events into topic broadcasts. It holds only
// the Broadcaster surface of the hub, so data sources never see
// session internals.
type Publisher struct {
	broadcaster Broadcaster
	events      chan QuoteEvent

	published atomic.Uint64
	discarded atomic.Uint64

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher buffers up to queueSize pending events.
func NewPublisher(b Broadcaster, queueSize int) *Publisher {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Publisher{
		broadcaster: b,
		events:      make(chan QuoteEvent, queueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the single consumer goroutine. Call once.
func (p *Publisher) Start() {
	go p.loop()
}

// Close stops the consumer after draining queued events.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.done
}

// Publish offers an event without blocking. Returns false when the
// queue is full or the publisher is shut down; the event is discarded
// and counted.
func (p *Publisher) Publish(ev QuoteEvent) bool {
	select {
	case <-p.stopCh:
		p.discarded.Add(1)
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	default:
		p.discarded.Add(1)
		log.Debug().Str("code", ev.Code).Msg("publisher queue full, quote event discarded")
		return false
	}
}

// Published returns how many events reached the hub.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Discarded returns how many events were dropped before the hub.
func (p *Publisher) Discarded() uint64 { return p.discarded.Load() }

func (p *Publisher) loop() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.events:
			p.deliver(ev)
		case <-p.stopCh:
			for {
				select {
				case ev := <-p.events:
					p.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(ev QuoteEvent) {
	interval := ev.Interval
	if interval == "" {
		interval = "1d"
	}
	topic := QuoteTopic(ev.Code, interval)
	p.broadcaster.BroadcastToTopic(topic, ev.Quote)
	p.published.Add(1)
}
