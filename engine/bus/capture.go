package bus

import (
	"context"
	"errors"
	"sync"
)

// CapturePublisher records every published envelope. Test double.
type CapturePublisher struct {
	mu        sync.Mutex
	published []*Envelope
	topics    []string
}

func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{}
}

func (p *CapturePublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *env
	p.published = append(p.published, &cp)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *CapturePublisher) Close() error { return nil }

// Published returns copies of the captured envelopes in publish order.
func (p *CapturePublisher) Published() []*Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Envelope, len(p.published))
	copy(out, p.published)
	return out
}

// Topics returns the topics in publish order.
func (p *CapturePublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.topics))
	copy(out, p.topics)
	return out
}

// FlakyPublisher fails the first FailFirst publishes, then delegates to an
// inner CapturePublisher. Test double for retry and dead-letter paths.
type FlakyPublisher struct {
	Inner     *CapturePublisher
	FailFirst int

	mu       sync.Mutex
	attempts int
}

func NewFlakyPublisher(failFirst int) *FlakyPublisher {
	return &FlakyPublisher{Inner: NewCapturePublisher(), FailFirst: failFirst}
}

func (p *FlakyPublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	p.mu.Lock()
	p.attempts++
	n := p.attempts
	p.mu.Unlock()

	if n <= p.FailFirst {
		return errors.New("bus unreachable")
	}
	return p.Inner.Publish(ctx, topic, env)
}

func (p *FlakyPublisher) Close() error { return nil }

// Attempts returns the number of Publish calls seen so far.
func (p *FlakyPublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
