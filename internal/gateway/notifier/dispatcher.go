package notifier

import (
	"context"
	"sync"
	"time"

	"signalcartel/internal/logger"
)

// Dispatcher queues alerts and delivers them from a single goroutine to
// every text channel and publisher. Notify never blocks; a full queue drops
// the alert.
type Dispatcher struct {
	queue      chan Alert
	texts      []TextNotifier
	publishers []Publisher
	timeout    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	dropped int
}

func NewDispatcher(buffer int, timeout time.Duration, texts []TextNotifier, publishers []Publisher) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:      make(chan Alert, buffer),
		texts:      texts,
		publishers: publishers,
		timeout:    timeout,
		now:        time.Now,
	}
}

func (d *Dispatcher) Notify(a Alert) {
	if a.At.IsZero() {
		a.At = d.now()
	}
	select {
	case d.queue <- a:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		logger.Debugf("Notifier: queue full, dropped %s alert %q", a.Kind, a.Title)
	}
}

// Dropped counts alerts lost to a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers queued alerts until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), d.timeout)
			for {
				select {
				case a := <-d.queue:
					d.deliver(drain, a)
				default:
					cancel()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if len(d.texts) > 0 {
		text := MessageFor(a).RenderMarkdown()
		for _, n := range d.texts {
			if err := n.SendText(ctx, text); err != nil {
				logger.Warnf("Notifier: text delivery of %s failed: %v", a.Kind, err)
			}
		}
	}
	for _, p := range d.publishers {
		if err := p.Publish(ctx, a); err != nil {
			logger.Warnf("Notifier: publish of %s failed: %v", a.Kind, err)
		}
	}
}
