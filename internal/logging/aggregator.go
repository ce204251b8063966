package logging

import (
	"log/slog"
	"sync"
	"time"
)

type counterKey struct {
	component string
	event     string
}

type counter struct {
	n     int64
	attrs []slog.Attr // from the most recent Record call
}

// Aggregator turns high-frequency events (poll ticks, pane captures) into
// periodic summary lines. One "events_aggregated" record per component/event
// pair per flush window, instead of a log line per occurrence.
type Aggregator struct {
	out    *slog.Logger
	window time.Duration

	mu       sync.Mutex
	counters map[counterKey]*counter

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator builds an aggregator flushing every intervalSecs seconds.
// A nil out drops everything recorded.
func NewAggregator(out *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		out:      out,
		window:   time.Duration(intervalSecs) * time.Second,
		counters: make(map[counterKey]*counter),
		stop:     make(chan struct{}),
	}
}

// Start launches the flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		tick := time.NewTicker(a.window)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the flush loop and emits whatever is pending. Safe to call
// whether or not Start ran, and safe to call twice.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of component/event. Attrs replace those from
// the previous call, so the summary carries the freshest context.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := counterKey{component: component, event: event}
	c := a.counters[k]
	if c == nil {
		c = &counter{}
		a.counters[k] = c
	}
	c.n++
	if len(attrs) > 0 {
		c.attrs = attrs
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	pending := a.counters
	a.counters = make(map[counterKey]*counter)
	a.mu.Unlock()

	if a.out == nil || len(pending) == 0 {
		return
	}
	for k, c := range pending {
		args := []any{
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", c.n),
			slog.Int("window_seconds", int(a.window.Seconds())),
		}
		for _, attr := range c.attrs {
			args = append(args, attr)
		}
		a.out.Info("events_aggregated", args...)
	}
}
