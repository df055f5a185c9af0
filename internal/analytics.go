package internal

import (
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is a single analytics observation. Emission is sampled and never
// blocks the request path; under pressure events are dropped, not queued.
type Event struct {
	Endpoint  string
	Tier      string
	Kind      string // hit | miss | set | request | provider
	LatencyMS int64
	ClientIP  string // Must already be anonymized.
	At        time.Time
}

// Event kinds.
const (
	EventHit      = "hit"
	EventMiss     = "miss"
	EventSet      = "set"
	EventRequest  = "request"
	EventProvider = "provider"
)

// AnalyticsSink aggregates events off the request path. Producers write
// into a small channel; a buffer smooths spikes between the producers and
// the single aggregation goroutine so bursts don't stack up goroutines.
type AnalyticsSink struct {
	producer chan Event
	sampling map[string]float64

	mu     sync.Mutex
	since  time.Time
	totals map[string]*endpointStats

	dropped atomic.Int64
	events  *prometheus.CounterVec
	drops   prometheus.Counter
	done    chan struct{}

	randFloat func() float64 // Swapped in tests.
}

type endpointStats struct {
	Requests   int64 `json:"requests"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Sets       int64 `json:"sets"`
	Providers  int64 `json:"providerCalls"`
	latencySum int64
	latencyN   int64
}

// AnalyticsReport is the JSON view served by the metrics endpoint.
type AnalyticsReport struct {
	Since     string                    `json:"since"`
	PeriodS   int64                     `json:"periodSeconds"`
	Dropped   int64                     `json:"droppedEvents"`
	Endpoints map[string]EndpointReport `json:"endpoints"`
}

// EndpointReport summarizes one endpoint.
type EndpointReport struct {
	Requests      int64   `json:"requests"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	ProviderCalls int64   `json:"providerCalls"`
	AvgLatencyMS  float64 `json:"avgLatencyMs"`
}

// NewAnalyticsSink creates a sink. sampling maps endpoint to the fraction
// of events recorded (1.0 when absent).
func NewAnalyticsSink(sampling map[string]float64, reg *prometheus.Registry) *AnalyticsSink {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "analytics",
			Name:      "events_total",
			Help:      "Sampled analytics events by endpoint and kind.",
		},
		[]string{"endpoint", "kind"},
	)
	drops := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "analytics",
			Name:      "dropped_total",
			Help:      "Events dropped because the sink was saturated.",
		},
	)
	if reg != nil {
		reg.MustRegister(events, drops)
	}

	s := &AnalyticsSink{
		producer:  make(chan Event, 64),
		sampling:  sampling,
		since:     time.Now(),
		totals:    map[string]*endpointStats{},
		events:    events,
		drops:     drops,
		done:      make(chan struct{}),
		randFloat: rand.Float64,
	}
	go s.run()
	return s
}

// Record submits an event, applying the endpoint's sampling rate. It
// never blocks: a saturated sink drops the event and counts the drop.
func (s *AnalyticsSink) Record(e Event) {
	if rate, ok := s.sampling[e.Endpoint]; ok && s.randFloat() >= rate {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.producer <- e:
	default:
		s.dropped.Add(1)
		s.drops.Inc()
	}
}

// run drains events through an accumulating buffer into the aggregate.
func (s *AnalyticsSink) run() {
	for e := range accumulate(s.producer, &slicebuffer[Event]{}) {
		s.events.WithLabelValues(e.Endpoint, e.Kind).Inc()

		s.mu.Lock()
		st, ok := s.totals[e.Endpoint]
		if !ok {
			st = &endpointStats{}
			s.totals[e.Endpoint] = st
		}
		switch e.Kind {
		case EventHit:
			st.Hits++
		case EventMiss:
			st.Misses++
		case EventSet:
			st.Sets++
		case EventRequest:
			st.Requests++
		case EventProvider:
			st.Providers++
		}
		if e.LatencyMS > 0 {
			st.latencySum += e.LatencyMS
			st.latencyN++
		}
		s.mu.Unlock()
	}
	close(s.done)
}

// Snapshot returns the current aggregate view.
func (s *AnalyticsSink) Snapshot() AnalyticsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := AnalyticsReport{
		Since:     s.since.UTC().Format(time.RFC3339),
		PeriodS:   int64(time.Since(s.since).Seconds()),
		Dropped:   s.dropped.Load(),
		Endpoints: map[string]EndpointReport{},
	}
	for endpoint, st := range s.totals {
		r := EndpointReport{
			Requests:      st.Requests,
			Hits:          st.Hits,
			Misses:        st.Misses,
			Sets:          st.Sets,
			ProviderCalls: st.Providers,
		}
		if st.latencyN > 0 {
			r.AvgLatencyMS = float64(st.latencySum) / float64(st.latencyN)
		}
		report.Endpoints[endpoint] = r
	}
	return report
}

// Close stops the sink after draining buffered events.
func (s *AnalyticsSink) Close() {
	close(s.producer)
	<-s.done
}

// AnonymizeIP zeroes the host portion of an address: the last octet for
// IPv4, everything past the first 48 bits for IPv6. Unparseable input
// comes back as "unknown".
func AnonymizeIP(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return "unknown"
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	masked := make(net.IP, len(ip))
	copy(masked, ip)
	for i := 6; i < len(masked); i++ {
		masked[i] = 0
	}
	return masked.String()
}

// accumulate reads values produced into an in-memory buffer and returns a
// channel providing them for consumption. This smooths out spikes in
// activity without holding producers hostage to the consumer's pace.
func accumulate[T any](producer <-chan T, buf *slicebuffer[T]) <-chan T {
	c := make(chan T)

	go func() {
		for {
			// If the buffer is empty the consumer<- arm no-ops until
			// something is produced.
			var consumer chan T
			var next T
			if t, ok := buf.peek(); ok {
				consumer = c
				next = t
			}

			select {
			case val, ok := <-producer:
				if !ok {
					// Flush what's left, then close.
					for {
						t, ok := buf.peek()
						if !ok {
							break
						}
						c <- t
						buf.pop()
					}
					close(c)
					return
				}
				buf.push(val)
			case consumer <- next:
				buf.pop()
			}
		}
	}()

	return c
}

// slicebuffer is a simple FIFO slice buffer. It is not thread safe.
type slicebuffer[T any] []T

func (s *slicebuffer[T]) pop() T {
	ss := (*s)[0]
	*s = (*s)[1:]
	return ss
}

func (s *slicebuffer[T]) push(t T) {
	*s = append(*s, t)
}

func (s *slicebuffer[T]) peek() (T, bool) {
	if s == nil || len(*s) == 0 {
		var t T
		return t, false
	}
	return (*s)[0], true
}
