package internal

import (
	"net/http"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits outbound requests to one upstream.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// ScopedTransport restricts requests to a particular host.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

// RoundTrip forces the request to stick to the given host, so redirects
// can't send us elsewhere. Helpful to ensure credentials don't leak to
// other domains.
func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests. Best used with a
// ScopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

// RoundTrip always sets the header on the request.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// NewUpstream creates an http.Client pinned to one host with an optional
// per-host request rate.
func NewUpstream(host string, rps rate.Limit) *http.Client {
	var rt http.RoundTripper = ScopedTransport{
		Host:         host,
		RoundTripper: http.DefaultTransport,
	}
	if rps > 0 {
		rt = throttledTransport{
			Limiter:      rate.NewLimiter(rps, 1),
			RoundTripper: rt,
		}
	}
	return &http.Client{Transport: rt}
}
