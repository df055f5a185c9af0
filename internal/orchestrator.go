package internal

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"
)

// _missing marks a key whose full provider chain returned NotFound, so
// repeat lookups don't burn upstream quota re-discovering that.
var (
	_missing    = []byte("_missing")
	_missingTTL = 24 * time.Hour
)

// Catalog client surfaces, narrowed to what the orchestrator calls so
// tests can fake providers without a network.
type googleCatalog interface {
	SearchByTitle(ctx context.Context, title string, maxResults int) (*gbVolumesResponse, error)
	SearchByAuthor(ctx context.Context, author string, limit, offset int) (*gbVolumesResponse, error)
	SearchByISBN(ctx context.Context, isbn string) (*gbVolumesResponse, error)
	Search(ctx context.Context, query string, maxResults int) (*gbVolumesResponse, error)
}

type openLibCatalog interface {
	SearchByTitle(ctx context.Context, title string, maxResults int) (*olSearchResponse, error)
	SearchByAuthor(ctx context.Context, author string, limit, offset int) (*olSearchResponse, error)
	Search(ctx context.Context, query string, maxResults int) (*olSearchResponse, error)
	GetByISBN(ctx context.Context, isbn string) (*olEdition, error)
	CoverURL(coverID int, size string) string
}

type isbndbCatalog interface {
	GetByISBN(ctx context.Context, isbn string) (*isbndbBook, error)
}

// Orchestrator owns the cache-first, chain-fallback read path. It is the
// only component that talks to catalog providers during a request.
type Orchestrator struct {
	google  googleCatalog
	openlib openLibCatalog
	isbndb  isbndbCatalog

	cache   *LayeredCache
	sink    *AnalyticsSink
	metrics *providerMetrics

	group       singleflight.Group
	maxUpstream int64
}

// NewOrchestrator wires the read path. maxUpstream bounds provider calls
// per logical request; zero takes the default of 50.
func NewOrchestrator(google googleCatalog, openlib openLibCatalog, isbndb isbndbCatalog, cache *LayeredCache, sink *AnalyticsSink, metrics *providerMetrics, maxUpstream int64) *Orchestrator {
	if maxUpstream <= 0 {
		maxUpstream = 50
	}
	return &Orchestrator{
		google:      google,
		openlib:     openlib,
		isbndb:      isbndb,
		cache:       cache,
		sink:        sink,
		metrics:     metrics,
		maxUpstream: maxUpstream,
	}
}

// budget counts upstream calls within one logical request. Exhausting it
// is a bug surfaced loudly rather than silent unbounded fan-out.
type budget struct {
	remaining atomic.Int64
}

func newBudget(n int64) *budget {
	b := &budget{}
	b.remaining.Store(n)
	return b
}

func (b *budget) spend() error {
	if b.remaining.Add(-1) < 0 {
		return apiErr(CodeUpstreamBudget, "upstream call budget exhausted")
	}
	return nil
}

// rateSkips remembers providers that rate limited us during one job so
// later items skip them instead of hammering a throttled upstream.
type rateSkips struct {
	mu        sync.Mutex
	providers map[Provider]struct{}
}

type rateSkipsKey struct{}

// WithRateSkips arms provider skip tracking on the context. Pipeline
// drivers use it; a single request never makes enough calls to need it.
func WithRateSkips(ctx context.Context) context.Context {
	return context.WithValue(ctx, rateSkipsKey{}, &rateSkips{providers: map[Provider]struct{}{}})
}

func skipsFrom(ctx context.Context) *rateSkips {
	s, _ := ctx.Value(rateSkipsKey{}).(*rateSkips)
	return s
}

func (s *rateSkips) skipped(p Provider) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.providers[p]
	return ok
}

func (s *rateSkips) mark(p Provider) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p] = struct{}{}
}

// callUpstream runs one provider call against the budget and records its
// outcome.
func callUpstream[T any](ctx context.Context, o *Orchestrator, b *budget, p Provider, endpoint string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	skips := skipsFrom(ctx)
	if skips.skipped(p) {
		return zero, upstreamErr(p, kindRateLimited, errors.New("provider rate limited earlier in this job"))
	}
	if err := b.spend(); err != nil {
		return zero, err
	}

	start := time.Now()
	v, err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = kindOf(err).String()
	}
	if o.metrics != nil {
		o.metrics.observe(p, outcome, elapsed)
	}
	if o.sink != nil {
		o.sink.Record(Event{Endpoint: endpoint, Tier: string(p), Kind: EventProvider, LatencyMS: elapsed.Milliseconds()})
	}
	if err != nil {
		if kindOf(err) == kindRateLimited {
			skips.mark(p)
		}
		Log(ctx).Debug("provider call failed", "provider", p, "kind", kindOf(err), "err", err)
	}
	return v, err
}

// chainErr collapses a dead chain's errors into one response. Budget
// exhaustion keeps its own code; everything else is PROVIDER_ERROR.
func chainErr(errs []error) error {
	for _, err := range errs {
		var ae *apiError
		if errors.As(err, &ae) && ae.Code == CodeUpstreamBudget {
			return ae
		}
	}
	return apiErr(CodeProviderError, "all providers failed")
}

// fetched is the singleflight-shared result of one cache miss.
type fetched struct {
	data        []byte
	source      string
	providers   []string
	unavailable []string
}

// lookupCached decodes a cache hit into the canonical payload. The bool
// reports whether the key was present at all; a negative entry comes back
// as a NotFound error with cached metadata.
func lookupCached[T any](ctx context.Context, o *Orchestrator, key string) (*T, Metadata, bool, error) {
	res, ok := o.cache.Lookup(ctx, key)
	if !ok {
		return nil, Metadata{}, false, nil
	}
	if bytes.Equal(res.Value, _missing) {
		meta := newMetadata("none", true)
		return nil, meta, true, apiErr(CodeNotFound, "no provider recognizes this query")
	}

	var wrapped cachedPayload
	if err := sonic.Unmarshal(res.Value, &wrapped); err != nil {
		// A corrupt entry is as good as a miss; drop it so it can heal.
		_ = o.cache.Delete(ctx, key)
		return nil, Metadata{}, false, nil
	}
	payload := new(T)
	if err := sonic.Unmarshal(wrapped.Data, payload); err != nil {
		_ = o.cache.Delete(ctx, key)
		return nil, Metadata{}, false, nil
	}

	meta := newMetadata(wrapped.Source, true)
	meta.Providers = wrapped.Providers
	meta.Unavailable = wrapped.Unavailable
	return payload, meta, true, nil
}

// writeThrough stores the canonical payload under key with the endpoint's
// fuzzed TTL.
func (o *Orchestrator) writeThrough(ctx context.Context, key string, f *fetched) {
	wrapped, err := sonic.Marshal(cachedPayload{
		Source:      f.source,
		Providers:   f.providers,
		Unavailable: f.unavailable,
		Data:        f.data,
	})
	if err != nil {
		Log(ctx).Warn("problem encoding cache payload", "key", key, "err", err)
		return
	}
	o.cache.Set(ctx, key, wrapped, fuzz(EndpointTTL(endpointOf(key)), 1.1))
}

func metaFor(f *fetched) Metadata {
	meta := newMetadata(f.source, false)
	meta.Providers = f.providers
	meta.Unavailable = f.unavailable
	return meta
}

// SearchTitle serves title search: cache, then Google Books, then Open
// Library on failure or empty results.
func (o *Orchestrator) SearchTitle(ctx context.Context, query string, maxResults int) (*SearchResponse, Metadata, error) {
	key := CacheKey(EndpointTitleSearch, map[string]string{
		"title":      query,
		"maxresults": strconv.Itoa(maxResults),
	})
	if payload, meta, ok, err := lookupCached[SearchResponse](ctx, o, key); ok {
		return payload, meta, err
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		b := newBudget(o.maxUpstream)
		var works []Work
		var providers, unavailable []string
		var errs []error
		source := ""

		gres, gerr := callUpstream(ctx, o, b, ProviderGoogleBooks, EndpointTitleSearch, func(ctx context.Context) (*gbVolumesResponse, error) {
			return o.google.SearchByTitle(ctx, query, maxResults)
		})
		switch {
		case gerr == nil:
			providers = append(providers, string(ProviderGoogleBooks))
			source = string(ProviderGoogleBooks)
			for _, item := range gres.Items {
				works = append(works, normalizeGoogleToWork(item))
			}
		case kindOf(gerr) == kindAuthMissing:
			unavailable = append(unavailable, string(ProviderGoogleBooks))
		default:
			errs = append(errs, gerr)
		}

		if len(works) == 0 {
			ores, oerr := callUpstream(ctx, o, b, ProviderOpenLibrary, EndpointTitleSearch, func(ctx context.Context) (*olSearchResponse, error) {
				return o.openlib.SearchByTitle(ctx, query, maxResults)
			})
			switch {
			case oerr == nil:
				providers = append(providers, string(ProviderOpenLibrary))
				if len(ores.Docs) > 0 {
					source = string(ProviderOpenLibrary)
				}
				for _, doc := range ores.Docs {
					works = append(works, normalizeOLDocToWork(doc, o.openlib.CoverURL(doc.CoverID, "L")))
				}
			case kindOf(oerr) == kindAuthMissing:
				unavailable = append(unavailable, string(ProviderOpenLibrary))
			default:
				errs = append(errs, oerr)
			}
		}

		if len(providers) == 0 && len(errs) > 0 {
			return nil, chainErr(errs)
		}

		works = finishWorks(works)
		if len(works) > maxResults {
			works = works[:maxResults]
		}
		resp := SearchResponse{Query: query, Results: works, TotalResults: len(works)}
		data, merr := sonic.Marshal(resp)
		if merr != nil {
			return nil, merr
		}
		if source == "" {
			source = "none"
		}

		f := &fetched{data: data, source: source, providers: providers, unavailable: unavailable}
		o.writeThrough(ctx, key, f)
		return f, nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}

	f := v.(*fetched)
	resp := &SearchResponse{}
	if err := sonic.Unmarshal(f.data, resp); err != nil {
		return nil, Metadata{}, err
	}
	return resp, metaFor(f), nil
}

// SearchAuthor serves author bibliographies with the same chain as title
// search.
func (o *Orchestrator) SearchAuthor(ctx context.Context, author string, limit, offset int, sortBy string) (*Bibliography, Metadata, error) {
	key := CacheKey(EndpointAuthorSearch, map[string]string{
		"author": author,
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
		"sortby": sortBy,
	})
	if payload, meta, ok, err := lookupCached[Bibliography](ctx, o, key); ok {
		return payload, meta, err
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		b := newBudget(o.maxUpstream)
		var works []Work
		var providers, unavailable []string
		var errs []error
		source := ""

		gres, gerr := callUpstream(ctx, o, b, ProviderGoogleBooks, EndpointAuthorSearch, func(ctx context.Context) (*gbVolumesResponse, error) {
			return o.google.SearchByAuthor(ctx, author, limit, offset)
		})
		switch {
		case gerr == nil:
			providers = append(providers, string(ProviderGoogleBooks))
			source = string(ProviderGoogleBooks)
			for _, item := range gres.Items {
				works = append(works, normalizeGoogleToWork(item))
			}
		case kindOf(gerr) == kindAuthMissing:
			unavailable = append(unavailable, string(ProviderGoogleBooks))
		default:
			errs = append(errs, gerr)
		}

		if len(works) == 0 {
			ores, oerr := callUpstream(ctx, o, b, ProviderOpenLibrary, EndpointAuthorSearch, func(ctx context.Context) (*olSearchResponse, error) {
				return o.openlib.SearchByAuthor(ctx, author, limit, offset)
			})
			switch {
			case oerr == nil:
				providers = append(providers, string(ProviderOpenLibrary))
				if len(ores.Docs) > 0 {
					source = string(ProviderOpenLibrary)
				}
				for _, doc := range ores.Docs {
					works = append(works, normalizeOLDocToWork(doc, o.openlib.CoverURL(doc.CoverID, "L")))
				}
			case kindOf(oerr) == kindAuthMissing:
				unavailable = append(unavailable, string(ProviderOpenLibrary))
			default:
				errs = append(errs, oerr)
			}
		}

		if len(providers) == 0 && len(errs) > 0 {
			return nil, chainErr(errs)
		}

		works = finishWorks(works)
		sortWorks(works, sortBy)
		if len(works) > limit {
			works = works[:limit]
		}
		bib := Bibliography{
			Author:       author,
			Works:        works,
			TotalResults: len(works),
			Limit:        limit,
			Offset:       offset,
			SortBy:       sortBy,
		}
		data, merr := sonic.Marshal(bib)
		if merr != nil {
			return nil, merr
		}
		if source == "" {
			source = "none"
		}

		f := &fetched{data: data, source: source, providers: providers, unavailable: unavailable}
		o.writeThrough(ctx, key, f)
		return f, nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}

	f := v.(*fetched)
	bib := &Bibliography{}
	if err := sonic.Unmarshal(f.data, bib); err != nil {
		return nil, Metadata{}, err
	}
	return bib, metaFor(f), nil
}

// AdvancedQuery is the multi-field search input.
type AdvancedQuery struct {
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	ISBN       string `json:"isbn,omitempty"`
	Query      string `json:"query,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

func (q AdvancedQuery) empty() bool {
	return q.Title == "" && q.Author == "" && q.ISBN == "" && q.Query == ""
}

// SearchAdvanced combines the structured fields into one query. An ISBN
// field short-circuits into the ISBN chain.
func (o *Orchestrator) SearchAdvanced(ctx context.Context, q AdvancedQuery) (*SearchResponse, Metadata, error) {
	if q.ISBN != "" {
		book, meta, err := o.LookupISBN(ctx, q.ISBN)
		if err != nil {
			return nil, meta, err
		}
		return &SearchResponse{
			Query:        q.ISBN,
			Results:      []Work{book.Work},
			TotalResults: 1,
		}, meta, nil
	}

	key := CacheKey(EndpointAdvancedSearch, map[string]string{
		"title":      q.Title,
		"author":     q.Author,
		"query":      q.Query,
		"maxresults": strconv.Itoa(q.MaxResults),
	})
	if payload, meta, ok, err := lookupCached[SearchResponse](ctx, o, key); ok {
		return payload, meta, err
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		b := newBudget(o.maxUpstream)
		var works []Work
		var providers, unavailable []string
		var errs []error
		source := ""

		gres, gerr := callUpstream(ctx, o, b, ProviderGoogleBooks, EndpointAdvancedSearch, func(ctx context.Context) (*gbVolumesResponse, error) {
			return o.google.Search(ctx, googleAdvancedQuery(q), q.MaxResults)
		})
		switch {
		case gerr == nil:
			providers = append(providers, string(ProviderGoogleBooks))
			source = string(ProviderGoogleBooks)
			for _, item := range gres.Items {
				works = append(works, normalizeGoogleToWork(item))
			}
		case kindOf(gerr) == kindAuthMissing:
			unavailable = append(unavailable, string(ProviderGoogleBooks))
		default:
			errs = append(errs, gerr)
		}

		if len(works) == 0 {
			ores, oerr := callUpstream(ctx, o, b, ProviderOpenLibrary, EndpointAdvancedSearch, func(ctx context.Context) (*olSearchResponse, error) {
				return o.openlib.Search(ctx, openLibAdvancedQuery(q), q.MaxResults)
			})
			switch {
			case oerr == nil:
				providers = append(providers, string(ProviderOpenLibrary))
				if len(ores.Docs) > 0 {
					source = string(ProviderOpenLibrary)
				}
				for _, doc := range ores.Docs {
					works = append(works, normalizeOLDocToWork(doc, o.openlib.CoverURL(doc.CoverID, "L")))
				}
			case kindOf(oerr) == kindAuthMissing:
				unavailable = append(unavailable, string(ProviderOpenLibrary))
			default:
				errs = append(errs, oerr)
			}
		}

		if len(providers) == 0 && len(errs) > 0 {
			return nil, chainErr(errs)
		}

		works = finishWorks(works)
		if len(works) > q.MaxResults {
			works = works[:q.MaxResults]
		}
		resp := SearchResponse{Query: strings.TrimSpace(q.Title + " " + q.Author + " " + q.Query), Results: works, TotalResults: len(works)}
		data, merr := sonic.Marshal(resp)
		if merr != nil {
			return nil, merr
		}
		if source == "" {
			source = "none"
		}

		f := &fetched{data: data, source: source, providers: providers, unavailable: unavailable}
		o.writeThrough(ctx, key, f)
		return f, nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}

	f := v.(*fetched)
	resp := &SearchResponse{}
	if err := sonic.Unmarshal(f.data, resp); err != nil {
		return nil, Metadata{}, err
	}
	return resp, metaFor(f), nil
}

// LookupISBN walks the full chain: Google Books, Open Library, ISBNdb.
// NotFound surfaces only after every provider has said so, and is then
// cached negatively.
func (o *Orchestrator) LookupISBN(ctx context.Context, raw string) (*BookResult, Metadata, error) {
	isbn, err := CanonicalISBN(raw)
	if err != nil {
		return nil, Metadata{}, apiErr(CodeInvalidISBN, "ISBN must be 10 or 13 digits")
	}

	key := ISBNKey(isbn)
	if payload, meta, ok, cerr := lookupCached[BookResult](ctx, o, key); ok {
		return payload, meta, cerr
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		b := newBudget(o.maxUpstream)
		var work *Work
		var providers, unavailable []string
		var errs []error
		notFound := 0
		source := ""

		gres, gerr := callUpstream(ctx, o, b, ProviderGoogleBooks, EndpointISBN, func(ctx context.Context) (*gbVolumesResponse, error) {
			return o.google.SearchByISBN(ctx, isbn)
		})
		switch {
		case gerr == nil && len(gres.Items) > 0:
			providers = append(providers, string(ProviderGoogleBooks))
			source = string(ProviderGoogleBooks)
			w := normalizeGoogleToWork(gres.Items[0])
			work = &w
		case gerr == nil, kindOf(gerr) == kindNotFound:
			notFound++
		case kindOf(gerr) == kindAuthMissing:
			unavailable = append(unavailable, string(ProviderGoogleBooks))
		default:
			errs = append(errs, gerr)
		}

		if work == nil {
			oed, oerr := callUpstream(ctx, o, b, ProviderOpenLibrary, EndpointISBN, func(ctx context.Context) (*olEdition, error) {
				return o.openlib.GetByISBN(ctx, isbn)
			})
			switch {
			case oerr == nil:
				providers = append(providers, string(ProviderOpenLibrary))
				source = string(ProviderOpenLibrary)
				cover := ""
				if len(oed.Covers) > 0 {
					cover = o.openlib.CoverURL(oed.Covers[0], "L")
				}
				edition := normalizeOLEditionToEdition(*oed, cover)
				w := syntheticWork(edition, nil)
				if len(oed.Works) > 0 {
					w.OpenLibraryWorkID = strings.TrimPrefix(oed.Works[0].Key, "/works/")
				}
				work = &w
			case kindOf(oerr) == kindNotFound:
				notFound++
			case kindOf(oerr) == kindAuthMissing:
				unavailable = append(unavailable, string(ProviderOpenLibrary))
			default:
				errs = append(errs, oerr)
			}
		}

		if work == nil {
			book, ierr := callUpstream(ctx, o, b, ProviderISBNdb, EndpointISBN, func(ctx context.Context) (*isbndbBook, error) {
				return o.isbndb.GetByISBN(ctx, isbn)
			})
			switch {
			case ierr == nil:
				providers = append(providers, string(ProviderISBNdb))
				source = string(ProviderISBNdb)
				w := normalizeISBNdbToWork(*book)
				if len(w.Editions) > 0 {
					w.ISBNdbQuality = scoreEdition(w.Editions[0])
				}
				work = &w
			case kindOf(ierr) == kindNotFound:
				notFound++
			case kindOf(ierr) == kindAuthMissing:
				unavailable = append(unavailable, string(ProviderISBNdb))
			default:
				errs = append(errs, ierr)
			}
		}

		if work == nil {
			if notFound > 0 && len(errs) == 0 {
				// The whole chain said not-found; remember that.
				o.cache.Set(ctx, key, _missing, fuzz(_missingTTL, 1.1))
				return nil, apiErr(CodeNotFound, "no provider recognizes this ISBN")
			}
			return nil, chainErr(errs)
		}

		work.Editions = rankEditions(dedupeEditions(work.Editions))
		promoteEdition(work, isbn)
		o.coverThrough(ctx, isbn, work)
		result := BookResult{ISBN: isbn, Work: *work}
		data, merr := sonic.Marshal(result)
		if merr != nil {
			return nil, merr
		}

		f := &fetched{data: data, source: source, providers: providers, unavailable: unavailable}
		o.writeThrough(ctx, key, f)
		return f, nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}

	f := v.(*fetched)
	result := &BookResult{}
	if err := sonic.Unmarshal(f.data, result); err != nil {
		return nil, Metadata{}, err
	}
	return result, metaFor(f), nil
}

// Enrich fills in one book for a pipeline driver: Google Books primary,
// Open Library secondary filling holes, never overwriting. ISBNs reuse
// the cached chain.
func (o *Orchestrator) Enrich(ctx context.Context, title, author, isbn string) (*Work, error) {
	if isbn != "" {
		if canonical, err := CanonicalISBN(isbn); err == nil {
			book, _, err := o.LookupISBN(ctx, canonical)
			if err != nil {
				return nil, err
			}
			return &book.Work, nil
		}
	}
	if title == "" {
		return nil, apiErr(CodeInvalidRequest, "title or isbn is required")
	}

	b := newBudget(o.maxUpstream)
	var primary *Work
	var errs []error

	query := title
	if author != "" {
		query = `intitle:"` + title + `" inauthor:"` + author + `"`
	}
	gres, gerr := callUpstream(ctx, o, b, ProviderGoogleBooks, EndpointTitleSearch, func(ctx context.Context) (*gbVolumesResponse, error) {
		return o.google.Search(ctx, query, 3)
	})
	if gerr == nil && len(gres.Items) > 0 {
		w := normalizeGoogleToWork(gres.Items[0])
		primary = &w
	} else if gerr != nil && kindOf(gerr) != kindAuthMissing {
		errs = append(errs, gerr)
	}

	ores, oerr := callUpstream(ctx, o, b, ProviderOpenLibrary, EndpointTitleSearch, func(ctx context.Context) (*olSearchResponse, error) {
		return o.openlib.SearchByTitle(ctx, title, 3)
	})
	if oerr == nil && len(ores.Docs) > 0 {
		w := normalizeOLDocToWork(ores.Docs[0], o.openlib.CoverURL(ores.Docs[0].CoverID, "L"))
		if primary == nil {
			primary = &w
		} else {
			merged := supplementWork(*primary, w)
			primary = &merged
		}
	} else if oerr != nil && kindOf(oerr) != kindAuthMissing {
		errs = append(errs, oerr)
	}

	if primary == nil {
		if len(errs) > 0 {
			return nil, chainErr(errs)
		}
		return nil, apiErr(CodeNotFound, "no provider recognizes this book")
	}
	primary.Editions = rankEditions(dedupeEditions(primary.Editions))
	return primary, nil
}

// coverThrough keeps cover URLs under their own long-lived key. A cover
// outlives the record that discovered it, so a later record arriving
// without one can be patched from cache.
func (o *Orchestrator) coverThrough(ctx context.Context, isbn string, w *Work) {
	key := CoverKey(isbn)
	if w.CoverImageURL != "" {
		o.cache.Set(ctx, key, []byte(w.CoverImageURL), fuzz(EndpointTTL(EndpointCover), 1.1))
		return
	}

	res, ok := o.cache.Lookup(ctx, key)
	if !ok || len(res.Value) == 0 {
		return
	}
	w.CoverImageURL = string(res.Value)
	for i := range w.Editions {
		if w.Editions[i].CoverImageURL == "" && (w.Editions[i].ISBN == isbn || slices.Contains(w.Editions[i].ISBNs, isbn)) {
			w.Editions[i].CoverImageURL = w.CoverImageURL
		}
	}
}

// finishWorks dedupes and ranks a merged provider result set.
func finishWorks(works []Work) []Work {
	works = dedupeWorks(works)
	for i := range works {
		works[i].Editions = rankEditions(dedupeEditions(works[i].Editions))
	}
	return works
}

// sortWorks orders a bibliography. Year sorting is oldest-first so a
// bibliography reads chronologically.
func sortWorks(works []Work, sortBy string) {
	switch sortBy {
	case "title":
		slices.SortStableFunc(works, func(a, b Work) int {
			return strings.Compare(normalizeValue(a.Title), normalizeValue(b.Title))
		})
	default: // publicationyear
		slices.SortStableFunc(works, func(a, b Work) int {
			return a.FirstPublicationYear - b.FirstPublicationYear
		})
	}
}

// promoteEdition moves the edition matching the looked-up ISBN to the
// front of the ranked list.
func promoteEdition(w *Work, isbn string) {
	for i, e := range w.Editions {
		if e.ISBN == isbn || slices.Contains(e.ISBNs, isbn) {
			if i > 0 {
				e := w.Editions[i]
				w.Editions = slices.Delete(w.Editions, i, i+1)
				w.Editions = slices.Insert(w.Editions, 0, e)
			}
			return
		}
	}
}

func googleAdvancedQuery(q AdvancedQuery) string {
	parts := []string{}
	if q.Title != "" {
		parts = append(parts, `intitle:"`+q.Title+`"`)
	}
	if q.Author != "" {
		parts = append(parts, `inauthor:"`+q.Author+`"`)
	}
	if q.Query != "" {
		parts = append(parts, q.Query)
	}
	return strings.Join(parts, " ")
}

func openLibAdvancedQuery(q AdvancedQuery) string {
	parts := []string{}
	if q.Title != "" {
		parts = append(parts, "title:"+q.Title)
	}
	if q.Author != "" {
		parts = append(parts, "author:"+q.Author)
	}
	if q.Query != "" {
		parts = append(parts, q.Query)
	}
	return strings.Join(parts, " ")
}
