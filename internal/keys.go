package internal

import (
	"slices"
	"strings"
	"time"
)

// Cache endpoints. Keys are provider-agnostic: the same logical query
// always maps to the same key no matter which providers served it.
const (
	EndpointTitleSearch    = "search:title"
	EndpointAuthorSearch   = "search:author"
	EndpointAdvancedSearch = "search:advanced"
	EndpointISBN           = "book:isbn"
	EndpointCover          = "cover"
)

// Warm-tier TTLs by endpoint. ISBNs and covers are immutable for
// practical purposes; title/author results drift as providers re-rank.
var _endpointTTL = map[string]time.Duration{
	EndpointTitleSearch:    6 * time.Hour,
	EndpointAuthorSearch:   6 * time.Hour,
	EndpointAdvancedSearch: 6 * time.Hour,
	EndpointISBN:           365 * 24 * time.Hour,
	EndpointCover:          365 * 24 * time.Hour,
}

// _coldIndexTTL bounds how long a cold-index pointer stays resolvable.
var _coldIndexTTL = 90 * 24 * time.Hour

// EndpointTTL returns the warm-tier TTL for an endpoint.
func EndpointTTL(endpoint string) time.Duration {
	if ttl, ok := _endpointTTL[endpoint]; ok {
		return ttl
	}
	return 6 * time.Hour
}

// CacheKey is the single source of truth for cache keys:
//
//	<endpoint>:<sorted k=v joined by '&'>
//
// Parameter keys are lowercased and sorted; values are whitespace-
// collapsed, trimmed, and lowercased. Nobody composes keys by hand; key
// drift between writers and readers is how caches rot.
func CacheKey(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	kvs := make([]string, 0, len(params))
	for k, v := range params {
		kvs = append(kvs, strings.ToLower(strings.TrimSpace(k))+"="+normalizeValue(v))
	}
	slices.Sort(kvs)
	return endpoint + ":" + strings.Join(kvs, "&")
}

// ISBNKey returns the key for a single-book lookup.
func ISBNKey(isbn string) string {
	return EndpointISBN + ":" + NormalizeISBN(strings.ToLower(isbn))
}

// CoverKey returns the key for cover metadata.
func CoverKey(isbn string) string {
	return EndpointCover + ":" + NormalizeISBN(strings.ToLower(isbn))
}

// coldIndexKey points from a logical key to its cold-tier object.
func coldIndexKey(key string) string {
	return "cold-index:" + key
}

// normalizeValue trims, collapses inner whitespace, and lowercases.
func normalizeValue(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// endpointOf recovers the endpoint prefix from a full key, for metrics.
func endpointOf(key string) string {
	for e := range _endpointTTL {
		if strings.HasPrefix(key, e+":") {
			return e
		}
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
