package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheKeyDeterministic(t *testing.T) {
	t.Parallel()

	a := CacheKey(EndpointTitleSearch, map[string]string{"title": "Dune", "maxresults": "20"})
	b := CacheKey(EndpointTitleSearch, map[string]string{"maxresults": "20", "title": "Dune"})
	assert.Equal(t, a, b)
	assert.Equal(t, "search:title:maxresults=20&title=dune", a)
}

func TestCacheKeyNormalizesValues(t *testing.T) {
	t.Parallel()

	messy := CacheKey(EndpointTitleSearch, map[string]string{"Title": "  The   Hobbit "})
	clean := CacheKey(EndpointTitleSearch, map[string]string{"title": "the hobbit"})
	assert.Equal(t, clean, messy)
}

func TestCacheKeyNoParams(t *testing.T) {
	t.Parallel()

	assert.Equal(t, EndpointTitleSearch, CacheKey(EndpointTitleSearch, nil))
}

func TestISBNKeyNormalizes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ISBNKey("9780306406157"), ISBNKey("978-0-306-40615-7"))
	assert.Equal(t, "book:isbn:9780306406157", ISBNKey("978 0 306 40615 7"))
}

func TestEndpointTTL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 6*time.Hour, EndpointTTL(EndpointTitleSearch))
	assert.Equal(t, 6*time.Hour, EndpointTTL(EndpointAuthorSearch))
	assert.Equal(t, 6*time.Hour, EndpointTTL(EndpointAdvancedSearch))
	assert.Equal(t, 365*24*time.Hour, EndpointTTL(EndpointISBN))
	assert.Equal(t, 365*24*time.Hour, EndpointTTL(EndpointCover))

	// Unknown endpoints get the conservative default.
	assert.Equal(t, 6*time.Hour, EndpointTTL("nope"))
}

func TestEndpointOf(t *testing.T) {
	t.Parallel()

	key := CacheKey(EndpointAuthorSearch, map[string]string{"author": "le guin"})
	assert.Equal(t, EndpointAuthorSearch, endpointOf(key))
	assert.Equal(t, EndpointISBN, endpointOf(ISBNKey("9780306406157")))
}

func TestColdIndexKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cold-index:book:isbn:9780306406157", coldIndexKey(ISBNKey("9780306406157")))
}

func TestFuzzBounds(t *testing.T) {
	t.Parallel()

	base := time.Hour
	upper := time.Duration(float64(base) * 1.1)
	for range 100 {
		d := fuzz(base, 1.1)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, upper)
	}
}
