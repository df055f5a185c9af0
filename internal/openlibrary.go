package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"
)

const _openLibraryHost = "openlibrary.org"

// OpenLibrary is the keyless fallback catalog.
type OpenLibrary struct {
	client *http.Client
}

// NewOpenLibrary returns a client pinned to the Open Library host.
func NewOpenLibrary() *OpenLibrary {
	return &OpenLibrary{client: NewUpstream(_openLibraryHost, 5)}
}

// olSearchResponse mirrors /search.json.
type olSearchResponse struct {
	NumFound int     `json:"numFound"`
	Docs     []olDoc `json:"docs"`
}

type olDoc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	CoverID          int      `json:"cover_i"`
	Subject          []string `json:"subject"`
	Language         []string `json:"language"`
	PagesMedian      int      `json:"number_of_pages_median"`
	PublishDate      []string `json:"publish_date"`
	Publisher        []string `json:"publisher"`
}

// olEdition mirrors /isbn/{isbn}.json.
type olEdition struct {
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle"`
	Publishers     []string `json:"publishers"`
	PublishDate    string   `json:"publish_date"`
	NumberOfPages  int      `json:"number_of_pages"`
	ISBN10         []string `json:"isbn_10"`
	ISBN13         []string `json:"isbn_13"`
	PhysicalFormat string   `json:"physical_format"`
	Covers         []int    `json:"covers"`
	Works          []olRef  `json:"works"`
	Languages      []olRef  `json:"languages"`
}

type olRef struct {
	Key string `json:"key"`
}

// _olSearchFields trims search responses to what the normalizer reads.
const _olSearchFields = "key,title,author_name,first_publish_year,isbn,cover_i,subject,language,number_of_pages_median,publish_date,publisher"

// SearchByTitle queries works by title.
func (ol *OpenLibrary) SearchByTitle(ctx context.Context, title string, maxResults int) (*olSearchResponse, error) {
	params := url.Values{}
	params.Set("title", title)
	return ol.search(ctx, params, maxResults, 0)
}

// SearchByAuthor queries works by author.
func (ol *OpenLibrary) SearchByAuthor(ctx context.Context, author string, limit, offset int) (*olSearchResponse, error) {
	params := url.Values{}
	params.Set("author", author)
	return ol.search(ctx, params, limit, offset)
}

// Search runs a free-form query, for advanced search.
func (ol *OpenLibrary) Search(ctx context.Context, query string, maxResults int) (*olSearchResponse, error) {
	params := url.Values{}
	params.Set("q", query)
	return ol.search(ctx, params, maxResults, 0)
}

// GetByISBN fetches one edition record.
func (ol *OpenLibrary) GetByISBN(ctx context.Context, isbn string) (*olEdition, error) {
	ctx, cancel := context.WithTimeout(ctx, _catalogDeadline)
	defer cancel()

	edition := &olEdition{}
	u := "https://" + _openLibraryHost + "/isbn/" + url.PathEscape(isbn) + ".json"
	if err := ol.getJSON(ctx, u, edition); err != nil {
		return nil, err
	}
	return edition, nil
}

func (ol *OpenLibrary) search(ctx context.Context, params url.Values, limit, offset int) (*olSearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, _catalogDeadline)
	defer cancel()

	params.Set("fields", _olSearchFields)
	params.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	out := &olSearchResponse{}
	u := "https://" + _openLibraryHost + "/search.json?" + params.Encode()
	if err := ol.getJSON(ctx, u, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (ol *OpenLibrary) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return upstreamErr(ProviderOpenLibrary, kindTransport, err)
	}

	resp, err := ol.client.Do(req)
	if err != nil {
		return transportErr(ProviderOpenLibrary, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTP(ProviderOpenLibrary, resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportErr(ProviderOpenLibrary, err)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return upstreamErr(ProviderOpenLibrary, kindInvalidResponse, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// CoverURL builds the covers CDN URL for a cover id. size is S, M, or L.
func (ol *OpenLibrary) CoverURL(coverID int, size string) string {
	if coverID <= 0 {
		return ""
	}
	return fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-%s.jpg", coverID, size)
}
