package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

const (
	_googleBooksHost = "www.googleapis.com"

	// _catalogDeadline bounds every catalog provider call.
	_catalogDeadline = 5 * time.Second
)

// GoogleBooks is the primary catalog client. The API key is optional;
// keyless requests get a lower quota but the same data.
type GoogleBooks struct {
	client  *http.Client
	secrets SecretSource
}

// NewGoogleBooks returns a client pinned to the Books API host.
func NewGoogleBooks(secrets SecretSource) *GoogleBooks {
	return &GoogleBooks{
		client:  NewUpstream(_googleBooksHost, 10),
		secrets: secrets,
	}
}

// gbVolumesResponse mirrors the volumes list wire format.
type gbVolumesResponse struct {
	TotalItems int        `json:"totalItems"`
	Items      []gbVolume `json:"items"`
}

type gbVolume struct {
	ID         string       `json:"id"`
	VolumeInfo gbVolumeInfo `json:"volumeInfo"`
}

type gbVolumeInfo struct {
	Title               string                 `json:"title"`
	Subtitle            string                 `json:"subtitle"`
	Authors             []string               `json:"authors"`
	Publisher           string                 `json:"publisher"`
	PublishedDate       string                 `json:"publishedDate"`
	Description         string                 `json:"description"`
	IndustryIdentifiers []gbIndustryIdentifier `json:"industryIdentifiers"`
	PageCount           int                    `json:"pageCount"`
	Categories          []string               `json:"categories"`
	Language            string                 `json:"language"`
	ImageLinks          *gbImageLinks          `json:"imageLinks"`
}

type gbIndustryIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

type gbImageLinks struct {
	SmallThumbnail string `json:"smallThumbnail"`
	Thumbnail      string `json:"thumbnail"`
}

// SearchByTitle queries volumes by title.
func (gb *GoogleBooks) SearchByTitle(ctx context.Context, title string, maxResults int) (*gbVolumesResponse, error) {
	return gb.search(ctx, `intitle:"`+title+`"`, maxResults, 0, "")
}

// SearchByAuthor queries volumes by author, newest first.
func (gb *GoogleBooks) SearchByAuthor(ctx context.Context, author string, limit, offset int) (*gbVolumesResponse, error) {
	return gb.search(ctx, `inauthor:"`+author+`"`, limit, offset, "newest")
}

// SearchByISBN queries volumes by a normalized ISBN.
func (gb *GoogleBooks) SearchByISBN(ctx context.Context, isbn string) (*gbVolumesResponse, error) {
	return gb.search(ctx, "isbn:"+isbn, 10, 0, "")
}

// Search runs a raw volumes query, for advanced search.
func (gb *GoogleBooks) Search(ctx context.Context, query string, maxResults int) (*gbVolumesResponse, error) {
	return gb.search(ctx, query, maxResults, 0, "")
}

// GetVolume fetches one volume by its id.
func (gb *GoogleBooks) GetVolume(ctx context.Context, id string) (*gbVolume, error) {
	ctx, cancel := context.WithTimeout(ctx, _catalogDeadline)
	defer cancel()

	u := "https://" + _googleBooksHost + "/books/v1/volumes/" + url.PathEscape(id)
	volume := &gbVolume{}
	if err := gb.getJSON(ctx, u, volume); err != nil {
		return nil, err
	}
	return volume, nil
}

func (gb *GoogleBooks) search(ctx context.Context, q string, maxResults, offset int, orderBy string) (*gbVolumesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, _catalogDeadline)
	defer cancel()

	params := url.Values{}
	params.Set("q", q)
	params.Set("maxResults", strconv.Itoa(min(maxResults, 40)))
	if offset > 0 {
		params.Set("startIndex", strconv.Itoa(offset))
	}
	if orderBy != "" {
		params.Set("orderBy", orderBy)
	}
	if key := gb.secrets.Secret("GOOGLE_BOOKS_API_KEY"); key != "" {
		params.Set("key", key)
	}

	out := &gbVolumesResponse{}
	u := "https://" + _googleBooksHost + "/books/v1/volumes?" + params.Encode()
	if err := gb.getJSON(ctx, u, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (gb *GoogleBooks) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return upstreamErr(ProviderGoogleBooks, kindTransport, err)
	}

	resp, err := gb.client.Do(req)
	if err != nil {
		return transportErr(ProviderGoogleBooks, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTP(ProviderGoogleBooks, resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportErr(ProviderGoogleBooks, err)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return upstreamErr(ProviderGoogleBooks, kindInvalidResponse, fmt.Errorf("decoding volumes: %w", err))
	}
	return nil
}

// parseRetryAfter reads a Retry-After header as delay seconds, if any.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	s, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || s < 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
