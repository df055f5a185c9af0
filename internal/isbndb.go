package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

const _isbndbHost = "api2.isbndb.com"

// ISBNdb is the last-resort catalog for ISBN lookups. It requires an API
// key; with no key configured every call fails auth_missing and the
// orchestrator simply skips the provider.
type ISBNdb struct {
	client  *http.Client
	secrets SecretSource
}

// NewISBNdb returns a client pinned to the ISBNdb host. The free tier
// allows one request per second.
func NewISBNdb(secrets SecretSource) *ISBNdb {
	return &ISBNdb{
		client:  NewUpstream(_isbndbHost, 1),
		secrets: secrets,
	}
}

type isbndbBookResponse struct {
	Book isbndbBook `json:"book"`
}

type isbndbBook struct {
	Title         string   `json:"title"`
	TitleLong     string   `json:"title_long"`
	ISBN          string   `json:"isbn"`
	ISBN13        string   `json:"isbn13"`
	Publisher     string   `json:"publisher"`
	DatePublished string   `json:"date_published"`
	Pages         int      `json:"pages"`
	Binding       string   `json:"binding"`
	Image         string   `json:"image"`
	Synopsis      string   `json:"synopsis"`
	Subjects      []string `json:"subjects"`
	Authors       []string `json:"authors"`
	Language      string   `json:"language"`
	Edition       string   `json:"edition"`
}

// GetByISBN fetches one book record.
func (db *ISBNdb) GetByISBN(ctx context.Context, isbn string) (*isbndbBook, error) {
	key := db.secrets.Secret("ISBNDB_API_KEY")
	if key == "" {
		return nil, upstreamErr(ProviderISBNdb, kindAuthMissing, errors.New("ISBNDB_API_KEY is not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, _catalogDeadline)
	defer cancel()

	u := "https://" + _isbndbHost + "/book/" + url.PathEscape(isbn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, upstreamErr(ProviderISBNdb, kindTransport, err)
	}
	req.Header.Set("Authorization", key)

	resp, err := db.client.Do(req)
	if err != nil {
		return nil, transportErr(ProviderISBNdb, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTP(ProviderISBNdb, resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr(ProviderISBNdb, err)
	}
	out := &isbndbBookResponse{}
	if err := sonic.Unmarshal(body, out); err != nil {
		return nil, upstreamErr(ProviderISBNdb, kindInvalidResponse, fmt.Errorf("decoding book: %w", err))
	}
	if out.Book.Title == "" && out.Book.ISBN13 == "" {
		return nil, upstreamErr(ProviderISBNdb, kindInvalidResponse, errors.New("empty book record"))
	}
	return &out.Book, nil
}
