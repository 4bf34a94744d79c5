package booksearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

const (
	defaultGoogleBooksBaseURL = "https://www.googleapis.com/books/v1"
	// PlaceholderThumbnail is used when a volume carries no cover image.
	PlaceholderThumbnail = "/placeholder.svg?height=200&width=150"
	unknownAuthor        = "Unknown Author"
)

// Searcher finds candidate books in an external catalog.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.CandidateBook, error)
}

// GoogleBooksClient queries the Google Books volumes API.
type GoogleBooksClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	group      singleflight.Group
}

// GoogleBooksOption customizes a GoogleBooksClient.
type GoogleBooksOption func(*GoogleBooksClient)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(baseURL string) GoogleBooksOption {
	return func(c *GoogleBooksClient) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) GoogleBooksOption {
	return func(c *GoogleBooksClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewGoogleBooksClient builds a client. The API key is optional; Google allows
// low-volume anonymous access.
func NewGoogleBooksClient(apiKey string, opts ...GoogleBooksOption) *GoogleBooksClient {
	c := &GoogleBooksClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultGoogleBooksBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Search returns up to limit candidates. Identical concurrent queries share one request.
func (c *GoogleBooksClient) Search(ctx context.Context, query string, limit int) ([]domain.CandidateBook, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.CandidateBook{}, nil
	}
	if limit <= 0 {
		limit = 5
	}
	key := strconv.Itoa(limit) + "|" + strings.ToLower(query)
	// The shared fetch outlives any single caller; the HTTP client timeout bounds it.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), query, limit)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: google books: %v", domain.ErrExternalService, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	shared := res.Val.([]domain.CandidateBook)
	out := make([]domain.CandidateBook, len(shared))
	copy(out, shared)
	return out, nil
}

func (c *GoogleBooksClient) fetch(ctx context.Context, query string, limit int) ([]domain.CandidateBook, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", strconv.Itoa(limit))
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/volumes?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build google books request: %v", domain.ErrExternalService, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: google books: %v", domain.ErrExternalService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("%w: google books: %s", domain.ErrExternalService, errResp.Error.Message)
		}
		return nil, fmt.Errorf("%w: google books: %s", domain.ErrExternalService, resp.Status)
	}
	var body volumesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode google books response: %v", domain.ErrExternalService, err)
	}
	out := make([]domain.CandidateBook, 0, min(limit, len(body.Items)))
	for _, item := range body.Items {
		if len(out) == limit {
			break
		}
		if strings.TrimSpace(item.VolumeInfo.Title) == "" {
			continue
		}
		out = append(out, candidateFromVolume(item.VolumeInfo))
	}
	return out, nil
}

func candidateFromVolume(v volumeInfo) domain.CandidateBook {
	title := strings.TrimSpace(v.Title)
	author := unknownAuthor
	if len(v.Authors) > 0 {
		author = strings.Join(v.Authors, ", ")
	}
	thumbnail := v.ImageLinks.Thumbnail
	if thumbnail == "" {
		thumbnail = PlaceholderThumbnail
	}
	return domain.CandidateBook{
		Source:       domain.SourceExternal,
		Title:        title,
		Author:       author,
		Year:         parseYear(v.PublishedDate),
		ISBN:         pickISBN(v.IndustryIdentifiers),
		ThumbnailURL: thumbnail,
		Description:  v.Description,
		AmazonLink:   AmazonSearchLink(title),
		AudibleLink:  AudibleSearchLink(title),
	}
}

// AmazonSearchLink returns an Amazon search URL for a title.
func AmazonSearchLink(title string) string {
	return "https://www.amazon.com/s?k=" + escapeComponent(title)
}

// AudibleSearchLink returns an Audible search URL for a title.
func AudibleSearchLink(title string) string {
	return "https://www.audible.com/search?keywords=" + escapeComponent(title)
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// parseYear reads the leading year of "2004", "2004-05" or "2004-05-01".
func parseYear(published string) *int {
	published = strings.TrimSpace(published)
	if len(published) < 4 {
		return nil
	}
	year, err := strconv.Atoi(published[:4])
	if err != nil || year <= 0 {
		return nil
	}
	return &year
}

func pickISBN(ids []industryIdentifier) string {
	var fallback string
	for _, id := range ids {
		switch id.Type {
		case "ISBN_13":
			return id.Identifier
		case "ISBN_10":
			if fallback == "" {
				fallback = id.Identifier
			}
		}
	}
	return fallback
}

type volumesResponse struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		ID         string     `json:"id"`
		VolumeInfo volumeInfo `json:"volumeInfo"`
	} `json:"items"`
}

type volumeInfo struct {
	Title               string               `json:"title"`
	Authors             []string             `json:"authors"`
	PublishedDate       string               `json:"publishedDate"`
	Description         string               `json:"description"`
	IndustryIdentifiers []industryIdentifier `json:"industryIdentifiers"`
	ImageLinks          struct {
		Thumbnail string `json:"thumbnail"`
	} `json:"imageLinks"`
}

type industryIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
