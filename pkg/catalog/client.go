package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/metrics"
)

const (
	DefaultBaseURL      = "https://api.themoviedb.org/3"
	DefaultImageBaseURL = "https://image.tmdb.org/t/p/w780"
	DefaultPreviewLimit = 5
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	ImageBaseURL string
	APIKey       string
	BearerToken  string
	Language     string
	Timeout      time.Duration
	RateLimit    float64 // requests per second, <= 0 disables pacing
	Burst        int

	// HTTPClient overrides the default client; its Timeout wins over Timeout.
	HTTPClient *http.Client
}

// Client talks to the remote movie catalog.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New creates a catalog client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = DefaultImageBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: newBreaker("catalog-api"),
	}
}

// ImageBaseURL is the prefix used for poster and backdrop URLs.
func (c *Client) ImageBaseURL() string { return c.cfg.ImageBaseURL }

// FetchCategory fetches one page of a listing category.
func (c *Client) FetchCategory(ctx context.Context, cat Category, page int) (*Page, error) {
	params := url.Values{}
	params.Set("language", c.cfg.Language)
	params.Set("page", strconv.Itoa(normalizePage(page)))

	body, err := c.get(ctx, cat.String(), "/movie/"+cat.String(), params)
	if err != nil {
		return nil, err
	}
	return decodePage(cat.String(), body)
}

// Search fetches one page of search results for query.
func (c *Client) Search(ctx context.Context, query string, page int) (*Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrBadURL)
	}

	params := url.Values{}
	params.Set("language", c.cfg.Language)
	params.Set("page", strconv.Itoa(normalizePage(page)))
	params.Set("query", query)

	body, err := c.get(ctx, "search", "/search/movie", params)
	if err != nil {
		return nil, err
	}
	return decodePage("search", body)
}

// Images returns up to limit absolute backdrop URLs for a movie.
func (c *Client) Images(ctx context.Context, id int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}

	body, err := c.get(ctx, "images", fmt.Sprintf("/movie/%d/images", id), url.Values{})
	if err != nil {
		return nil, err
	}

	var resp imagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: images %d: %v", ErrDecode, id, err)
	}

	urls := make([]string, 0, limit)
	for _, b := range resp.Backdrops {
		if len(urls) == limit {
			break
		}
		if b.FilePath == "" {
			continue
		}
		urls = append(urls, imageURL(c.cfg.ImageBaseURL, b.FilePath))
	}
	return urls, nil
}

// Videos returns the trailers and clips attached to a movie.
func (c *Client) Videos(ctx context.Context, id int64) ([]Trailer, error) {
	params := url.Values{}
	params.Set("language", c.cfg.Language)

	body, err := c.get(ctx, "videos", fmt.Sprintf("/movie/%d/videos", id), params)
	if err != nil {
		return nil, err
	}

	var resp videosResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: videos %d: %v", ErrDecode, id, err)
	}
	return resp.Results, nil
}

func decodePage(endpoint string, body []byte) (*Page, error) {
	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, endpoint, err)
	}
	return &page, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrBadURL, u.String())
	}
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	u.RawQuery = params.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	logging.Debug().Str("endpoint", endpoint).Str("page", params.Get("page")).Msg("catalog request")

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, endpoint, u.String())
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CatalogRequests.WithLabelValues(endpoint, "rejected").Inc()
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		metrics.CatalogRequests.WithLabelValues(endpoint, "failure").Inc()
		return nil, err
	}

	metrics.CatalogRequests.WithLabelValues(endpoint, "success").Inc()
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "filmcache/1.0")
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBody, endpoint)
	}
	return body, nil
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}
