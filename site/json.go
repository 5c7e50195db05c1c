package site

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/telemetry"
)

const maxResponseSize = 4 << 20

// JSONParser talks to a Danbooru-compatible JSON API.
type JSONParser struct {
	site      boorucache.Site
	base      *url.URL
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	pageSize  int
	logger    *slog.Logger

	login  string
	apiKey string

	// group merges identical in-flight GETs.
	group singleflight.Group
}

// JSONOption configures a JSONParser.
type JSONOption func(*JSONParser)

// WithHTTPClient sets the HTTP client. The client's transport is used as
// is; the default one records upstream metrics.
func WithHTTPClient(client *http.Client) JSONOption {
	return func(p *JSONParser) {
		p.client = client
	}
}

// WithRateLimit limits requests to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) JSONOption {
	return func(p *JSONParser) {
		p.limiter = rate.NewLimiter(r, burst)
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) JSONOption {
	return func(p *JSONParser) {
		p.userAgent = ua
	}
}

// WithAccount authenticates requests with a site login and API key.
// Accounts raise rate limits and reveal restricted entries on most sites.
func WithAccount(login, apiKey string) JSONOption {
	return func(p *JSONParser) {
		p.login = login
		p.apiKey = apiKey
	}
}

// WithPageSize sets the number of tags requested per listing page.
func WithPageSize(n int) JSONOption {
	return func(p *JSONParser) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithLogger sets the logger for the parser.
func WithLogger(logger *slog.Logger) JSONOption {
	return func(p *JSONParser) {
		p.logger = logger
	}
}

// NewJSONParser creates a parser for the API rooted at baseURL.
func NewJSONParser(site boorucache.Site, baseURL string, opts ...JSONOption) (*JSONParser, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url for %s: %w", site, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url for %s must be http or https, got %q", site, baseURL)
	}

	p := &JSONParser{
		site:     site,
		base:     base,
		limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		pageSize: 100,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil, string(site)),
		}
	}
	p.logger = p.logger.With("site", site)
	return p, nil
}

// Site returns the site the parser serves.
func (p *JSONParser) Site() boorucache.Site { return p.site }

type apiTag struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	PostCount int       `json:"post_count"`
	Category  int       `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type apiUser struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Danbooru category numbers; 2 is unused.
var apiCategories = map[int]boorucache.TagCategory{
	0: boorucache.CategoryGeneral,
	1: boorucache.CategoryArtist,
	3: boorucache.CategoryCopyright,
	4: boorucache.CategoryCharacter,
	5: boorucache.CategoryMeta,
}

func (t apiTag) toTag() boorucache.Tag {
	return boorucache.Tag{
		Name:      t.Name,
		ID:        t.ID,
		PostCount: t.PostCount,
		Category:  apiCategories[t.Category],
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// FetchTag looks a tag up by exact name. An empty result for an exact
// name search is authoritative and reported as boorucache.ErrNotFound.
func (p *JSONParser) FetchTag(ctx context.Context, name string) (*boorucache.Tag, error) {
	q := url.Values{}
	q.Set("search[name]", name)
	q.Set("limit", "1")

	body, err := p.get(ctx, "/tags.json", q)
	if err != nil {
		return nil, fmt.Errorf("fetching tag %q: %w", name, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var tags []apiTag
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("decoding tag %q: %w", name, err)
	}
	for _, t := range tags {
		if t.Name == name {
			tag := t.toTag()
			return &tag, nil
		}
	}
	return nil, fmt.Errorf("tag %q: %w", name, boorucache.ErrNotFound)
}

// FetchUser looks a user up by id.
func (p *JSONParser) FetchUser(ctx context.Context, id int64) (*boorucache.User, error) {
	body, err := p.get(ctx, "/users/"+strconv.FormatInt(id, 10)+".json", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching user %d: %w", id, err)
	}

	var u apiUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decoding user %d: %w", id, err)
	}
	if u.ID == 0 {
		return nil, nil
	}
	return &boorucache.User{ID: u.ID, Name: u.Name, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}, nil
}

// ListTags returns a page of tags ordered by post count.
func (p *JSONParser) ListTags(ctx context.Context, page int) ([]boorucache.Tag, error) {
	q := url.Values{}
	q.Set("search[order]", "count")
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(p.pageSize))

	body, err := p.get(ctx, "/tags.json", q)
	if err != nil {
		return nil, fmt.Errorf("listing tags page %d: %w", page, err)
	}
	var raw []apiTag
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding tags page %d: %w", page, err)
	}
	tags := make([]boorucache.Tag, 0, len(raw))
	for _, t := range raw {
		tags = append(tags, t.toTag())
	}
	return tags, nil
}

// get performs a rate-limited GET. Concurrent calls for the same URL share
// one request; each caller still honours its own context.
func (p *JSONParser) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *p.base
	u.Path += path
	u.RawQuery = query.Encode()
	key := u.String()

	ch := p.group.DoChan(key, func() (any, error) {
		return p.do(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *JSONParser) do(ctx context.Context, rawURL string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if p.login != "" && p.apiKey != "" {
		req.SetBasicAuth(p.login, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, boorucache.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		p.logger.Debug("unexpected status", "url", rawURL, "status", resp.StatusCode)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}
