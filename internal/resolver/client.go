// Package resolver turns a video id or share link into downloadable media
// URLs and metadata using a TikHub-compatible link-resolution API.
package resolver

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.tikhub.io/api/v1/douyin/app/v3"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBodyBytes   = 8 << 20
)

var (
	// ErrMalformedInput is returned for input that is neither an id nor a share link.
	ErrMalformedInput = errors.New("malformed video id")
	// ErrUpstream is returned when the service answers with an error.
	ErrUpstream = errors.New("resolver service error")
	// ErrNoMedia is returned when the response has no playable video.
	ErrNoMedia = errors.New("no playable video in response")
)

var (
	idPattern    = regexp.MustCompile(`^\d{6,32}$`)
	sharePattern = regexp.MustCompile(`v\.douyin\.com/([a-zA-Z0-9_-]+)`)
	pagePattern  = regexp.MustCompile(`douyin\.com/(?:video|note)/(\d{6,32})`)
)

// Media is what a resolved video offers for download.
type Media struct {
	VideoID     string
	MediaURLs   []string
	CoverURLs   []string
	Author      string
	AuthorID    string
	Description string
	// Raw is the full response body, stored as the metadata artifact.
	Raw []byte
}

// Query is a parsed resolver request.
type Query struct {
	Path  string
	Param string
	Value string
}

// ParseInput classifies input as a numeric id or a share link.
func ParseInput(input string) (Query, error) {
	text := strings.TrimSpace(input)
	switch {
	case idPattern.MatchString(text):
		return Query{Path: "/fetch_one_video", Param: "aweme_id", Value: text}, nil
	case pagePattern.MatchString(text):
		m := pagePattern.FindStringSubmatch(text)
		return Query{Path: "/fetch_one_video", Param: "aweme_id", Value: m[1]}, nil
	case sharePattern.MatchString(text):
		return Query{Path: "/fetch_one_video_by_share_url", Param: "share_url", Value: text}, nil
	}
	return Query{}, errors.Wrapf(ErrMalformedInput, "%q", clip(text))
}

// Client talks to the resolution API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// NewClient creates a client for the public API. ratePerSecond <= 0 disables
// client-side rate limiting.
func NewClient(apiKey string, ratePerSecond float64, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Client{
		apiKey:  strings.TrimPrefix(apiKey, "Bearer "),
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string, ratePerSecond float64, logger *zap.SugaredLogger) *Client {
	c := NewClient(apiKey, ratePerSecond, logger)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// Resolve looks up input and returns its media. HTTP 429 answers are retried
// with exponential backoff; every other failure is returned as is.
func (c *Client) Resolve(ctx context.Context, input string) (Media, error) {
	q, err := ParseInput(input)
	if err != nil {
		return Media{}, err
	}

	var lastErr error
	for attempt := range maxRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return Media{}, err
		}

		body, err := c.get(ctx, q)
		if err == nil {
			return parseMedia(body)
		}
		if !isRateLimit(err) {
			return Media{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debugw("rate limited, backing off", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return Media{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return Media{}, errors.Wrapf(lastErr, "rate limited after %d retries", maxRetries)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) get(ctx context.Context, q Query) ([]byte, error) {
	endpoint := c.baseURL + q.Path + "?" + url.Values{q.Param: {q.Value}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrUpstream, "unexpected status %d: %s", resp.StatusCode, clip(string(body)))
	}
	return body, nil
}

func parseMedia(body []byte) (Media, error) {
	code, _ := jsonparser.GetInt(body, "code")
	status, statusErr := jsonparser.GetInt(body, "status_code")
	if code != 200 && (statusErr != nil || status != 0) {
		msg, _ := jsonparser.GetString(body, "message")
		if msg == "" {
			msg = "no message"
		}
		return Media{}, errors.Wrapf(ErrUpstream, "code %d: %s", code, msg)
	}

	detail, typ, _, err := jsonparser.Get(body, "data", "aweme_detail")
	if err != nil || typ != jsonparser.Object {
		return Media{}, errors.Wrap(ErrNoMedia, "missing data.aweme_detail")
	}

	m := Media{Raw: body}
	m.VideoID, _ = jsonparser.GetString(detail, "aweme_id")
	m.AuthorID, _ = jsonparser.GetString(detail, "author", "uid")
	m.Author, _ = jsonparser.GetString(detail, "author", "nickname")
	m.Description, _ = jsonparser.GetString(detail, "desc")
	if m.Description == "" {
		m.Description = m.VideoID
	}
	if m.Author == "" {
		m.Author = "unknown"
	}

	m.MediaURLs = stringArray(detail, "video", "play_addr", "url_list")
	if len(m.MediaURLs) == 0 {
		return Media{}, errors.Wrapf(ErrNoMedia, "aweme %s has no video.play_addr", m.VideoID)
	}
	m.CoverURLs = stringArray(detail, "video", "cover", "url_list")
	if len(m.CoverURLs) == 0 {
		m.CoverURLs = stringArray(detail, "video", "origin_cover", "url_list")
	}
	return m, nil
}

func stringArray(data []byte, keys ...string) []string {
	var out []string
	jsonparser.ArrayEach(data, func(value []byte, typ jsonparser.ValueType, _ int, _ error) {
		if typ != jsonparser.String {
			return
		}
		if s, err := jsonparser.ParseString(value); err == nil && s != "" {
			out = append(out, s)
		}
	}, keys...)
	return out
}

func clip(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
