package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RateLimiters map[string]*rate.Limiter
}

// HTTPFetcher implements Fetcher using net/http with retry and per-host rate
// limiting. ftp:// endpoints are routed to the FTP client.
type HTTPFetcher struct {
	client *http.Client
	ftp    *FTPFetcher
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// DefaultRateLimiters returns the default per-host rate limiters.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"agmarknet.gov.in": rate.NewLimiter(5, 5),
		"api.data.gov.in":  rate.NewLimiter(10, 10),
		"enam.gov.in":      rate.NewLimiter(5, 5),
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "agrisense-cli/1.0"
	}
	limiters := DefaultRateLimiters()
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		ftp:      NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}),
		opts:     opts,
		limiters: limiters,
	}
}

// Fetch retrieves the source endpoint and returns a tagged payload. Scrape
// sources yield html bytes; structured-api sources yield the decoded JSON
// document. A body that fails to decode as JSON yields a nil Value rather
// than an error, keeping FetchError strictly transport-level.
func (f *HTTPFetcher) Fetch(ctx context.Context, src model.Source) (*model.RawPayload, error) {
	if strings.HasPrefix(src.URL, "ftp://") {
		body, err := f.ftp.Download(ctx, src.URL)
		if err != nil {
			return nil, &FetchError{Reason: ReasonNetwork, URL: src.URL, Err: err}
		}
		return &model.RawPayload{Kind: model.PayloadHTML, Body: body}, nil
	}

	body, contentType, err := f.get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	if src.Kind == model.KindStructuredAPI {
		var value any
		if jsonErr := json.Unmarshal(body, &value); jsonErr != nil {
			zap.L().Warn("structured-api body is not valid JSON",
				zap.String("source", src.Name),
				zap.String("url", src.URL),
				zap.Error(jsonErr),
			)
			value = nil
		}
		return &model.RawPayload{Kind: model.PayloadJSON, Value: value}, nil
	}

	decoded, decErr := decodeCharset(body, contentType)
	if decErr != nil {
		zap.L().Debug("charset decode failed, using raw bytes",
			zap.String("source", src.Name),
			zap.Error(decErr),
		)
		decoded = body
	}
	return &model.RawPayload{Kind: model.PayloadHTML, Body: decoded}, nil
}

// get performs a GET with retries and returns the body and Content-Type.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &FetchError{Reason: ReasonNetwork, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, "", &FetchError{Reason: ReasonHTTPStatus, Status: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyTransport(rawURL, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// limiterFor returns the shared limiter for a URL's host, creating one for
// hosts not covered by the configured map. The limiter must outlive a single
// request or it never throttles.
func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := "?"
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(20, 20)
		f.limiters[host] = lim
	}
	return lim
}

func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()

	var lastErr error
	for attempt := 0; attempt < f.opts.MaxRetries; attempt++ {
		lim := f.limiterFor(rawURL)
		if err := lim.Wait(ctx); err != nil {
			return nil, classifyTransport(rawURL, eris.Wrap(err, "rate limiter wait"))
		}

		cloned := req.Clone(ctx)
		resp, err := f.client.Do(cloned)
		if err != nil {
			lastErr = err
			zap.L().Warn("http request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = &FetchError{Reason: ReasonHTTPStatus, Status: resp.StatusCode, URL: rawURL}
			zap.L().Warn("server error, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			f.backoff(ctx, attempt)
			continue
		}

		return resp, nil
	}

	var fe *FetchError
	if errors.As(lastErr, &fe) {
		return nil, fe
	}
	return nil, classifyTransport(rawURL, lastErr)
}

func (f *HTTPFetcher) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	d = d + jitter

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// classifyTransport maps a transport-level error to a FetchError reason.
func classifyTransport(rawURL string, err error) *FetchError {
	reason := ReasonNetwork
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		reason = ReasonTimeout
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	return &FetchError{Reason: reason, URL: rawURL, Err: err}
}

// decodeCharset converts a response body to UTF-8 using the charset parameter
// of the Content-Type header. Bodies without a declared charset pass through.
func decodeCharset(body []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		return body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}
	name, ok := params["charset"]
	if !ok || strings.EqualFold(name, "utf-8") {
		return body, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unknown charset %q", name)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode charset %q", name)
	}
	return decoded, nil
}
