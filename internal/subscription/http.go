package subscription

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"vlyne/internal/logger"
)

// ErrFetch marks network-level failures. Unparseable content is never an
// ErrFetch.
var ErrFetch = errors.New("subscription fetch failed")

// Response is what a Getter hands back for one subscription URL.
type Response struct {
	Body []byte
	// Name is the declared display name, possibly "base64:" prefixed.
	Name string
	// UserInfo is the raw subscription-userinfo header.
	UserInfo string
}

// Getter performs the HTTP side of a subscription refresh.
type Getter interface {
	Get(ctx context.Context, url string) (*Response, error)
}

// HTTPGetter fetches over plain GET and accepts self-signed certificates.
type HTTPGetter struct {
	Timeout   time.Duration
	UserAgent string
	// ProxyURL routes the request through a proxy, e.g. the running tunnel's
	// HTTP inbound. Empty means direct.
	ProxyURL string
}

const defaultTimeout = 30 * time.Second

func (g *HTTPGetter) client() *http.Client {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if g.ProxyURL != "" {
		pURL, err := url.Parse(g.ProxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(pURL)
			logger.Log.Debugf("Subscription fetch using proxy: %s", g.ProxyURL)
		} else {
			logger.Log.Warnf("Ignoring invalid proxy URL %q: %v", g.ProxyURL, err)
		}
	}

	return &http.Client{Timeout: timeout, Transport: transport}
}

func (g *HTTPGetter) Get(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if g.UserAgent != "" {
		req.Header.Set("User-Agent", g.UserAgent)
	}

	logger.Log.Debugf("Fetching URL: %s", target)
	resp, err := g.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status code %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrFetch, err)
	}

	return &Response{
		Body:     body,
		Name:     declaredName(resp.Header),
		UserInfo: resp.Header.Get("Subscription-Userinfo"),
	}, nil
}

var (
	filenameStarPattern = regexp.MustCompile(`(?i)filename\*=UTF-8''([^;]+)`)
	filenamePattern     = regexp.MustCompile(`(?i)filename=['"]?([^'";]+)['"]?`)
)

// declaredName reads the feed's name from Content-Disposition, falling back
// to the Profile-Title header some panels send.
func declaredName(h http.Header) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if name := dispositionFilename(cd); name != "" {
			return name
		}
	}
	return h.Get("Profile-Title")
}

func dispositionFilename(cd string) string {
	var raw string
	// mime handles RFC 2231 filename* decoding for well-formed headers.
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		raw = params["filename"]
	}

	// Panels often send headers mime rejects; pick the value out by hand.
	if raw == "" {
		if m := filenameStarPattern.FindStringSubmatch(cd); m != nil {
			raw = m[1]
		} else if m := filenamePattern.FindStringSubmatch(cd); m != nil {
			raw = m[1]
		}
	}
	if raw == "" {
		return ""
	}
	// Panels also percent-encode plain filename= values.
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
