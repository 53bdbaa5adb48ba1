package marketplace

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/proxy"
)

const defaultBaseURL = "https://funpay.com"

const requestTimeout = 15 * time.Second

// HTTPClient is the concrete Marketplace Client: an HTTP session
// carrying a golden_key cookie, routed through the workspace's proxy,
// scraping HTML responses with goquery (spec.md section 4.7,
// SPEC_FULL section 4.11).
type HTTPClient struct {
	baseURL    string
	goldenKey  string
	httpClient *http.Client
}

// NewHTTPClient builds a session bound to goldenKey and routed through
// proxyURI (a socks5:// or http(s):// URL; proxyUser/proxyPass are
// used when the proxy requires auth).
func NewHTTPClient(baseURL, goldenKey, proxyURI, proxyUser, proxyPass string) (*HTTPClient, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	transport := &http.Transport{}
	if proxyURI != "" {
		dialer, err := dialerFor(proxyURI, proxyUser, proxyPass)
		if err != nil {
			return nil, fmt.Errorf("marketplace: building proxy dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		goldenKey: goldenKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}, nil
}

func dialerFor(proxyURI, user, pass string) (proxy.Dialer, error) {
	u, err := url.Parse(proxyURI)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy uri: %w", err)
	}
	var auth *proxy.Auth
	if user != "" {
		auth = &proxy.Auth{User: user, Password: pass}
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		return proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	case "http", "https":
		return &httpConnectDialer{proxyAddr: u.Host, user: user, pass: pass}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// CheckExitIP performs the startup direct-vs-proxy IP check (spec.md
// section 4.7): two GETs to an IP-echo endpoint, one direct, one
// through the configured proxy. Equal results mean the proxy isn't
// actually routing traffic, so the bot must refuse to start.
func (c *HTTPClient) CheckExitIP(ctx context.Context, ipEchoURL string) error {
	direct := &http.Client{Timeout: requestTimeout}
	directIP, err := fetchIP(ctx, direct, ipEchoURL)
	if err != nil {
		return fmt.Errorf("marketplace: fetching direct exit ip: %w", err)
	}
	proxiedIP, err := fetchIP(ctx, c.httpClient, ipEchoURL)
	if err != nil {
		return fmt.Errorf("marketplace: fetching proxied exit ip: %w", err)
	}
	if directIP == proxiedIP {
		return ErrProxyMismatch
	}
	return nil
}

func fetchIP(ctx context.Context, hc *http.Client, ipEchoURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ipEchoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: "golden_key", Value: c.goldenKey})
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; funpay-rental-bot)")
	return req, nil
}

func (c *HTTPClient) do(req *http.Request) (*goquery.Document, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		wait := 30
		if v := resp.Header.Get("Retry-After"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				wait = n
			}
		}
		return nil, &RateLimited{WaitSeconds: wait}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("marketplace: server error %d", resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

// Get bootstraps the session, reading the logged-in user's id/name
// and balance off the account menu (spec.md's MC.Get).
func (c *HTTPClient) Get(ctx context.Context) (Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/account/", nil)
	if err != nil {
		return Session{}, err
	}
	doc, err := c.do(req)
	if err != nil {
		return Session{}, err
	}
	userID, _ := doc.Find("body").Attr("data-app-data")
	name := strings.TrimSpace(doc.Find(".user-link-name").First().Text())
	balanceText := strings.TrimSpace(doc.Find(".badge-balance").First().Text())
	balance := parseFirstFloat(balanceText)
	return Session{UserID: userID, DisplayName: name, Balance: balance}, nil
}

var lotNumberRe = regexp.MustCompile(`[№#]\s*(\d+)`)

// ParseLotNumber extracts a lot number from order description text
// (spec.md section 4.3: "lot_number parsed from the description via
// regex for '№N' or '#N'").
func ParseLotNumber(description string) (int, bool) {
	m := lotNumberRe.FindStringSubmatch(description)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFirstFloat(s string) float64 {
	s = strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, s)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
