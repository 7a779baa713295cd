package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	BearerToken    string
	HighThreadMode bool // larger socket buffers for many concurrent segments
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport.DialContext = dialer.DialContext
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			log.Warn().Str("op", "utils/http-client").Msgf("ignoring invalid proxy URL: %v", err)
		} else {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	var rt http.RoundTripper = transport
	if cfg.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: rt,
		},
		config: cfg,
	}
}

func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if h.config.UserAgent != "" {
		req.Header.Set("User-Agent", h.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	return h.client.Do(req)
}

// SplitProxyAuth moves credentials embedded in a proxy URL into the
// username and password fields.
func SplitProxyAuth(cfg *HTTPClientConfig) {
	if cfg.ProxyURL == "" {
		return
	}
	parsed, err := url.Parse(cfg.ProxyURL)
	if err != nil || parsed.User == nil || cfg.ProxyUsername != "" {
		return
	}
	cfg.ProxyUsername = parsed.User.Username()
	if password, set := parsed.User.Password(); set {
		cfg.ProxyPassword = password
	}
	parsed.User = nil
	cfg.ProxyURL = parsed.String()
}
