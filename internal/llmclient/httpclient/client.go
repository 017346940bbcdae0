package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// HookFunc modifies a request before it is sent.
type HookFunc func(req *http.Request) error

// requestModifier runs hooks on every request before delegating.
type requestModifier struct {
	http.RoundTripper
	hooks []HookFunc
}

func (t *requestModifier) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for _, hook := range t.hooks {
		if err := hook(req); err != nil {
			return nil, err
		}
	}
	return t.RoundTripper.RoundTrip(req)
}

// HeaderHook sets fixed headers on every request.
func HeaderHook(headers map[string]string) HookFunc {
	return func(req *http.Request) error {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return nil
	}
}

// NewTransport returns a transport routed through proxyURL. http, https
// and socks5 proxies are supported; an empty URL means no proxy.
func NewTransport(proxyURL string) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = contextDialer.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q, supported schemes are http, https, socks5", parsed.Scheme)
	}
	logrus.Debugf("Using proxy %s://%s", parsed.Scheme, parsed.Host)
	return transport, nil
}

// NewClient builds the HTTP client for one upstream. timeout bounds the
// whole exchange, including reading a streamed body.
func NewClient(proxyURL string, timeout time.Duration, hooks ...HookFunc) (*http.Client, error) {
	transport, err := NewTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	if len(hooks) > 0 {
		transport = &requestModifier{RoundTripper: transport, hooks: hooks}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
