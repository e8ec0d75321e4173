// Package httppool implements C2, ConnectionPool: a per-host cache of
// *http.Client with range-support probing and an optional
// CertificateGate hooked into the TLS handshake.
package httppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/segfetch/segfetch/internal/certgate"
	"github.com/segfetch/segfetch/internal/config"
)

// Pool caches one *http.Client per host, per spec §4.2's defaults.
type Pool struct {
	cfg  *config.Config
	gate *certgate.Gate
	proxyURL string

	mu      sync.RWMutex
	clients map[string]*http.Client
}

// New creates a Pool. gate may be nil to skip certificate pinning.
func New(cfg *config.Config, gate *certgate.Gate, proxyURL string) *Pool {
	return &Pool{
		cfg:      cfg,
		gate:     gate,
		proxyURL: proxyURL,
		clients:  make(map[string]*http.Client),
	}
}

// ClientFor returns the cached *http.Client for uri's host, creating one
// on first use.
func (p *Pool) ClientFor(uri string) (*http.Client, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("httppool: invalid URL %q: %w", uri, err)
	}
	host := u.Hostname()

	p.mu.RLock()
	client, ok := p.clients[host]
	p.mu.RUnlock()
	if ok {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[host]; ok {
		return client, nil
	}

	client, err = p.newClient(host)
	if err != nil {
		return nil, err
	}
	p.clients[host] = client
	return client, nil
}

func (p *Pool) newClient(host string) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   p.cfg.ConnectTimeout,
			KeepAlive: p.cfg.IdleTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   p.cfg.ConnectTimeout,
		ResponseHeaderTimeout: p.cfg.IdleTimeout,
		IdleConnTimeout:       p.cfg.ConnLifetime,
		MaxIdleConnsPerHost:   p.cfg.MaxConnsPerHost,
		MaxConnsPerHost:       p.cfg.MaxConnsPerHost,
	}

	if p.gate != nil {
		transport.TLSClientConfig = p.gate.TLSConfig(host)
	} else {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: false}
	}

	if p.proxyURL != "" {
		if err := configureProxy(transport, p.proxyURL); err != nil {
			return nil, err
		}
	}

	maxRedirects := p.cfg.MaxRedirects
	client := &http.Client{
		Transport: transport,
		Timeout:   p.cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("httppool: too many redirects (>%d)", maxRedirects)
			}
			return nil
		},
	}

	return client, nil
}

func configureProxy(transport *http.Transport, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("httppool: invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("httppool: create SOCKS5 proxy: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("httppool: unsupported proxy scheme: %s", parsed.Scheme)
	}

	return nil
}

// SupportsRange issues a HEAD to uri and reports whether the server
// advertises byte-range support via Accept-Ranges.
func (p *Pool) SupportsRange(ctx context.Context, uri string) (bool, error) {
	client, err := p.ClientFor(uri)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return false, fmt.Errorf("httppool: build HEAD request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req = req.WithContext(reqCtx)

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("httppool: HEAD %s: %w", uri, err)
	}
	defer resp.Body.Close()

	accept := resp.Header.Get("Accept-Ranges")
	return accept == "bytes", nil
}
