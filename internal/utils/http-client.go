package utils

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type BucketHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewBucketHTTPClient(cfg HTTPClientConfig) *BucketHTTPClient {
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := &http.Transport{
		// HTTPS_PROXY and NO_PROXY apply unless a proxy is configured below.
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true, // bodies are raw chunk bytes
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
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
	// Timeout bounds the whole exchange including the body, so it stays zero
	// unless configured: a 63MB bucket on a slow link can take minutes.
	return &BucketHTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
	}
}

func (c *BucketHTTPClient) SetHeader(key, value string) {
	c.config.Headers[key] = value
}

func (c *BucketHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}
	return c.client.Do(req)
}
