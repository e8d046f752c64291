package httputil

import (
	"net/http"
	"net/url"
	"time"
)

type Clients struct {
	API   *http.Client // direct, for the data provider
	Crawl *http.Client // optionally proxied, for landing pages
}

// NewClients builds the two HTTP clients the daemon uses. Landing-page
// crawls hit arbitrary competitor sites and can go through a proxy; provider
// API calls always go direct.
func NewClients(apiTimeout time.Duration, crawlProxyURL string) *Clients {
	crawl := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	if crawlProxyURL != "" {
		if proxyURL, err := url.Parse(crawlProxyURL); err == nil {
			crawl.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Clients{
		API:   &http.Client{Timeout: apiTimeout},
		Crawl: crawl,
	}
}
