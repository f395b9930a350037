package fetch

import (
	"fmt"
	"net/http"
	"time"
)

// maxRedirects bounds redirect chains per fetch.
const maxRedirects = 10

// NewHTTPClient builds the shared page-fetch client. One client serves
// every worker: connections are capped at one per host to match the
// frontier's per-domain serialization, and throughput comes from domain
// breadth, not per-host parallelism.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		MaxIdleConns:        0,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}
}

func checkRedirect(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}
