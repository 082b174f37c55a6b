package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New builds the tuned http.Client used for outbound gateway calls.
// Per-request deadlines come from the caller's context; the client
// timeout is a hard upper bound so a stuck gateway can never pin a
// handler goroutine.
func New(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		MaxIdleConns:          20,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       30 * time.Second,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
	}
}
