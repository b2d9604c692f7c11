package prober

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"

	"github.com/uzzalhcse/spiderproxy/internal/registry"
)

// Fetcher fetches a URL through a given proxy and reports success or
// failure. Pluggable so tests can substitute a fake without touching the
// network.
type Fetcher interface {
	Fetch(testURL string, proxyIP uint32, proxyPort uint16, timeout time.Duration) registry.ErrorKind
}

// FastHTTPFetcher fetches the test URL through the proxy using a
// fasthttp.Client dialed via the proxy.
type FastHTTPFetcher struct{}

// Fetch performs one fetch attempt and classifies the outcome.
func (FastHTTPFetcher) Fetch(testURL string, proxyIP uint32, proxyPort uint16, timeout time.Duration) registry.ErrorKind {
	proxyAddr := fmt.Sprintf("%s:%d", ipToString(proxyIP), proxyPort)

	client := &fasthttp.Client{
		Dial: fasthttpproxy.FasthttpHTTPDialerTimeout(proxyAddr, timeout),
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(testURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	err := client.DoTimeout(req, resp, timeout)
	if err != nil {
		if err == fasthttp.ErrTimeout || err == fasthttp.ErrDialTimeout {
			return registry.ErrProbeTimeout
		}
		return registry.ErrProbeConnect
	}
	if resp.StatusCode() >= 500 {
		return registry.ErrProbeTransport
	}
	return registry.ErrNone
}

func ipToString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
