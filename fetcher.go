package offlinecache

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Fetcher is the network: it sends a request and returns the response.
// An error means no response could be obtained at all.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// HTTPFetcher sends requests to the origin server over HTTP.
// Relative and same-origin request URLs are directed to the origin;
// absolute URLs to other hosts are sent as is.
type HTTPFetcher struct {
	origin   url.URL
	client   http.Client
	director func(req *http.Request)
}

// NewHTTPFetcher creates a fetcher for the given origin.
// If originHost is set, it is used as the Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewHTTPFetcher(originURL url.URL, originHost string) *HTTPFetcher {
	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &HTTPFetcher{
		origin: originURL,
		client: http.Client{
			Transport: transport,
			// do not follow redirects, the client will
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		director: createDirector(originURL.Scheme, host, hostHeader),
	}
}

func (f *HTTPFetcher) Fetch(r *http.Request) (*http.Response, error) {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if !req.URL.IsAbs() || strings.EqualFold(req.URL.Host, f.origin.Host) {
		f.director(req)
	} else {
		req.Host = ""
	}
	// let the transport negotiate compression, so stored bodies are always decoded
	req.Header.Del("Accept-Encoding")
	removeForwardedHeaders(req.Header)
	return f.client.Do(req)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// removeForwardedHeaders removes the default headers added by an upstream proxy.
// Some servers do not like the presence of these headers in the downstream request.
func removeForwardedHeaders(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
	h.Del("X-Forwarded-Host")
}

// HandlerFetcher uses an in-process handler as the network,
// e.g. the file server or router the cache is put in front of.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver()
	f.Handler.ServeHTTP(rs, r)
	return rs.Result(r), nil
}
