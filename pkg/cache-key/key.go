package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

type CacheKeyer struct {
	// Origin that relative request URLs are resolved against.
	// It is also the origin that decides whether a response is same-origin.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Resolve returns the absolute URL of u, resolved against the origin.
// Fragments never take part in a cache key, so they are removed.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	abs := c.Origin.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// SameOrigin reports whether u (resolved against the origin) has the same scheme and host as the origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	abs := c.Resolve(u)
	return strings.EqualFold(abs.Scheme, c.Origin.Scheme) && strings.EqualFold(abs.Host, c.Origin.Host)
}

// GetKey returns the cache key for a request.
// Only GET requests can be stored, all other methods return ErrorMethodNotSupported.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrorMethodNotSupported
	}
	return http.MethodGet + methodSeparator + c.Resolve(r.URL).String(), nil
}

// GetKeyForPath returns the cache key for a GET of a (possibly relative) path,
// e.g. a manifest entry like `./index.html`.
func (c CacheKeyer) GetKeyForPath(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("Malformed path %q: %w", path, err)
	}
	return http.MethodGet + methodSeparator + c.Resolve(u).String(), nil
}
