package offlinecache

import (
	"fmt"
	"net/url"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// resource is a manifest entry resolved against the origin.
type resource struct {
	path string
	key  string
	url  *url.URL
}

// resolveManifest resolves the manifest paths against the origin.
// Two paths that resolve to the same resource are an error.
func resolveManifest(keyer cachekey.CacheKeyer, paths []string) ([]resource, error) {
	resources := make([]resource, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", path, err)
		}
		abs := keyer.Resolve(u)
		if !keyer.SameOrigin(abs) {
			return nil, fmt.Errorf("manifest entry %q: not on origin %s", path, keyer.Origin.String())
		}
		key, err := keyer.GetKeyForPath(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("manifest entries %q and %q are the same resource", prev, path)
		}
		seen[key] = path
		resources = append(resources, resource{path: path, key: key, url: abs})
	}
	return resources, nil
}
