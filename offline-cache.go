package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"
)

const defaultInstallConcurrency = 6

type Config struct {
	// Name of the cache generation owned by this version of the site, e.g. `app-v1`.
	// Changing it is the only way to invalidate previously cached content.
	Version string
	// Storage for cache generations.
	Storage cache.Storage
	// URL of the origin server.
	// Manifest entries and relative request URLs are resolved against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Only used by the default fetcher.
	OriginHost string
	// Resources that are stored on install, e.g. `./` and `./index.html`.
	Manifest []string
	// Optional manifest entry served to page navigations when the network is down
	// and the requested page is not cached.
	OfflineFallback string
	// Network to use. An HTTPFetcher for the origin is used if nil.
	Fetcher Fetcher
	// Codec for stored responses. The HTTP wire format is used if nil.
	Codec serializer.Codec
	// Receiver of lifecycle signals. Optional.
	Host Host
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Maximum number of manifest resources fetched at the same time on install.
	InstallConcurrency int
}

// Manager is one version of the offline cache.
// Install, Activate and ServeHTTP (or Fetch) are called by the host runtime.
type Manager struct {
	version            string
	storage            cache.Storage
	keyer              cachekey.CacheKeyer
	manifest           []resource
	fallbackKey        string
	fetcher            Fetcher
	codec              serializer.Codec
	host               Host
	log                zerolog.Logger
	installConcurrency int
	// background cache writes
	pending sync.WaitGroup

	// handle of the generation opened by Install.
	// Once the generation is deleted, writes through it fail with cache.ErrGenerationDeleted.
	genMutex sync.Mutex
	gen      cache.Generation
}

// New creates the manager for a version of the site.
// It does not touch the storage, that is done on Install and Activate.
func New(config Config) (*Manager, error) {
	if config.Version == "" {
		return nil, errors.New("version is required")
	}
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.OriginURL.Scheme == "" || config.OriginURL.Host == "" {
		return nil, fmt.Errorf("origin URL must be absolute, is %q", config.OriginURL.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("version", config.Version).
		Str("origin", config.OriginURL.String()).
		Logger()

	m := &Manager{
		version:            config.Version,
		storage:            config.Storage,
		keyer:              cachekey.NewCacheKeyer(&config.OriginURL),
		fetcher:            config.Fetcher,
		codec:              config.Codec,
		host:               config.Host,
		log:                logger,
		installConcurrency: config.InstallConcurrency,
	}

	manifest, err := resolveManifest(m.keyer, config.Manifest)
	if err != nil {
		return nil, err
	}
	m.manifest = manifest

	if config.OfflineFallback != "" {
		key, err := m.keyer.GetKeyForPath(config.OfflineFallback)
		if err != nil {
			return nil, err
		}
		inManifest := false
		for _, res := range manifest {
			inManifest = inManifest || res.key == key
		}
		if !inManifest {
			return nil, fmt.Errorf("offline fallback %q is not in the manifest", config.OfflineFallback)
		}
		m.fallbackKey = key
	}

	if m.fetcher == nil {
		m.fetcher = NewHTTPFetcher(config.OriginURL, config.OriginHost)
	}
	if m.codec == nil {
		m.codec = serializer.HTTP{}
	}
	if m.host == nil {
		m.host = nopHost{}
	}
	if m.installConcurrency <= 0 {
		m.installConcurrency = defaultInstallConcurrency
	}
	return m, nil
}

// Version returns the name of the cache generation owned by the manager.
func (m *Manager) Version() string {
	return m.version
}

// Install opens the cache generation and stores every manifest resource in it.
// The resources are stored all at once: if any of them cannot be fetched, nothing is stored
// and ErrInstallFailed is returned.
// On success the host is asked to skip the waiting phase.
func (m *Manager) Install(ctx context.Context) error {
	m.log.Info().Msg("Installing")

	gen, err := m.storage.Open(ctx, m.version)
	if err != nil {
		return m.installFailed(fmt.Errorf("open cache generation: %w", err))
	}

	m.log.Debug().Int("resources", len(m.manifest)).Msg("Caching manifest")
	entries := make([]cache.Entry, len(m.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.installConcurrency)
	for i, res := range m.manifest {
		g.Go(func() error {
			entry, err := m.fetchResource(gctx, res)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m.installFailed(err)
	}
	if err := gen.PutAll(ctx, entries); err != nil {
		return m.installFailed(fmt.Errorf("store manifest: %w", err))
	}
	m.genMutex.Lock()
	m.gen = gen
	m.genMutex.Unlock()

	m.log.Info().Int("resources", len(entries)).Msg("Install complete")
	if err := m.host.SkipWaiting(ctx, m.version); err != nil {
		m.log.Warn().Err(err).Msg("Host could not skip waiting")
	}
	return nil
}

func (m *Manager) installFailed(err error) error {
	m.log.Error().Err(err).Msg("Install failed")
	return fmt.Errorf("%w: %w", ErrInstallFailed, err)
}

// fetchResource fetches a manifest resource and encodes it for storage.
// Any non-2xx status is a failure.
func (m *Manager) fetchResource(ctx context.Context, res resource) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.url.String(), nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", res.path, err)
	}
	requestedAt := time.Now()
	httpRes, err := m.fetcher.Fetch(req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", res.path, err)
	}
	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		httpRes.Body.Close()
		return cache.Entry{}, fmt.Errorf("fetch %s: status %d", res.path, httpRes.StatusCode)
	}
	sRes, err := serializer.ReadResponse(httpRes, m.responseType(req, httpRes), requestedAt)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", res.path, err)
	}
	b, err := m.codec.Encode(sRes)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("encode %s: %w", res.path, err)
	}
	m.log.Trace().Str("key", res.key).Msg("Fetched manifest resource")
	return cache.Entry{Key: res.key, StoredAt: time.Now(), Bytes: b}, nil
}

// Activate deletes every cache generation other than the one of this version.
// Deletions run concurrently and are best-effort: a failure is logged and does not stop the others.
// Afterwards the host is asked to hand all requests to this version.
func (m *Manager) Activate(ctx context.Context) error {
	m.log.Info().Msg("Activating")

	names, err := m.storage.Names(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not list cache generations")
		return fmt.Errorf("list cache generations: %w", err)
	}

	// the group only fans out and in: deletions never cancel each other,
	// failures are collected in failed
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = map[string]error{}
	)
	for _, name := range names {
		if name == m.version {
			continue
		}
		g.Go(func() error {
			m.log.Info().Str("generation", name).Msg("Deleting old cache generation")
			if _, err := m.storage.Delete(ctx, name); err != nil {
				m.log.Warn().Err(err).Str("generation", name).Msg("Could not delete old cache generation")
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if len(failed) > 0 {
		m.log.Warn().Err(&ActivateError{Failed: failed}).Msg("Activated with old cache generations left")
	}

	m.log.Info().Msg("Activation complete")
	if err := m.host.Claim(ctx, m.version); err != nil {
		m.log.Warn().Err(err).Msg("Host could not claim clients")
	}
	return nil
}

// Fetch answers the request cache-first: a stored response is returned without
// contacting the network. Otherwise the request goes to the network, and a 200 same-origin
// response is stored in the background before it is returned.
// If the network fails, ErrOffline is returned and there is no response.
func (m *Manager) Fetch(r *http.Request) (*http.Response, error) {
	res, _, err := m.fetch(r, m.fetcher)
	return res, err
}

// ServeHTTP implements the http.Handler interface.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.serve(w, r, m.fetcher)
}

// Middleware uses the next handler as the network.
// Install still uses the configured fetcher.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	fetcher := HandlerFetcher{Handler: next}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, fetcher)
	})
}

func (m *Manager) serve(w http.ResponseWriter, r *http.Request, fetcher Fetcher) {
	res, cs, err := m.fetch(r, fetcher)
	if err != nil {
		fallback, ok := m.offlineFallback(r)
		if !ok {
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		res = fallback
		cs = CacheStatus{}
		cs.Hit()
		cs.Detail("offline")
	}
	defer res.Body.Close()

	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		logger := m.getLogger(r)
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (m *Manager) fetch(r *http.Request, fetcher Fetcher) (*http.Response, CacheStatus, error) {
	logger := m.getLogger(r)
	cs := CacheStatus{}

	key, err := m.keyer.GetKey(r)
	if err != nil {
		cs.Forward(CacheStatusFwdMethod)
	} else if res, ok := m.match(r, key, logger); ok {
		cs.Hit()
		logger.Debug().Msg("Served from cache")
		return res, cs, nil
	} else {
		cs.Forward(CacheStatusFwdUriMiss)
	}

	logger.Debug().Msg("Loading from network")
	requestedAt := time.Now()
	res, err := fetcher.Fetch(r)
	if err != nil {
		logger.Warn().Err(err).Msg("Offline")
		return nil, cs, fmt.Errorf("%w: %w", ErrOffline, err)
	}

	resType := m.responseType(r, res)
	if key == "" || res.StatusCode != http.StatusOK || resType != serializer.TypeBasic {
		logger.Trace().Int("status", res.StatusCode).Str("type", resType).Msg("Non-cacheable response")
		return res, cs, nil
	}

	// two copies of the body: one for the caller, one for the cache
	sRes, err := serializer.ReadResponse(res, resType, requestedAt)
	if err != nil {
		logger.Warn().Err(err).Msg("Offline")
		return nil, cs, fmt.Errorf("%w: %w", ErrOffline, err)
	}
	if sRes.URL == "" {
		sRes.URL = m.keyer.Resolve(r.URL).String()
	}
	m.storeInBackground(r.Context(), key, sRes, logger)
	cs.Stored()
	return res, cs, nil
}

// match looks the request up in all cache generations still in storage.
// Storage and decoding errors are logged and treated as a miss.
func (m *Manager) match(r *http.Request, key string, logger zerolog.Logger) (*http.Response, bool) {
	ctx := r.Context()
	entry, ok, err := m.storage.Match(ctx, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sRes, err := m.codec.Decode(entry.Bytes)
	if err != nil {
		// in case we have a corrupted cache entry, we delete it and serve from the network
		logger.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		if gen, ok, err := m.generation(ctx); err == nil && ok {
			gen.Delete(ctx, key)
		}
		return nil, false
	}
	return sRes.Response(r), true
}

// storeInBackground writes the response to the cache without blocking the caller.
// The outcome is only logged.
func (m *Manager) storeInBackground(ctx context.Context, key string, sRes serializer.StoredResponse, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		b, err := m.codec.Encode(sRes)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Could not encode response")
			return
		}
		gen, ok, err := m.generation(ctx)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Could not open cache generation")
			return
		}
		if !ok {
			logger.Debug().Str("key", key).Msg("Cache generation not installed, not storing")
			return
		}
		err = gen.Put(ctx, cache.Entry{Key: key, StoredAt: time.Now(), Bytes: b})
		if errors.Is(err, cache.ErrGenerationDeleted) {
			logger.Info().Str("key", key).Msg("Cache generation deleted by a newer version, not storing")
			return
		} else if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Could not write to cache")
			return
		}
		logger.Trace().Str("key", key).Msg("Cache write")
	}()
}

// offlineFallback returns the fallback page for navigation requests.
func (m *Manager) offlineFallback(r *http.Request) (*http.Response, bool) {
	if m.fallbackKey == "" || r.Method != http.MethodGet || !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return nil, false
	}
	return m.match(r, m.fallbackKey, m.getLogger(r))
}

// responseType classifies the response the way the page would see it.
func (m *Manager) responseType(r *http.Request, res *http.Response) string {
	if m.keyer.SameOrigin(r.URL) {
		return serializer.TypeBasic
	}
	acao := res.Header.Get("Access-Control-Allow-Origin")
	origin := m.keyer.Origin.Scheme + "://" + m.keyer.Origin.Host
	if acao == "*" || strings.EqualFold(acao, origin) {
		return serializer.TypeCors
	}
	return serializer.TypeOpaque
}

// generation returns the handle of this version's generation.
// It never creates the generation: if Install has not run and the generation is not in storage,
// ok is false. A handle whose generation was deleted later stays detached.
func (m *Manager) generation(ctx context.Context) (cache.Generation, bool, error) {
	m.genMutex.Lock()
	defer m.genMutex.Unlock()
	if m.gen != nil {
		return m.gen, true, nil
	}
	if has, err := m.storage.Has(ctx, m.version); err != nil || !has {
		return nil, false, err
	}
	gen, err := m.storage.Open(ctx, m.version)
	if err != nil {
		return nil, false, err
	}
	m.gen = gen
	return gen, true, nil
}

// Keys returns the cache keys stored in the generation of this version.
func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	gen, ok, err := m.generation(ctx)
	if err != nil || !ok {
		return []string{}, err
	}
	return gen.Keys(ctx)
}

// Wait blocks until all background cache writes have finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// Close waits for background cache writes, at most until ctx is done.
// The storage is not closed, it is owned by the caller.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getLogger returns the request logger from the request context, with request fields added.
// If no logger is found, the manager logger is used.
func (m *Manager) getLogger(r *http.Request) zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &m.log
	} else {
		l := logger.With().Str("version", m.version).Logger()
		logger = &l
	}
	return logger.With().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Logger()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
