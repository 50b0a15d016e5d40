package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/registration"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	versionFlag        string
	listenFlag         string
	providerFlag       string
	dbFilenameFlag     string
	codecFlag          string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.StringVar(&versionFlag, "site-version", "", "Version of the site, names the cache generation (overrides config)")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider: sqlite, memory or redis (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&codecFlag, "codec", "", "Stored response format: http, msgpack or cbor (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg.Log)

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open storage")
	}

	originURL, _ := cfg.OriginURL()
	// until a version controls requests, they go straight to the origin
	passthrough := offlinecache.NewHTTPFetcher(*originURL, cfg.OriginHost)
	reg := registration.New(proxy(passthrough), &log.Logger)

	register := func(cfg config.Config) {
		m, err := newManager(cfg, storage, reg)
		if err != nil {
			log.Error().Err(err).Msg("Cannot create cache version")
			return
		}
		if err := reg.Register(context.Background(), m); err != nil {
			log.Error().Err(err).Str("worker", cfg.Version).Msg("Registration failed")
		}
	}
	register(cfg)

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: newRouter(reg, storage),
	}

	stopped := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range signals {
			if sig == syscall.SIGHUP {
				log.Info().Msg("Reloading configuration")
				newCfg, err := loadConfig()
				if err != nil {
					log.Error().Err(err).Msg("Invalid configuration, keeping current version")
					continue
				}
				go register(newCfg)
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Could not shut down server")
			}
			if err := reg.Close(ctx); err != nil {
				log.Error().Err(err).Msg("Could not finish cache writes")
			}
			cancel()
			close(stopped)
			return
		}
	}()

	log.Info().Msgf("Serving %s on %s (with hostname '%s')", originURL.String(), cfg.Listen, cfg.OriginHost)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-stopped
	if err := storage.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close storage")
	}
}

// loadConfig reads the config file and applies the CLI flags over it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		return cfg, err
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if hostFlag != "" {
		cfg.OriginHost = hostFlag
	}
	if versionFlag != "" {
		cfg.Version = versionFlag
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if providerFlag != "" {
		cfg.Storage.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		cfg.Storage.Path = dbFilenameFlag
	}
	if codecFlag != "" {
		cfg.Codec = codecFlag
	}
	if verbosityTraceFlag {
		cfg.Log.Level = zerolog.TraceLevel.String()
	}
	if logFilenameFlag != "" {
		cfg.Log.File = logFilenameFlag
	}
	return cfg, cfg.Validate()
}

func setupLogging(cfg config.Log) {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		logLevel = zerolog.DebugLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.File != "" {
		if logFileOutput, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()
}

func openStorage(cfg config.Storage) (cache.Storage, error) {
	switch cfg.Provider {
	case config.ProviderMemory:
		return cache.NewMemStorage(), nil
	case config.ProviderRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return cache.NewRedisStorage(cache.RedisConfig{
			Client:      client,
			Namespace:   cfg.Redis.Namespace,
			CloseClient: true,
		})
	default:
		dbFilename := cfg.Path
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStorage(dbFilename)
	}
}

func newManager(cfg config.Config, storage cache.Storage, host offlinecache.Host) (*offlinecache.Manager, error) {
	originURL, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	codec, err := serializer.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return offlinecache.New(offlinecache.Config{
		Version:         cfg.Version,
		Storage:         storage,
		OriginURL:       *originURL,
		OriginHost:      cfg.OriginHost,
		Manifest:        cfg.Manifest,
		OfflineFallback: cfg.OfflineFallback,
		Codec:           codec,
		Host:            host,
		Logger:          &log.Logger,
	})
}

func newRouter(reg *registration.Registration, storage cache.Storage) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	}))

	r.Route("/_offline", func(r chi.Router) {
		r.Get("/status", statusHandler(reg, storage))
		r.Get("/keys", keysHandler(reg))
	})
	r.Handle("/*", reg)
	return r
}

type statusResponse struct {
	registration.Status
	Generations []string `json:"generations"`
}

func statusHandler(reg *registration.Registration, storage cache.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := storage.Names(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list cache generations")
			http.Error(w, "Could not list cache generations", http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, statusResponse{Status: reg.Status(), Generations: names})
	}
}

type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

func keysHandler(reg *registration.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		controller, err := reg.Controller()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		lister, ok := controller.(keyLister)
		if !ok {
			http.Error(w, "Keys not supported", http.StatusNotImplemented)
			return
		}
		keys, err := lister.Keys(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list cache keys")
			http.Error(w, "Could not list cache keys", http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, keys)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}

// proxy serves requests straight from the origin.
func proxy(fetcher offlinecache.Fetcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := fetcher.Fetch(r)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Could not reach origin")
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		for k, vv := range res.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(res.StatusCode)
		io.Copy(w, res.Body)
	})
}
