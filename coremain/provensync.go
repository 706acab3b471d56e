package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/getlockinnn/proven-sync/mlog"
	"github.com/getlockinnn/proven-sync/pkg/cachestore"
	"github.com/getlockinnn/proven-sync/pkg/kvstore"
	"github.com/getlockinnn/proven-sync/pkg/kvstore/fs_store"
	"github.com/getlockinnn/proven-sync/pkg/kvstore/mem_store"
	"github.com/getlockinnn/proven-sync/pkg/kvstore/redis_store"
	"github.com/getlockinnn/proven-sync/pkg/kvstore/sqlite_store"
	"github.com/getlockinnn/proven-sync/pkg/mutation_queue"
	"github.com/getlockinnn/proven-sync/pkg/netmon"
	"github.com/getlockinnn/proven-sync/pkg/orchestrator"
	"github.com/getlockinnn/proven-sync/pkg/proof"
	"github.com/getlockinnn/proven-sync/pkg/proof/s3_target"
	"github.com/getlockinnn/proven-sync/pkg/safe_close"
	"github.com/getlockinnn/proven-sync/pkg/syncctl"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

// Client bundles the whole sync layer, wired. The embedding app talks to
// Orchestrator for reads/mutations, Proofs for submissions, Sync for
// manual passes and status, and Monitor to feed platform connectivity
// changes.
type Client struct {
	logger *zap.Logger

	store kvstore.Store

	Cache        *cachestore.CacheStore
	Queue        *mutation_queue.Queue
	Monitor      *netmon.Monitor
	Orchestrator *orchestrator.Orchestrator
	Proofs       *proof.Pipeline
	Sync         *syncctl.Controller

	metricsReg *prometheus.Registry
	httpAPIMux *http.ServeMux

	sc *safe_close.SafeClose
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// NewClient assembles a Client from cfg. Close releases it.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = mlog.L()
	}

	c := &Client{
		logger:     logger,
		metricsReg: newMetricsReg(),
		httpAPIMux: http.NewServeMux(),
		sc:         safe_close.NewSafeClose(),
	}
	reg := prometheus.WrapRegistererWithPrefix("provensync_", c.metricsReg)

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage backend, %w", err)
	}
	c.store = store

	c.Cache, err = cachestore.NewCacheStore(cachestore.Opts{
		Store:      store,
		Types:      cfg.Cache.Types,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Budget:     cfg.Cache.Budget,
		Logger:     logger.Named("cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}
	c.Cache.WithMetrics(cachestore.NewMetrics(reg))

	c.Queue, err = mutation_queue.NewQueue(mutation_queue.Opts{
		Store:      store,
		Capacity:   cfg.Queue.Capacity,
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     logger.Named("queue"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init mutation queue, %w", err)
	}
	c.Queue.WithMetrics(reg)

	c.Monitor = netmon.NewMonitor(netmon.AlwaysOnline{}, logger.Named("netmon"))

	var creds transport.Credentials
	if len(cfg.Transport.TokenEnv) > 0 {
		creds = envCredentials(cfg.Transport.TokenEnv)
	}
	tr, err := transport.NewHTTPTransport(transport.HTTPTransportOpts{
		BaseURL:     cfg.Transport.BaseURL,
		Credentials: creds,
		Timeout:     cfg.Transport.Timeout,
		Logger:      logger.Named("transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init transport, %w", err)
	}

	c.Orchestrator, err = orchestrator.NewOrchestrator(orchestrator.Opts{
		Transport: tr,
		Cache:     c.Cache,
		Queue:     c.Queue,
		Monitor:   c.Monitor,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init orchestrator, %w", err)
	}

	if cfg.Proofs.S3 != nil {
		targets, err := s3_target.NewProvider(*cfg.Proofs.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to init upload target provider, %w", err)
		}
		proofDir := cfg.Proofs.Dir
		if len(proofDir) == 0 {
			proofDir = filepath.Join(cfg.Storage.Dir, "proofs")
		}
		c.Proofs, err = proof.NewPipeline(proof.Opts{
			Store:          store,
			Orchestrator:   c.Orchestrator,
			Targets:        targets,
			Monitor:        c.Monitor,
			Dir:            proofDir,
			SubmitEndpoint: cfg.Proofs.SubmitEndpoint,
			Logger:         logger.Named("proof"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init proof pipeline, %w", err)
		}
	} else {
		logger.Info("no s3 config, proof pipeline disabled")
	}

	c.Sync, err = syncctl.NewController(syncctl.Opts{
		Queue:           c.Queue,
		Orchestrator:    c.Orchestrator,
		Proofs:          c.Proofs,
		Monitor:         c.Monitor,
		Debounce:        cfg.Sync.Debounce,
		RefreshInterval: cfg.Sync.RefreshInterval,
		Logger:          logger.Named("sync"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sync controller, %w", err)
	}
	c.Sync.WithMetrics(reg)

	c.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(c.metricsReg, promhttp.HandlerOpts{}))
	c.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	c.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	c.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	c.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	c.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return c, nil
}

// Close shuts down background goroutines and the storage backend.
func (c *Client) Close() error {
	c.sc.CloseWait()
	_ = c.Sync.Close()
	return c.store.Close()
}

func (c *Client) GetSafeClose() *safe_close.SafeClose { return c.sc }

func (c *Client) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("provensync_", c.metricsReg)
}

func (c *Client) GetHTTPAPIMux() *http.ServeMux { return c.httpAPIMux }

// RunAgent assembles a Client from cfg and runs it until a signal or fatal
// error.
func RunAgent(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	c, err := NewClient(cfg, lg)
	if err != nil {
		return err
	}
	return ServeClient(c, cfg, lg)
}

// ServeClient runs an assembled Client until a signal or fatal error, then
// closes it.
func ServeClient(c *Client, cfg *Config, lg *zap.Logger) error {
	c.Sync.Start()

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: c.httpAPIMux,
		}
		c.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				lg.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				if !errors.Is(err, http.ErrServerClosed) {
					c.sc.SendCloseSignal(err)
				}
			case <-closeSignal:
				_ = httpServer.Close()
			}
		})
	}

	c.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			lg.Info("signal received, exiting", zap.Stringer("signal", s))
			c.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-c.sc.ReceiveCloseSignal()
	err := c.sc.Err()
	if cerr := c.Close(); cerr != nil {
		lg.Warn("shutdown error", zap.Error(cerr))
	}
	return err
}

func newStore(cfg *Config, logger *zap.Logger) (kvstore.Store, error) {
	dir := cfg.Storage.Dir
	if len(dir) == 0 {
		dir = "./proven_state"
	}
	switch cfg.Storage.Backend {
	case "", "fs":
		return fs_store.NewFSStore(filepath.Join(dir, "kv"))
	case "sqlite":
		path := cfg.Storage.SQLitePath
		if len(path) == 0 {
			path = filepath.Join(dir, "proven_sync.db")
		}
		return sqlite_store.NewSQLiteStore(path)
	case "redis":
		client, err := redis_store.NewClient(cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}
		return redis_store.NewRedisStore(redis_store.RedisStoreOpts{
			Client:       client,
			ClientCloser: client,
			Logger:       logger.Named("redis"),
		})
	case "memory":
		return mem_store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %s", cfg.Storage.Backend)
	}
}

// envCredentials reads the bearer token from an environment variable on
// every request, so a token refreshed by the app shell is picked up.
type envCredentials string

func (e envCredentials) Token(_ context.Context) (string, error) {
	return os.Getenv(string(e)), nil
}
