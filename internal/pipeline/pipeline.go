package pipeline

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/otakit/otakit/internal/boot"
	"github.com/otakit/otakit/internal/config"
	"github.com/otakit/otakit/internal/download"
	"github.com/otakit/otakit/internal/errors"
	"github.com/otakit/otakit/internal/fetcher"
	"github.com/otakit/otakit/internal/filesystem"
	"github.com/otakit/otakit/internal/logger"
	"github.com/otakit/otakit/internal/payload"
	"github.com/otakit/otakit/internal/peercache"
	"github.com/otakit/otakit/internal/plan"
	"github.com/otakit/otakit/internal/policy"
	"github.com/otakit/otakit/internal/verifier"
)

// Attempt runs the download-and-verify stages of one update attempt:
// compute source hashes (delta plans only), download the payload, verify the
// target partitions. The plan moves by value from stage to stage; every
// failure surfaces as exactly one terminal error.
type Attempt struct {
	ID uuid.UUID

	boot   boot.Controller
	fs     filesystem.Introspector
	cache  peercache.Manager
	policy policy.Source
	cfg    *config.Config

	writer     payload.Writer
	delegate   download.Delegate
	newFetcher func() fetcher.Fetcher
}

type Option func(*Attempt)

// WithWriter injects the payload writer handed to the download coordinator.
func WithWriter(w payload.Writer) Option {
	return func(a *Attempt) { a.writer = w }
}

// WithDelegate registers a progress delegate for the download stage.
func WithDelegate(d download.Delegate) Option {
	return func(a *Attempt) { a.delegate = d }
}

// WithFetcherFactory overrides how the transport is built, mainly for tests.
func WithFetcherFactory(f func() fetcher.Fetcher) Option {
	return func(a *Attempt) { a.newFetcher = f }
}

func NewAttempt(bootCtl boot.Controller, fs filesystem.Introspector, cache peercache.Manager, pol policy.Source, cfg *config.Config, opts ...Option) *Attempt {
	if cfg == nil {
		defaults := config.DefaultConfig()
		cfg = &defaults
	}

	a := &Attempt{
		ID:     uuid.New(),
		boot:   bootCtl,
		fs:     fs,
		cache:  cache,
		policy: pol,
		cfg:    cfg,
	}

	a.newFetcher = func() fetcher.Fetcher {
		h := fetcher.NewHTTP()
		h.SetMaxRetryCount(cfg.Fetcher.MaxRetries)
		h.SetConnectTimeout(cfg.Fetcher.ConnectTimeout)
		h.SetLowSpeedLimit(cfg.Fetcher.LowSpeedLimit, cfg.Fetcher.LowSpeedWindow)
		return h
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// NewPeerCacheManager builds the bbolt-backed peer cache from configuration.
func NewPeerCacheManager(cfg *config.Config) (*peercache.FileManager, error) {
	if cfg == nil {
		defaults := config.DefaultConfig()
		cfg = &defaults
	}

	return peercache.NewFileManager(cfg.PeerCache.Dir, cfg.PeerCache.DBPath)
}

// Run drives the attempt to its single terminal outcome. On success the
// fully verified plan is returned; on failure or cancellation no plan is.
func (a *Attempt) Run(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	logger.Infof("Starting update attempt %s", a.ID)

	if !p.IsFullUpdate {
		v := verifier.New(verifier.ComputeSourceHash, a.boot, a.fs)

		var err error
		p, err = v.Start(ctx, p)
		if err != nil {
			return plan.Plan{}, err
		}
	}

	var opts []download.Option
	if a.writer != nil {
		opts = append(opts, download.WithWriter(a.writer))
	}
	if a.delegate != nil {
		opts = append(opts, download.WithDelegate(a.delegate))
	}

	coord := download.New(a.boot, a.cache, a.policy, a.newFetcher(), opts...)
	coord.Start(p)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-coord.Result():
			return err
		case <-gctx.Done():
			coord.TerminateProcessing()
			<-coord.Result()
			return errors.NewGenericError(gctx.Err(), p.DownloadURL)
		}
	})
	if err := g.Wait(); err != nil {
		return plan.Plan{}, err
	}

	p, ok := coord.Plan()
	if !ok {
		return plan.Plan{}, errors.NewGenericError(errors.New("download finished without a plan"), p.DownloadURL)
	}

	v := verifier.New(verifier.VerifyTargetHash, a.boot, a.fs)

	return v.Start(ctx, p)
}
