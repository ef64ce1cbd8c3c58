package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spinneret/spinneret/config"
	"github.com/spinneret/spinneret/engine"
	"github.com/spinneret/spinneret/export"
	"github.com/spinneret/spinneret/fetch"
	"github.com/spinneret/spinneret/fetch/headless"
	"github.com/spinneret/spinneret/internal/logging"
	"github.com/spinneret/spinneret/middleware"
	"github.com/spinneret/spinneret/progress"
	"github.com/spinneret/spinneret/progress/sinks"
	"github.com/spinneret/spinneret/status"
)

type crawlOptions struct {
	seeds        []string
	hosts        []string
	blockHosts   []string
	depth        int
	out          string
	workers      int
	delayMs      int
	headless     bool
	headlessAuto bool
	statusSrv    bool
	robots       bool
	randomUA     bool
	logLevel     string
}

func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl seed URLs and map their links",
		Long: `Runs the built-in link spider: it fetches each seed, follows
same-host links down to --depth, and emits one item per page with its
title and outbound link count.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.seeds, "seed", "s", nil, "seed URL (repeatable)")
	cmd.Flags().StringSliceVar(&opts.hosts, "allow-host", nil, "extra hosts to follow beyond the seed hosts")
	cmd.Flags().StringSliceVar(&opts.blockHosts, "block-host", nil, "hosts to refuse, exact or *.suffix (repeatable)")
	cmd.Flags().IntVarP(&opts.depth, "depth", "d", 1, "how many link levels to follow below the seeds")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "JSONL output path (default export.path)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "worker count (default crawl.workers)")
	cmd.Flags().IntVar(&opts.delayMs, "delay-ms", -1, "politeness delay between fetches (default crawl.download_delay_ms)")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "render pages in a headless browser")
	cmd.Flags().BoolVar(&opts.headlessAuto, "headless-auto", false, "fetch plain and render only pages that need it (implies --headless)")
	cmd.Flags().BoolVar(&opts.statusSrv, "status", false, "serve health/stats/metrics while crawling")
	cmd.Flags().BoolVar(&opts.robots, "respect-robots", true, "honor robots.txt")
	cmd.Flags().BoolVar(&opts.randomUA, "random-ua", false, "rotate browser user agents")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "minimum log level: debug, info, warn, error (default logging.level)")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	if len(opts.seeds) == 0 {
		return errors.New("at least one --seed is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(opts, &cfg)

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sp, err := newLinkSpider(opts.seeds, opts.hosts, opts.depth, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("progress hub close", zap.Error(cerr))
		}
	}()

	ecfg := cfg.EngineConfig()

	var fetcher fetch.Fetcher
	if cfg.Headless.Enabled {
		chrome, cerr := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
		})
		if cerr != nil {
			logger.Warn("headless fetcher init failed", zap.Error(cerr))
		} else {
			defer chrome.Close()
			if cfg.Headless.Auto {
				plain := fetch.NewClient(fetch.Config{
					Timeout:        ecfg.Timeout,
					DefaultHeaders: ecfg.DefaultHeaders,
					MaxBodyBytes:   ecfg.MaxBodyBytes,
				}, logger)
				fetcher = headless.NewFallback(plain, chrome, logger)
			} else {
				fetcher = chrome
			}
		}
	}

	eng := engine.New(ecfg, sp, fetcher, hub, logger)
	if len(cfg.Crawl.BlockedHosts) > 0 {
		eng.OnRequest(middleware.BlockHosts(cfg.Crawl.BlockedHosts...))
	}
	if opts.randomUA {
		eng.OnRequest(middleware.RandomUserAgent())
	}
	if opts.robots {
		eng.OnRequest(middleware.Robots(cfg.HTTP.UserAgent, logger))
	}

	if path := exportPath(opts, cfg); path != "" {
		exp, eerr := export.NewJSONL(path, logger)
		if eerr != nil {
			return fmt.Errorf("open export: %w", eerr)
		}
		defer func() {
			if cerr := exp.Close(); cerr != nil {
				logger.Warn("close export", zap.Error(cerr))
			}
		}()
		eng.OnItem(exp.Pipe())
		logger.Info("exporting items", zap.String("path", path))
	}

	if cfg.Status.Enabled {
		srv := status.NewServer(fmt.Sprintf(":%d", cfg.Status.Port), eng.Stats, reg, logger)
		go func() {
			if serr := srv.Start(); serr != nil {
				logger.Warn("status server failed", zap.Error(serr))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutCtx); serr != nil {
				logger.Warn("status server shutdown", zap.Error(serr))
			}
		}()
	}

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}

func applyFlagOverrides(opts *crawlOptions, cfg *config.Config) {
	if opts.workers > 0 {
		cfg.Crawl.Workers = opts.workers
	}
	if opts.delayMs >= 0 {
		cfg.Crawl.DownloadDelayMs = opts.delayMs
	}
	if opts.headless {
		cfg.Headless.Enabled = true
	}
	if opts.headlessAuto {
		cfg.Headless.Enabled = true
		cfg.Headless.Auto = true
	}
	if len(opts.blockHosts) > 0 {
		cfg.Crawl.BlockedHosts = append(cfg.Crawl.BlockedHosts, opts.blockHosts...)
	}
	if opts.statusSrv {
		cfg.Status.Enabled = true
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
}

func exportPath(opts *crawlOptions, cfg config.Config) string {
	if opts.out != "" {
		return opts.out
	}
	return cfg.Export.Path
}
