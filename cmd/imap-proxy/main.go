// Command imap-proxy serves IMAP sessions over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	imapproxy "github.com/BrianLeishman/go-imap-proxy"
	"github.com/BrianLeishman/go-imap-proxy/httpapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "imap-proxy:", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()}))
	if err := run(cfg, logger); err != nil {
		logger.Error("imap-proxy stopped", "error", err)
		os.Exit(1)
	}
}

// configure applies the library knobs from cfg.
func configure(cfg Config, logger *slog.Logger) {
	imapproxy.SetSlogLogger(logger)
	imapproxy.Verbose = cfg.Verbose
	imapproxy.TLSSkipVerify = cfg.TLSSkipVerify
	imapproxy.DialTimeout = cfg.DialTimeout
	imapproxy.CommandTimeout = cfg.CommandTimeout
	imapproxy.RetryCount = cfg.RetryCount
	imapproxy.SyncBatchSize = cfg.SyncBatchSize
}

func startProfile(cfg Config) interface{ Stop() } {
	opts := []func(*profile.Profile){profile.NoShutdownHook, profile.Quiet}
	if cfg.ProfilePath != "" {
		opts = append(opts, profile.ProfilePath(cfg.ProfilePath))
	}
	switch cfg.Profile {
	case "cpu":
		return profile.Start(append(opts, profile.CPUProfile)...)
	case "mem":
		return profile.Start(append(opts, profile.MemProfile, profile.MemProfileAllocs)...)
	case "block":
		return profile.Start(append(opts, profile.BlockProfile)...)
	}
	return nil
}

func run(cfg Config, logger *slog.Logger) error {
	configure(cfg, logger)
	if p := startProfile(cfg); p != nil {
		defer p.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxy := imapproxy.New(imapproxy.Options{
		IdleTimeout: cfg.IdleTimeout,
		LoginRate:   cfg.LoginRate,
		LoginBurst:  cfg.LoginBurst,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.NewHandler(proxy, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		proxy.Manager().RunJanitor(ctx, cfg.JanitorInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), proxy.Close(shutdownCtx))
	})
	return g.Wait()
}
