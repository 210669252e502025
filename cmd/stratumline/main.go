package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/jrick/logrotate/rotator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"stratumline/config"
	"stratumline/stratum"
)

// cliOptions supplements config.Load's environment variables with flags, the
// way eacrpool's command layer lets operators override env-sourced defaults
// at the command line.
type cliOptions struct {
	Host string `long:"host" description:"pool hostname"`
	Port int    `long:"port" description:"pool port"`
	User string `long:"user" description:"pool username"`
	Pass string `long:"pass" description:"pool password"`
}

func main() {
	cfg := config.Load()

	var opts cliOptions
	if _, err := flags.NewParser(&opts, flags.IgnoreUnknown).Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.Host != "" {
		cfg.PoolHost = opts.Host
	}
	if opts.Port != 0 {
		cfg.PoolPort = opts.Port
	}
	if opts.User != "" {
		cfg.PoolUser = opts.User
	}
	if opts.Pass != "" {
		cfg.PoolPass = opts.Pass
	}

	log, closeLog := initLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	metrics := stratum.NewMetrics("stratumline")
	if cfg.MetricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.WithError(err).Warn("failed to register metrics")
		} else {
			go serveMetrics(cfg.MetricsAddr, log)
		}
	}

	connConfig := stratum.Config{
		Timeout:       cfg.Timeout(),
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay(),
		Keepalive:     cfg.Keepalive,
		ProxyAddr:     cfg.ProxyAddr,
		RequestRate:   rate.Limit(cfg.RequestRate),
		ClientVersion: cfg.ClientVersion,
	}

	conn, err := stratum.NewConnection(cfg.PoolHost, cfg.PoolPort, connConfig, log.WithField("component", "connection"))
	if err != nil {
		log.WithError(err).Fatal("failed to connect to pool")
	}

	client := stratum.NewClient(conn, stratum.NullMiner{}, log.WithField("component", "client"))

	if _, err := client.Subscribe(); err != nil {
		log.WithError(err).Fatal("mining.subscribe failed")
	}
	auth, err := client.Authorize(cfg.PoolUser, cfg.PoolPass)
	if err != nil {
		log.WithError(err).Fatal("mining.authorize failed")
	}
	if !auth.Authorized {
		log.Fatal("pool rejected credentials")
	}
	log.Info("authorized, awaiting jobs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statsCron := cron.New()
	_ = statsCron.AddFunc(fmt.Sprintf("@every %s", cfg.StatsInterval()), func() {
		stats := client.Stats()
		metrics.Observe(stats, client.GetCurrentJob() != nil)
		log.WithFields(logrus.Fields{
			"sent":     stats.MessagesSent,
			"received": stats.MessagesReceived,
			"errors":   stats.Errors,
			"retries":  stats.Retries,
			"state":    client.State().String(),
		}).Info("connection stats")
	})
	statsCron.Start()
	defer statsCron.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go drainResults(ctx, client, log)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("notification loop exited")
	}

	if err := client.Close(); err != nil {
		log.WithError(err).Warn("close failed")
	}
}

func drainResults(ctx context.Context, client *stratum.Client, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-client.Results():
			if !ok {
				return
			}
			share := stratum.Share{
				JobID:       result.Job.JobID,
				Extranonce2: mustExtranonce2(client, log),
				NTime:       result.Job.NTime,
				Nonce:       fmt.Sprintf("%08x", result.Nonce),
			}
			accepted, err := client.SubmitShare(share)
			if err != nil {
				log.WithError(err).Warn("submit_share failed")
				continue
			}
			log.WithField("accepted", accepted).Info("share submitted")
		}
	}
}

func mustExtranonce2(client *stratum.Client, log *logrus.Entry) string {
	extranonce2, err := client.GenerateExtranonce2()
	if err != nil {
		log.WithError(err).Warn("failed to generate extranonce2")
		return ""
	}
	return extranonce2
}

func serveMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics server stopped")
	}
}

// initLogger mirrors the teacher's plain stdout logging, extended with
// logrus structured fields and log-rotation the way a long-running daemon
// needs once its output is redirected to a file.
func initLogger(level, logFile string) (*logrus.Entry, func()) {
	logger := logrus.New()
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}

	closeFn := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err == nil {
			r, err := rotator.New(logFile, 10*1024, false, 3)
			if err == nil {
				logger.SetOutput(io.MultiWriter(os.Stdout, r))
				closeFn = func() { r.Close() }
			} else {
				logger.WithError(err).Warn("failed to open log rotator, logging to stdout only")
			}
		}
	}

	return logrus.NewEntry(logger), closeFn
}
