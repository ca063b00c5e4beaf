package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	reactor "github.com/ehrlich-b/go-reactor"
	"github.com/ehrlich-b/go-reactor/internal/config"
	"github.com/ehrlich-b/go-reactor/internal/echo"
	"github.com/ehrlich-b/go-reactor/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a .toml or .yaml configuration file")
		address    = flag.String("addr", "", "Listen address, overrides the config file (e.g. 127.0.0.1:7777)")
		verbose    = flag.Bool("v", false, "Verbose output")
		oneShot    = flag.Bool("oneshot", false, "Use one-shot accepts even if the kernel supports multishot")
		statsEvery = flag.Duration("stats", 0, "Log statistics at this interval (0 disables)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
		cfg = loaded
	}
	if *address != "" {
		cfg.Server.Address = *address
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	level, err := logging.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.Global.LogLevel, err)
	}
	logConfig.Level = level
	logConfig.Format = cfg.Global.LogFormat
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var features *reactor.Features
	if *oneShot {
		f, err := reactor.DetectFeatures()
		if err != nil {
			logger.Error("failed to detect kernel features", "error", err)
			os.Exit(1)
		}
		f.MultishotAccept = false
		features = &f
	}

	metrics := reactor.NewMetrics()
	runner, err := echo.NewRunner(echo.Config{
		Address:   cfg.Server.Address,
		Backlog:   cfg.Server.Backlog,
		ReadSize:  cfg.Server.ReadSize,
		Heartbeat: cfg.Heartbeat(),
		Reactor:   cfg.ReactorConfig(),
		Features:  features,
		Logger:    logger,
		Observer:  reactor.NewMetricsObserver(metrics),
	})
	if err != nil {
		logger.Error("failed to start echo server", "error", err)
		os.Exit(1)
	}
	if err := runner.Start(); err != nil {
		logger.Error("failed to start I/O loop", "error", err)
		runner.Close()
		os.Exit(1)
	}

	logger.Info("echo server listening", "address", runner.Addr())
	fmt.Printf("Listening on %s\n", runner.Addr())
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  nc %s\n", runner.Addr())
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	// Set up SIGUSR1 handler for stack trace dumps
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	if *statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for range ticker.C {
				logStats(logger, runner, metrics)
			}
		}()
	}

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second+5*cfg.Heartbeat())
	defer cancel()
	if err := runner.Stop(ctx); err != nil {
		logger.Info("cleanup timeout, forcing exit")
	}
	if err := runner.Close(); err != nil {
		logger.Error("error closing reactor", "error", err)
	}
	metrics.Stop()
	logStats(logger, runner, metrics)
}

func logStats(logger *logging.Logger, runner *echo.Runner, metrics *reactor.Metrics) {
	st := runner.Stats()
	snap := metrics.Snapshot()
	logger.Info("stats",
		"accepted", st.Accepted,
		"active", st.Active,
		"bytes_echoed", st.BytesEchoed,
		"completions", snap.TotalCompleted,
		"failed", snap.TotalFailed,
		"rearms", snap.Rearms,
		"eager_flushes", snap.EagerFlushes,
		"avg_batch", snap.AvgBatchSize,
		"batch_p99", snap.BatchP99)
}

func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n")
	fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
	fmt.Fprintf(os.Stderr, "=== END STACK DUMP ===\n\n")

	filename := fmt.Sprintf("uring-echo-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])
	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)
	logger.Info("stack trace written to file", "file", filename)
}
