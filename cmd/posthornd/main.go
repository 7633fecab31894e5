// Command posthornd is a minimal daemon wrapping the posthorn engine: it
// loads configuration, accepts RFC 5322 messages on stdin for a "send"
// subcommand, and otherwise just keeps the worker alive so a future
// front-end (an SMTP-receiving server, an HTTP API) can call SendEmail.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posthorn/posthorn"
	"github.com/posthorn/posthorn/config"
	"github.com/posthorn/posthorn/internal/metrics"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "send":
		sendCmd := flag.NewFlagSet("send", flag.ExitOnError)
		configPath := sendCmd.String("config", "config/posthorn.yaml", "config file path")
		sendCmd.Parse(os.Args[2:])
		runSend(*configPath)
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", "config/posthorn.yaml", "config file path")
		metricsAddr := serveCmd.String("metrics-addr", ":9090", "address to serve /metrics on")
		serveCmd.Parse(os.Args[2:])
		runServe(*configPath, *metricsAddr)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: posthornd <send|serve> [-config path]")
}

func loadEngine(configPath string, reg prometheus.Registerer) (*posthorn.Engine, posthorn.Storage) {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	cfg.Metrics = metrics.New(reg)

	storage := posthorn.NewMemoryStorage()
	engine, err := posthorn.New(cfg, storage)
	if err != nil {
		slog.Error("constructing engine", "error", err)
		os.Exit(1)
	}
	engine.Start()
	return engine, storage
}

func runSend(configPath string) {
	engine, _ := loadEngine(configPath, prometheus.NewRegistry())
	defer engine.Die()

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		slog.Error("reading message from stdin", "error", err)
		os.Exit(1)
	}

	msg, err := posthorn.ParseMessage(raw)
	if err != nil {
		slog.Error("parsing message", "error", err)
		os.Exit(1)
	}

	id, err := engine.SendEmail(msg)
	if err != nil {
		slog.Error("sending message", "error", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func runServe(configPath, metricsAddr string) {
	reg := prometheus.NewRegistry()
	engine, _ := loadEngine(configPath, reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	engine.Die()
	_ = metricsServer.Close()
}
