package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/karlfleet/karl/internal/karl"
	"github.com/karlfleet/karl/internal/nginx"
)

var version = "dev"

const (
	defaultPort           = uint16(7576)
	defaultTimeout        = 45 * time.Second
	defaultMetricsAddr    = ":9100"
	defaultShutdownWindow = 10 * time.Second
)

var (
	configPath       = flag.String("config", "", "path to a YAML config file; flags override it")
	envFile          = flag.String("env-file", "", "path to a .env file to load before parsing config")
	port             = flag.Uint16("port", defaultPort, "port to serve the orchestrator on")
	keepalivesFile   = flag.String("keepalives-file", "", "path of the keepalive log; empty keeps it in memory")
	storeFile        = flag.String("store-file", "", "path of the fleet store changelog; empty keeps it in memory")
	urlPrefix        = flag.String("url", "/", "base URL the orchestrator is mounted under")
	externalURL      = flag.String("external-url", "", "externally visible base URL (default http://localhost:<port>)")
	svgName          = flag.String("svg-name", "Karl", "fleet name on rendered status pages")
	githubRepoURL    = flag.String("github-url", "", "repository URL shown on rendered status pages")
	timeout          = flag.Duration("timeout", defaultTimeout, "silence interval after which a claire is considered disconnected")
	nginxPort        = flag.Uint16("nginx-port", 0, "port of the emitted reverse-proxy server block")
	nginxConfigFile  = flag.String("nginx-config-file", "", "path of the reverse-proxy config to maintain; empty disables")
	nginxRoutePrefix = flag.String("nginx-route-prefix", "/live", "route prefix of per-claire proxy locations")
	metricsAddr      = flag.String("metrics-addr", defaultMetricsAddr, "address to serve Prometheus metrics on")
	verbose          = flag.Bool("verbose", false, "enable verbose logging")
	showVersion      = flag.Bool("version", false, "print version and exit")
)

// fileConfig mirrors the flags that make sense to keep in a file.
type fileConfig struct {
	Port           uint16           `yaml:"port"`
	KeepalivesFile string           `yaml:"keepalives_file"`
	StoreFile      string           `yaml:"store_file"`
	URL            string           `yaml:"url"`
	ExternalURL    string           `yaml:"external_url"`
	SVGName        string           `yaml:"svg_name"`
	GithubRepoURL  string           `yaml:"github_url"`
	Timeout        time.Duration    `yaml:"timeout"`
	Nginx          nginx.Parameters `yaml:"nginx"`
	MetricsAddr    string           `yaml:"metrics_addr"`
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error("Failed to load env file", "path", *envFile, "error", err)
			return err
		}
	}

	cfg := karl.Config{
		Port:                   *port,
		KeepalivesFile:         *keepalivesFile,
		StoreFile:              *storeFile,
		URLPrefix:              *urlPrefix,
		ExternalURL:            *externalURL,
		SVGName:                *svgName,
		GithubRepoURL:          *githubRepoURL,
		ServiceTimeoutInterval: *timeout,
		Nginx: nginx.Parameters{
			Port:        *nginxPort,
			ConfigFile:  *nginxConfigFile,
			RoutePrefix: *nginxRoutePrefix,
		},
	}
	if *configPath != "" {
		if err := overlayFileConfig(*configPath, &cfg); err != nil {
			log.Error("Failed to load config file", "path", *configPath, "error", err)
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator, err := karl.New(log, cfg)
	if err != nil {
		log.Error("Failed to start orchestrator", "error", err)
		return err
	}
	defer func() {
		if err := orchestrator.Close(); err != nil {
			log.Error("Orchestrator shutdown failed", "error", err)
		}
	}()

	mux := http.NewServeMux()
	orchestrator.Register(mux)
	mux.Handle(cfg.URLPrefix+"stream/keepalives", orchestrator.KeepaliveStream())
	mux.Handle(cfg.URLPrefix+"stream/keepalives/", orchestrator.KeepaliveStream())

	if *metricsAddr != "" {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, metricsMux); err != nil {
				log.Error("Metrics server exited", "error", err)
			}
		}()
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving", "addr", srv.Addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownWindow)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP shutdown failed", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error("Server exited with error", "error", err)
		return err
	}
}

// overlayFileConfig fills config fields whose flag still holds its
// default value.
func overlayFileConfig(path string, cfg *karl.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Port == defaultPort && fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if cfg.KeepalivesFile == "" {
		cfg.KeepalivesFile = fc.KeepalivesFile
	}
	if cfg.StoreFile == "" {
		cfg.StoreFile = fc.StoreFile
	}
	if cfg.URLPrefix == "/" && fc.URL != "" {
		cfg.URLPrefix = fc.URL
	}
	if cfg.ExternalURL == "" {
		cfg.ExternalURL = fc.ExternalURL
	}
	if cfg.SVGName == "Karl" && fc.SVGName != "" {
		cfg.SVGName = fc.SVGName
	}
	if cfg.GithubRepoURL == "" {
		cfg.GithubRepoURL = fc.GithubRepoURL
	}
	if cfg.ServiceTimeoutInterval == defaultTimeout && fc.Timeout > 0 {
		cfg.ServiceTimeoutInterval = fc.Timeout
	}
	if !cfg.Nginx.Enabled() && fc.Nginx.Enabled() {
		cfg.Nginx = fc.Nginx
	}
	if *metricsAddr == defaultMetricsAddr && fc.MetricsAddr != "" {
		*metricsAddr = fc.MetricsAddr
	}
	return nil
}
