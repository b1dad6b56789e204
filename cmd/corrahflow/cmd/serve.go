package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"net/http"

	"github.com/Corrah/CorrahFlow/internal/config"
	internalhttp "github.com/Corrah/CorrahFlow/internal/http"
	"github.com/Corrah/CorrahFlow/internal/http/handlers"
	"github.com/Corrah/CorrahFlow/internal/relay/cenc"
	"github.com/Corrah/CorrahFlow/internal/relay/egress"
	"github.com/Corrah/CorrahFlow/internal/relay/extractor"
	"github.com/Corrah/CorrahFlow/internal/relay/httppool"
	"github.com/Corrah/CorrahFlow/internal/relay/keypipe"
	"github.com/Corrah/CorrahFlow/internal/relay/segmentpipe"
	"github.com/Corrah/CorrahFlow/internal/version"
	"github.com/Corrah/CorrahFlow/pkg/httpclient"
)

// poolDialer adapts httppool.Pool's per-destination-URL Acquire to the
// single-method Dialer interface every relay package expects, the same
// adapter internal/http/handlers.poolDialer provides for its own use —
// duplicated here (rather than exported) since the two packages construct
// their pipelines independently and neither should import the other.
type poolDialer struct {
	pool *httppool.Pool
}

func (d *poolDialer) Do(req *http.Request) (*http.Response, error) {
	client, _ := d.pool.Acquire(req.URL.String())
	return client.Do(req)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the corrahflow relay server",
	Long: `Start the corrahflow HTTP relay server.

The server provides:
- HLS/MPD manifest rewriting and raw stream proxying
- AES-128 key relay and ClearKey/DRM license proxying
- Segment relay and CENC ClearKey decrypt+remux
- Extractor dispatch and batch proxy-URL generation
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 7860, "Port to listen on")
	serveCmd.Flags().String("config-file", "", "Path to config file, overrides --config resolution")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	configPath := cfgFile
	if override, _ := cmd.Flags().GetString("config-file"); override != "" {
		configPath = override
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if host := viper.GetString("server.host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}

	router := egress.NewRouter(cfg.Proxy.TransportRoutes, cfg.Proxy.GlobalProxy)
	clientRegistry := httpclient.NewRegistry()
	pool := httppool.New(router, logger, clientRegistry)
	dialer := &poolDialer{pool: pool}

	directClient := httpclient.NewWithDefaults()

	registry := extractor.NewRegistry()
	registry.RegisterFactory(extractor.GenericKey, func() extractor.Extractor {
		return extractor.NewGenericExtractor(dialer, directClient, len(cfg.Proxy.GlobalProxy) > 0, logger)
	})

	remuxer, monitor := buildRemuxer(cfg, logger)
	segmentCache := segmentpipe.NewSegmentCache()
	segments := segmentpipe.New(
		dialer,
		cenc.Decrypt,
		remuxer,
		segmentCache,
		segmentpipe.NewInitCache(),
		logger,
	)
	keys := keypipe.New(dialer, logger, nil)

	sweeper := segmentpipe.NewSweeper(segmentCache, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting segment cache sweeper: %w", err)
	}
	defer sweeper.Stop()

	serverConfig := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	docsHandler := handlers.NewDocsHandler("corrahflow API", "/openapi.yaml", handlers.WithSystemTheme())
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	relayHandler := handlers.NewRelayHandler(cfg, pool, registry, segments, keys, logger)
	relayHandler.Register(server.Router())

	healthHandler := handlers.NewHealthHandler(monitor, cfg.Proxy.APIPassword)
	healthHandler.RegisterChiRoutes(server.Router())

	handlers.NewGenerateURLsHandler(relayHandler).Register(server.API())
	handlers.NewExtractorHandler(relayHandler).Register(server.API())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting corrahflow relay",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.String("mpd_mode", cfg.MPD.Mode),
	)

	return server.ListenAndServe(ctx)
}

// buildRemuxer selects the CENC pipeline's TS remux backend per
// FFMPEG_BINARY_PATH, or nil (raw fMP4 always served) when unconfigured.
func buildRemuxer(cfg *config.Config, logger *slog.Logger) (segmentpipe.Remuxer, *segmentpipe.ProcessMonitor) {
	monitor := segmentpipe.NewProcessMonitor()
	if cfg.FFmpeg.BinaryPath == "" {
		logger.Warn("no ffmpeg binary path configured, CENC segments will be served as raw fMP4")
		return nil, monitor
	}
	return segmentpipe.NewSubprocessRemuxer(cfg.FFmpeg.BinaryPath, logger, monitor), monitor
}
