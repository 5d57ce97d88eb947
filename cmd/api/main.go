package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	camrec "github.com/onkernel/camrec"
	"github.com/onkernel/camrec/cmd/api/api"
	"github.com/onkernel/camrec/cmd/config"
	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/codec"
	"github.com/onkernel/camrec/lib/logger"
	"github.com/onkernel/camrec/lib/recorder"
	"github.com/onkernel/camrec/lib/scaletozero"
	"github.com/onkernel/camrec/lib/session"
	"github.com/onkernel/camrec/lib/zstdutil"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	// ensure ffmpeg is available and learn what it can encode
	caps := codec.NewFFmpegCapabilities(config.PathToFFmpeg)
	if err := probeFFmpeg(ctx, caps); err != nil {
		slogger.Error("ffmpeg not found or not executable", "err", err)
		os.Exit(1)
	}

	formats := codec.DefaultFormats()
	if config.FormatsFile != "" {
		formats, err = codec.LoadFormats(config.FormatsFile)
		if err != nil {
			slogger.Error("failed to load recording formats", "err", err, "path", config.FormatsFile)
			os.Exit(1)
		}
	}

	stz := scaletozero.NewDebouncedController(scaletozero.NewUnikraftCloudController())
	binding := capture.NewBinding()
	defaultStream := config.Stream()

	controller, err := session.New(ctx, session.Params{
		Source:       binding,
		Capabilities: caps,
		Formats:      formats,
		NewEngine:    recorder.NewFFmpegFactory(config.PathToFFmpeg),
		ScaleToZero:  stz,
	})
	if err != nil {
		slogger.Error("failed to create recording controller", "err", err)
		os.Exit(1)
	}

	apiService, err := api.New(controller, binding, defaultStream, formats, zstdutil.CompressionLevel(config.ExportZstdLevel))
	if err != nil {
		slogger.Error("failed to create api service", "err", err)
		os.Exit(1)
	}

	spec, err := api.LoadSpec(ctx, camrec.OpenAPIYAML)
	if err != nil {
		slogger.Error("failed to load openapi document", "err", err)
		os.Exit(1)
	}
	validateRequests, err := api.ValidateRequests(spec)
	if err != nil {
		slogger.Error("failed to build request validator", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
		scaletozero.Middleware(stz),
		validateRequests,
	)
	apiService.Routes(r)
	api.SpecRoutes(r, camrec.OpenAPIYAML)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// the camera is either followed as its device node comes and goes or bound once
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	watchDone := make(chan struct{})
	if config.WatchCamera {
		watcher := capture.NewDeviceWatcher(binding, defaultStream)
		go func() {
			defer close(watchDone)
			if err := watcher.Run(watchCtx); err != nil {
				slogger.Error("camera watcher failed, binding camera once", "err", err)
				binding.Bind(defaultStream)
			}
		}()
	} else {
		binding.Bind(defaultStream)
		close(watchDone)
	}

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(logger.AddToContext(context.Background(), slogger), 15*time.Second)
	defer cancel()
	g, _ := errgroup.WithContext(shutdownCtx)

	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return apiService.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		cancelWatch()
		<-watchDone
		return nil
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}

// probeFFmpeg retries briefly since the binary may still be installing when
// the container starts.
func probeFFmpeg(ctx context.Context, caps *codec.FFmpegCapabilities) error {
	return retry.New(
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		if err := caps.Probe(ctx); err != nil {
			logger.FromContext(ctx).Warn("ffmpeg probe failed", "err", err)
			return err
		}
		return nil
	})
}
