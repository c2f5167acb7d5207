// Command avcmux ingests H.264 over SRT or HTTP and serves it to viewers as
// fragmented MP4, decoder-feed access units, or WebRTC.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avcmux/internal/certs"
	"github.com/zsiec/avcmux/internal/config"
	"github.com/zsiec/avcmux/internal/distribution"
	srtingest "github.com/zsiec/avcmux/internal/ingest/srt"
	"github.com/zsiec/avcmux/internal/logger"
	"github.com/zsiec/avcmux/internal/metrics"
)

var version = "dev"

func main() {
	envErr := config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn("reading .env", "error", envErr)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.CertValidity, cfg.CertHosts...)
	if err != nil {
		return fmt.Errorf("generating cert: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("avcmux starting",
		"version", version,
		"srt", cfg.SRTAddr,
		"h3", cfg.H3Addr,
		"api", cfg.HTTPAddr,
		"frame_rate", cfg.FrameRate,
		"fps_from_source", cfg.ReadFrameRateFromSource,
	)

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller are created after the errgroup so their
	// closures see the group context and streams end when any server fails.
	a := newApp(ctx, log, metrics.New())
	a.srtCaller = srtingest.NewCaller(a.registry, log)

	webrtcAPI, err := distribution.NewWebRTCAPI()
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:    cfg.H3Addr,
		Cert:    cert,
		Logger:  log,
		Metrics: a.metrics,
		Viewer: distribution.ViewerDefaults{
			FrameRate:             cfg.FrameRate,
			IgnoreSourceFrameRate: !cfg.ReadFrameRateFromSource,
			QueueSize:             cfg.ViewerQueue,
		},
		WebRTC:      webrtcAPI,
		ICEServers:  cfg.ICEServers,
		FrameIngest: a.ingestFrame,
		EndStream:   a.endStream,
		SRTPull: func(address, streamKey, streamID string) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   address,
				StreamKey: streamKey,
				StreamID:  streamID,
			})
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.listSRTPulls,
	})
	if err != nil {
		return fmt.Errorf("distribution server: %w", err)
	}
	defer a.distSrv.Close()

	srtSrv := srtingest.NewServer(cfg.SRTAddr, a.registry, log)

	apiSrv := &http.Server{
		Addr:      cfg.HTTPAddr,
		Handler:   a.distSrv.APIHandler(),
		TLSConfig: cert.TLSConfig(),
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		log.Info("HTTPS API server listening", "addr", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.distSrv.StartH3(ctx)
	})

	err = g.Wait()
	log.Info("shut down", "streams", a.registry.Len())
	return err
}
