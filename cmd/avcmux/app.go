package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/avcmux/internal/distribution"
	"github.com/zsiec/avcmux/internal/ingest"
	srtingest "github.com/zsiec/avcmux/internal/ingest/srt"
	"github.com/zsiec/avcmux/internal/metrics"
	"github.com/zsiec/avcmux/internal/pipeline"
)

// frameTimeout bounds how long a posted frame waits for the pipeline.
const frameTimeout = 10 * time.Second

// app wires ingest sources to pipelines and the distribution server.
type app struct {
	ctx     context.Context
	log     *slog.Logger
	metrics *metrics.Metrics

	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	distSrv   *distribution.Server
}

func newApp(ctx context.Context, log *slog.Logger, m *metrics.Metrics) *app {
	a := &app{ctx: ctx, log: log, metrics: m}
	a.registry = ingest.NewRegistry(a.handleSource)
	return a
}

// handleSource runs the pipeline for one ingest source until the source
// ends, then tears the stream down.
func (a *app) handleSource(src *ingest.Source) {
	protocol := protocolOf(src)
	a.log.Info("new stream from ingest", "key", src.Key, "protocol", protocol)

	relay := a.distSrv.RegisterStream(src.Key)
	defer a.distSrv.UnregisterStream(src.Key)

	p := pipeline.New(pipeline.Config{
		Key:      src.Key,
		Relay:    relay,
		Protocol: protocol,
		Logger:   a.log,
		Recorder: a.metrics,
	})
	a.distSrv.SetPipeline(src.Key, p)

	var err error
	switch src.Format {
	case ingest.FormatMPEGTS:
		err = p.RunTS(a.ctx, src.Input())
	default:
		err = p.RunFrames(a.ctx, src)
	}
	// Stops a publisher still writing after the demuxer gave up.
	a.registry.Remove(src)
	if err != nil {
		a.log.Error("pipeline error", "stream", src.Key, "error", err)
	}
	a.log.Info("stream ended", "key", src.Key, "forwarded", p.Forwarded())
}

// ingestFrame accepts one access unit posted over HTTP, starting the
// stream on its first frame.
func (a *app) ingestFrame(key string, data []byte, lengthSize int) error {
	src, err := a.registry.Open(key)
	if err != nil {
		return fmt.Errorf("%w: %v", distribution.ErrStreamInUse, err)
	}
	ctx, cancel := context.WithTimeout(a.ctx, frameTimeout)
	defer cancel()

	err = src.PushFrame(ctx, data, lengthSize)
	if errors.Is(err, ingest.ErrClosed) {
		return fmt.Errorf("%w: %s", distribution.ErrStreamNotFound, key)
	}
	return err
}

// endStream ends an HTTP-ingested stream. SRT streams end with their
// connection.
func (a *app) endStream(key string) error {
	src, ok := a.registry.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", distribution.ErrStreamNotFound, key)
	}
	if src.Format != ingest.FormatAccessUnits {
		return fmt.Errorf("%w: %s is ingested over %s", distribution.ErrStreamInUse, key, protocolOf(src))
	}
	a.registry.Remove(src)
	return nil
}

func (a *app) listSRTPulls() []distribution.SRTPullInfo {
	pulls := a.srtCaller.ActivePulls()
	out := make([]distribution.SRTPullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = distribution.SRTPullInfo{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}

func protocolOf(src *ingest.Source) string {
	if src.Format == ingest.FormatMPEGTS {
		return "SRT"
	}
	return "HTTP"
}
