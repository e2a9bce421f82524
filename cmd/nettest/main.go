// Command nettest measures the uplink to an ingest endpoint and prints the
// video configurations it can sustain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/devices/catalog"
	"livecast/internal/infrastructure/events"
	"livecast/internal/infrastructure/netwatch"
	"livecast/internal/infrastructure/transport/loopback"
	"livecast/internal/infrastructure/transport/whip"
	"livecast/pkg/config"
	"livecast/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/peterbourgon/ff/v3"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	endpoint   string
	streamKey  string
	duration   time.Duration
	portrait   bool
	ipv6       bool
	dryRun     bool
	bandwidth  int
	rtt        time.Duration
	loss       float64
	logLevel   string
}

func parse(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("nettest", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "configs/config.yaml", "configuration file; missing means defaults")
	fs.StringVar(&o.endpoint, "endpoint", "", "ingest endpoint (default: ingest.endpoint from config)")
	fs.StringVar(&o.streamKey, "stream-key", "", "stream key (default: ingest.stream_key from config)")
	fs.DurationVar(&o.duration, "duration", services.DefaultProbeDuration, "probe duration")
	fs.BoolVar(&o.portrait, "portrait", false, "recommend portrait sizes")
	fs.BoolVar(&o.ipv6, "ipv6", false, "prefer IPv6")
	fs.BoolVar(&o.dryRun, "dry-run", false, "probe a simulated link instead of the network")
	fs.IntVar(&o.bandwidth, "link-bandwidth", 4_000_000, "simulated link bandwidth in bits per second (dry run)")
	fs.DurationVar(&o.rtt, "link-rtt", 40*time.Millisecond, "simulated link round trip time (dry run)")
	fs.Float64Var(&o.loss, "link-loss", 0, "simulated packet loss ratio (dry run)")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("LIVECAST")); err != nil {
		return nil, err
	}
	return o, nil
}

func main() {
	opts, err := parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	zapLogger, _ := logger.New(opts.logLevel, "console")
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, opts, log)
	if err != nil {
		log.Errorw("network test failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events.NewProbePayload(result)); err != nil {
		log.Errorw("failed to write result", "error", err)
		os.Exit(1)
	}
	if result.Status != domain.ProbeSuccess {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, log *zap.SugaredLogger) (domain.ProbeResult, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return domain.ProbeResult{}, err
	}
	endpoint, streamKey := opts.endpoint, opts.streamKey
	if endpoint == "" {
		endpoint = cfg.Ingest.Endpoint
	}
	if streamKey == "" {
		streamKey = cfg.Ingest.StreamKey
	}
	if opts.dryRun && endpoint == "" {
		endpoint = "https://loopback.invalid/whip"
	}

	clk := clock.New()
	factory := newFactory(cfg, opts, clk, log)
	devices := catalog.New(nil, log.Named("devices"))
	defer func() { _ = devices.Close() }()

	session, err := services.NewBroadcastSession(services.SessionOptions{
		Config:     domain.NewBroadcastConfiguration(),
		Provider:   devices,
		Transports: factory,
		Connectivity: netwatch.New(netwatch.Config{
			ProbeAddress: cfg.Connectivity.ProbeAddress,
			Timeout:      cfg.Connectivity.Timeout,
			Interval:     cfg.Connectivity.Interval,
			Clock:        clk,
			Logger:       log.Named("netwatch"),
		}),
		Clock:  clk,
		Logger: log.Named("session"),
	})
	if err != nil {
		return domain.ProbeResult{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	probe, err := session.StartProbe(services.ProbeOptions{
		Endpoint:  endpoint,
		StreamKey: streamKey,
		Duration:  opts.duration,
		Portrait:  opts.portrait,
		UseIPv6:   opts.ipv6,
	}, func(r domain.ProbeResult) {
		log.Infow("probe update", "status", r.Status.String(), "progress", r.Progress)
	})
	if err != nil {
		return domain.ProbeResult{}, err
	}

	select {
	case <-probe.Done():
	case <-ctx.Done():
		probe.Cancel()
		<-probe.Done()
	}
	return probe.Result(), nil
}

func newFactory(cfg *config.Config, opts *options, clk clock.Clock, log *zap.SugaredLogger) ports.TransportFactory {
	if opts.dryRun {
		return loopback.NewFactory(loopback.Config{
			Link: loopback.Link{
				Bandwidth:  opts.bandwidth,
				RTT:        opts.rtt,
				PacketLoss: opts.loss,
			},
			TelemetryInterval: cfg.Transport.TelemetryInterval,
			Clock:             clk,
			Logger:            log.Named("loopback"),
		})
	}
	return whip.NewFactory(whip.Config{
		ICEServers:        cfg.Transport.ICEServers,
		TelemetryInterval: cfg.Transport.TelemetryInterval,
		ConnectTimeout:    cfg.Transport.ConnectTimeout,
		Clock:             clk,
		Logger:            log.Named("whip"),
	})
}
