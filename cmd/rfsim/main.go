package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/rfsim/internal/app"
	"github.com/rjboer/rfsim/internal/config"
	"github.com/rjboer/rfsim/internal/connectionmgr"
	"github.com/rjboer/rfsim/internal/iqrecord"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/mdns"
	"github.com/rjboer/rfsim/internal/telemetry"
	"github.com/rjboer/rfsim/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Fatalf("rfsim: %v", err)
	}
}

type cliConfig struct {
	configPath string
	saveConfig bool
	sim        config.Config
	app        app.Config
}

// parseConfig layers the YAML file, RFSIM_* variables and flags, in that
// order. The config file path itself comes from -config or RFSIM_CONFIG.
func parseConfig(args []string, lookup func(string) (string, bool)) (cliConfig, error) {
	cfg := cliConfig{configPath: envString(lookup, "RFSIM_CONFIG", "rfsim.yaml")}

	// first pass only for -config, everything else is parsed once the
	// file has been loaded
	pre := flag.NewFlagSet("rfsim", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.StringVar(&cfg.configPath, "config", cfg.configPath, "")
	_ = pre.Parse(filterConfigFlag(args))

	sim, err := config.Load(cfg.configPath)
	if err != nil {
		return cliConfig{}, err
	}
	sim.ApplyEnv(lookup)
	cfg.sim = sim

	fs := flag.NewFlagSet("rfsim", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", cfg.configPath, "YAML configuration file")
	fs.BoolVar(&cfg.saveConfig, "save-config", false, "Write the effective configuration back to -config")
	cfg.sim.BindFlags(fs)
	fs.Float64Var(&cfg.app.ToneOffset, "tone-offset", envFloat(lookup, "RFSIM_TONE_OFFSET", 1e6), "Test tone offset in Hz")
	fs.Float64Var(&cfg.app.ToneDBFS, "tone-dbfs", envFloat(lookup, "RFSIM_TONE_DBFS", -20), "Test tone level in dBFS")
	fs.IntVar(&cfg.app.NumSamples, "num-samples", envInt(lookup, "RFSIM_NUM_SAMPLES", 7680), "Samples per read/write")
	fs.IntVar(&cfg.app.WarmupBuffers, "warmup-buffers", envInt(lookup, "RFSIM_WARMUP_BUFFERS", 0), "RX buffers to discard before the loop")
	fs.IntVar(&cfg.app.Iterations, "iterations", envInt(lookup, "RFSIM_ITERATIONS", 0), "Stop after this many buffers (0 runs until interrupted)")
	fs.BoolVar(&cfg.app.Silent, "silent", envBool(lookup, "RFSIM_SILENT", false), "Receive only")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg.app.SampleRate = cfg.sim.Transport.SampleRate
	cfg.app.TxAntennas = cfg.sim.Transport.TxAntennas
	cfg.app.RxAntennas = cfg.sim.Transport.RxAntennas
	return cfg, nil
}

// filterConfigFlag keeps only -config so the first pass does not trip over
// flags it has not registered.
func filterConfigFlag(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		name := strings.TrimLeft(a, "-")
		switch {
		case name == "config" && a != name:
			out = append(out, a)
			if i+1 < len(args) {
				out = append(out, args[i+1])
				i++
			}
		case strings.HasPrefix(name, "config=") && a != name:
			out = append(out, a)
		}
	}
	return out
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer) error {
	cfg, err := parseConfig(args, lookup)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if cfg.saveConfig {
		if err := cfg.sim.Save(cfg.configPath); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	level, err := logging.ParseLevel(cfg.sim.Log.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.sim.Log.Format)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, stderr)
	logging.SetDefault(logger)

	if cfg.sim.MDNS.Discover && !cfg.sim.IsServer() {
		if err := discoverServer(ctx, &cfg.sim, logger); err != nil {
			return err
		}
	}

	opts, err := cfg.sim.TransportOptions(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	opts.OnFatal = func(err error) {
		logger.Error("transport stopped", logging.F("err", err))
		cancel(err)
	}

	if cfg.sim.SSH.Addr != "" {
		dialer, err := newSSHDialer(cfg.sim.SSH)
		if err != nil {
			return err
		}
		defer dialer.Close()
		opts.Dial = dialer.DialContext
	}

	if cfg.sim.Record.Enabled {
		rec, err := iqrecord.Create(iqrecord.Options{
			Path:        cfg.sim.Record.Path,
			Compress:    cfg.sim.Record.Compress,
			BufferBytes: cfg.sim.Record.BufferBytes,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Error("close recording", logging.F("err", err))
			}
			logger.Info("recording closed",
				logging.F("path", cfg.sim.Record.Path),
				logging.F("bytes", rec.Written()),
				logging.F("dropped", rec.Dropped()))
		}()
		opts.Recorder = rec
	}

	dev, err := transport.New(opts)
	if err != nil {
		return err
	}
	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer dev.Close()

	if cfg.sim.Channel.DistanceM > 0 {
		if err := dev.SetDistance(cfg.sim.Channel.DistanceM); err != nil {
			return err
		}
	}

	if cfg.sim.IsServer() && cfg.sim.MDNS.Advertise {
		withdraw, err := advertise(cfg.sim, dev.Addr(), logger)
		if err != nil {
			logger.Warn("mdns advertise failed", logging.F("err", err))
		} else {
			defer withdraw()
		}
	}

	reporter, stopTelemetry, err := startTelemetry(ctx, cfg.sim.Telemetry, logger)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	runner := app.NewRunner(dev, reporter, logger, cfg.app)
	if err := runner.Init(); err != nil {
		return err
	}
	logger.Info("starting tone loop (Ctrl+C to stop)",
		logging.F("role", cfg.sim.Role().String()),
		logging.F("addr", dev.Addr()),
		logging.F("tone_offset", cfg.app.ToneOffset))
	err = runner.Run(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, connectionmgr.ErrServerLost) {
		return cause
	}
	if !app.Stopped(err) {
		return err
	}
	logger.Info("tone loop stopped", logging.F("iterations", runner.Iterations()))
	return nil
}

// discoverServer points the client at the first server found on the
// local network.
func discoverServer(ctx context.Context, sim *config.Config, logger logging.Logger) error {
	host, err := mdns.First(ctx, sim.MDNS.DiscoverTimeout)
	if err != nil {
		return fmt.Errorf("discover server: %w", err)
	}
	h, p, err := net.SplitHostPort(host.Addr())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return err
	}
	sim.Transport.ServerAddr = h
	sim.Transport.Port = port
	info := host.Info()
	logger.Info("discovered server",
		logging.F("instance", host.Instance),
		logging.F("addr", host.Addr()),
		logging.F("tx_antennas", info.TxAntennas),
		logging.F("rx_antennas", info.RxAntennas))
	if info.SampleRate > 0 && info.SampleRate != sim.Transport.SampleRate {
		logger.Warn("server runs at a different sample rate",
			logging.F("server", info.SampleRate),
			logging.F("local", sim.Transport.SampleRate))
	}
	return nil
}

func advertise(sim config.Config, addr string, logger logging.Logger) (func(), error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, err
	}
	gains, err := sim.GainTable()
	if err != nil {
		return nil, err
	}
	info := mdns.Info{
		Role:       "server",
		TxAntennas: sim.Transport.TxAntennas,
		RxAntennas: sim.Transport.RxAntennas,
		SampleRate: sim.Transport.SampleRate,
	}
	if gains != nil {
		info.Beams = gains.Size()
	}
	return mdns.Advertise(sim.MDNS.Instance, port, info, logger)
}

func newSSHDialer(c config.SSH) (*connectionmgr.SSHDialer, error) {
	host, port := c.Addr, 0
	if h, p, err := net.SplitHostPort(c.Addr); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("ssh port %q: %w", p, err)
		}
		host, port = h, n
	}
	return connectionmgr.NewSSHDialer(connectionmgr.SSHConfig{
		Host:     host,
		Port:     port,
		User:     c.User,
		Password: c.Password,
		KeyPath:  c.KeyFile,
	})
}

// startTelemetry serves the web interface when an address is configured
// and falls back to periodic log lines otherwise. The returned function
// shuts the web server down and waits for it.
func startTelemetry(ctx context.Context, t config.Telemetry, logger logging.Logger) (telemetry.Reporter, func(), error) {
	if t.WebAddr == "" {
		return telemetry.NewStdoutReporter(logger), func() {}, nil
	}
	hub := telemetry.NewHub(t.HistoryLimit, logger)
	reporters := telemetry.MultiReporter{hub}
	var collector *telemetry.Collector
	if t.Metrics {
		var err error
		collector, err = telemetry.NewCollector(prometheus.NewRegistry())
		if err != nil {
			return nil, nil, err
		}
		reporters = append(reporters, collector)
	}

	ln, err := net.Listen("tcp", t.WebAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry listen: %w", err)
	}
	web := telemetry.NewWebServer(t.WebAddr, hub, collector, logger)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := web.Start(ctx, ln); err != nil {
			logger.Error("telemetry server", logging.F("err", err))
		}
	}()
	logger.Info("web interface", logging.F("url", "http://"+ln.Addr().String()))
	return reporters, func() {
		cancel()
		<-done
	}, nil
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
