package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/arodland/Due-GPS-NTP-Server/internal/config"
	"github.com/arodland/Due-GPS-NTP-Server/internal/console"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpslink"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw/sim"
	"github.com/arodland/Due-GPS-NTP-Server/internal/ntpserver"
	"github.com/arodland/Due-GPS-NTP-Server/internal/oscillator"
	"github.com/arodland/Due-GPS-NTP-Server/internal/server"
	"github.com/arodland/Due-GPS-NTP-Server/internal/telemetry"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
)

var (
	// Build information
	version = "dev"
	commit  = ""
)

func main() {
	// Parse command-line flags
	configFile := pflag.StringP("config", "c", "", "Path to configuration file")
	showVersion := pflag.Bool("version", false, "Show version information")
	simulate := pflag.Bool("simulate", false, "Run against the simulated bench instead of hardware")
	withConsole := pflag.Bool("console", false, "Start the calibration console on stdin")
	probe := pflag.String("probe", "", "Query an NTP server (host:port), print its health and exit")
	probeTimeout := pflag.Duration("probe-timeout", 5*time.Second, "Timeout for --probe")
	pflag.Parse()

	if *showVersion {
		// Use println for version output (user-facing, not logging)
		println("gpsdo version", version)
		os.Exit(0)
	}

	if *probe != "" {
		os.Exit(runProbe(context.Background(), *probe, *probeTimeout, os.Stdout))
	}

	// Load configuration (before logger is initialized)
	cfg, err := loadConfig(*configFile)
	if err != nil {
		// Cannot use logger yet, write to stderr
		os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *simulate {
		cfg.Hardware.Simulate = true
	}
	if *withConsole {
		cfg.Console.Enabled = true
	}

	if err := logger.InitLogger(cfg.LoggerConfig()); err != nil {
		os.Stderr.WriteString("Failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Startup(version, commit, map[string]interface{}{
		"go_version": runtime.Version(),
		"config":     cfg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("main", "Stopped on error", err)
		logger.Shutdown("error")
		os.Exit(1)
	}

	logger.Shutdown("graceful")
}

// loadConfig loads configuration based on whether a config file is specified
func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		// Priority: Environment Variables > YAML File > Defaults
		return config.LoadFromYamlWithEnvOverrides(configFile)
	}
	// Priority: Environment Variables > Defaults
	return config.LoadFromEnvVarsOnly()
}

// run wires the clock to its hardware and services and blocks until ctx
// ends or a component fails.
func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := metrics.NewRegistryWithConfig(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	if err := registry.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	m := registry.GetMetrics()
	m.BuildInfo.WithLabelValues(version, commit, cfg.GPS.Protocol).Set(1)

	g, ctx := errgroup.WithContext(ctx)

	sinks, err := newTelemetry(ctx, g, cfg, m)
	if err != nil {
		return err
	}

	var clock *gpsdo.Clock
	if cfg.Hardware.Simulate {
		clock, err = startBench(ctx, g, cfg, sinks, m)
	} else {
		clock, err = startHardware(ctx, g, cfg, sinks, m)
	}
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	if cfg.NTP.Enabled {
		ntp := ntpserver.New(cfg.NTPServerConfig(), clock, m)
		g.Go(func() error {
			return ntp.ListenAndServe(ctx)
		})
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg, registry.GetRegistry(), m, clock)
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	if cfg.Console.Enabled {
		// not joined: the terminal read cannot be interrupted
		in := console.New(clock, os.Stdout)
		go func() {
			if err := in.RunREPL(ctx, cfg.Console.Prompt, cfg.Console.HistoryFile); err != nil {
				logger.Error("main", "Console failed", err)
			}
			logger.Info("main", "Console closed, shutting down")
			cancel()
		}()
	}

	logger.SafeInfo("main", "Services started", map[string]interface{}{
		"simulate": cfg.Hardware.Simulate,
		"ntp":      cfg.NTP.Enabled,
		"http":     cfg.Server.Enabled,
		"console":  cfg.Console.Enabled,
		"sinks":    sinks.EnabledCount(),
	})

	return g.Wait()
}

// newTelemetry registers the Prometheus sink and, when configured, a
// Graphite sink running in g.
func newTelemetry(ctx context.Context, g *errgroup.Group, cfg *config.Config, m *metrics.GPSDOMetrics) (*telemetry.Registry, error) {
	sinks := telemetry.NewRegistry()
	sinks.Register(telemetry.NewPrometheusSink(m))

	if cfg.Telemetry.Graphite.Enabled {
		gs, err := telemetry.NewGraphiteSink(cfg.GraphiteConfig(), m)
		if err != nil {
			return nil, fmt.Errorf("graphite sink: %w", err)
		}
		sinks.Register(gs)
		g.Go(func() error {
			return gs.Run(ctx)
		})
	}
	return sinks, nil
}

// startBench drives the clock from the simulated bench.
func startBench(ctx context.Context, g *errgroup.Group, cfg *config.Config, pub gpsdo.Publisher, m *metrics.GPSDOMetrics) (*gpsdo.Clock, error) {
	ccfg, err := cfg.ClockConfig()
	if err != nil {
		return nil, err
	}
	bcfg, err := cfg.BenchConfig(time.Now())
	if err != nil {
		return nil, err
	}
	bench := sim.New(bcfg)

	clock, err := gpsdo.New(ccfg, gpsdo.Hardware{Oscillator: bench, Timer: bench, PPS: bench}, pub, m)
	if err != nil {
		return nil, err
	}
	clock.SetOscillatorLocked(true)

	g.Go(func() error {
		return bench.Run(ctx, clock, cfg.Hardware.Sim.Interval)
	})
	return clock, nil
}

// startHardware drives the clock from the serial receiver, the rubidium
// control port and the host timer.
func startHardware(ctx context.Context, g *errgroup.Group, cfg *config.Config, pub gpsdo.Publisher, m *metrics.GPSDOMetrics) (*gpsdo.Clock, error) {
	ccfg, err := cfg.ClockConfig()
	if err != nil {
		return nil, err
	}
	lcfg, err := cfg.LinkConfig()
	if err != nil {
		return nil, err
	}

	var (
		osc hw.Oscillator = hw.FreeRunning{}
		rb  *oscillator.Rubidium
	)
	if cfg.Oscillator.Device != "" {
		rb, err = oscillator.Open(cfg.Oscillator)
		if err != nil {
			return nil, err
		}
		if err := rb.Init(); err != nil {
			_ = rb.Close()
			return nil, err
		}
		osc = rb
	} else {
		logger.Warn("main", "No oscillator control port, running free")
	}

	link, err := gpslink.Open(lcfg)
	if err != nil {
		if rb != nil {
			_ = rb.Close()
		}
		return nil, err
	}
	if err := link.Configure(); err != nil {
		logger.Error("main", "Receiver configuration failed", err)
	}

	timer := hw.NewSoftTimer(cfg.Hardware.TickHz)
	clock, err := gpsdo.New(ccfg, gpsdo.Hardware{Oscillator: osc, Timer: timer}, pub, m)
	if err != nil {
		_ = link.Close()
		if rb != nil {
			_ = rb.Close()
		}
		return nil, err
	}

	if rb != nil {
		g.Go(func() error {
			defer rb.Close()
			return rb.WatchLock(ctx, time.Second, clock.SetOscillatorLocked)
		})
	} else {
		clock.SetOscillatorLocked(true)
	}

	g.Go(func() error {
		defer link.Close()
		return link.Run(ctx, clock)
	})
	g.Go(func() error {
		return link.WatchPPS(ctx, func(at time.Time) {
			timer.Realign(at)
			clock.OnPPSCaptured(timer.CounterAt(at))
		})
	})
	g.Go(func() error {
		if err := timer.Run(ctx, clock.OnSecondTick); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return clock, nil
}

// runProbe queries server and prints the result as JSON. It returns the
// process exit code: 0 when healthy, 1 otherwise.
func runProbe(ctx context.Context, server string, timeout time.Duration, out io.Writer) int {
	res, err := ntpserver.Probe(ctx, server, timeout)
	if err != nil {
		fmt.Fprintf(out, "{\"server\":%q,\"error\":%q}\n", server, err.Error())
		return 1
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return 1
	}
	if !res.Healthy() {
		return 1
	}
	return 0
}
