// Package config loads the simulator settings. Values are layered:
// defaults, then the YAML file, then RFSIM_* environment variables, then
// command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/rfsim/internal/beams"
	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/transport"
	"github.com/rjboer/rfsim/internal/wire"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Transport Transport `yaml:"transport"`
	Channel   Channel   `yaml:"channel"`
	Combiner  Combiner  `yaml:"combiner"`
	Beams     Beams     `yaml:"beams"`
	Record    Record    `yaml:"record"`
	Telemetry Telemetry `yaml:"telemetry"`
	MDNS      MDNS      `yaml:"mdns"`
	Log       Log       `yaml:"log"`
	SSH       SSH       `yaml:"ssh"`
}

type Transport struct {
	// ServerAddr is the address to connect to. "server" or anything
	// starting with "enb" makes this endpoint the server.
	ServerAddr    string        `yaml:"server_addr"`
	Port          int           `yaml:"port"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	PropDelayMs   float64       `yaml:"prop_delay_ms"`
	SampleAdvance uint64        `yaml:"sample_advance"`
	TxAntennas    int           `yaml:"tx_antennas"`
	RxAntennas    int           `yaml:"rx_antennas"`
	SampleRate    float64       `yaml:"sample_rate"`
	MultiBeam     bool          `yaml:"multi_beam"`
	MaxPeers      int           `yaml:"max_peers"`
	MaxQueue      int           `yaml:"max_queue"`
}

type Channel struct {
	Enabled    bool      `yaml:"enabled"`
	Model      string    `yaml:"model"`
	TapsDB     []float64 `yaml:"taps_db,omitempty"`
	PathLossDB float64   `yaml:"path_loss_db"`
	Noise      bool      `yaml:"noise"`
	NoiseDB    float64   `yaml:"noise_db"`
	DopplerHz  float64   `yaml:"doppler_hz"`
	Offset     uint64    `yaml:"offset"`
	Seed       uint64    `yaml:"seed"`
	DistanceM  float64   `yaml:"distance_m"`
}

type Combiner struct {
	NoiseDBFS float64 `yaml:"noise_dbfs"`
	Seed      uint64  `yaml:"seed"`
}

type Beams struct {
	// GainTableDB is the gain per beam distance; empty disables beams.
	GainTableDB []float64 `yaml:"gain_table_db,omitempty"`
	Initial     []int     `yaml:"initial,omitempty"`
}

type Record struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	Compress    bool   `yaml:"compress"`
	BufferBytes int    `yaml:"buffer_bytes"`
}

type Telemetry struct {
	WebAddr      string `yaml:"web_addr"`
	HistoryLimit int    `yaml:"history_limit"`
	Metrics      bool   `yaml:"metrics"`
}

type MDNS struct {
	Advertise       bool          `yaml:"advertise"`
	Instance        string        `yaml:"instance"`
	Discover        bool          `yaml:"discover"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SSH struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	KeyFile  string `yaml:"key_file"`
	Password string `yaml:"password"`
}

// Default mirrors the stock simulator settings.
func Default() Config {
	return Config{
		Transport: Transport{
			ServerAddr:  "127.0.0.1",
			Port:        transport.DefaultPort,
			WaitTimeout: transport.DefaultWaitTimeout,
			TxAntennas:  1,
			RxAntennas:  1,
			SampleRate:  30.72e6,
			MaxPeers:    250,
		},
		Channel: Channel{Model: "awgn"},
		Record:  Record{Path: "/tmp/rfsimulator.iqs", BufferBytes: 8 << 20},
		Telemetry: Telemetry{
			HistoryLimit: 500,
			Metrics:      true,
		},
		MDNS: MDNS{Instance: "rfsim", DiscoverTimeout: 3 * time.Second},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// IsServer applies the simulator's naming rule to ServerAddr.
func (c Config) IsServer() bool {
	a := strings.ToLower(c.Transport.ServerAddr)
	return strings.HasPrefix(a, "enb") || strings.HasPrefix(a, "ser")
}

// Role follows IsServer.
func (c Config) Role() transport.Role {
	if c.IsServer() {
		return transport.Server
	}
	return transport.Client
}

// Addr is the listen address of a server or the dial target of a client.
func (c Config) Addr() string {
	if c.IsServer() {
		return fmt.Sprintf(":%d", c.Transport.Port)
	}
	return fmt.Sprintf("%s:%d", c.Transport.ServerAddr, c.Transport.Port)
}

// Validate checks the values that cannot be fixed up by a default.
func (c Config) Validate() error {
	t := c.Transport
	var errs []error
	if t.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("transport.server_addr is empty"))
	}
	if t.Port <= 0 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("transport.port %d out of range", t.Port))
	}
	if t.TxAntennas < 1 || t.TxAntennas > wire.MaxAntennas {
		errs = append(errs, fmt.Errorf("transport.tx_antennas %d outside [1,%d]", t.TxAntennas, wire.MaxAntennas))
	}
	if t.RxAntennas < 1 || t.RxAntennas > wire.MaxAntennas {
		errs = append(errs, fmt.Errorf("transport.rx_antennas %d outside [1,%d]", t.RxAntennas, wire.MaxAntennas))
	}
	if t.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("transport.sample_rate must be positive"))
	}
	if t.PropDelayMs < 0 {
		errs = append(errs, fmt.Errorf("transport.prop_delay_ms is negative"))
	}
	if c.Combiner.NoiseDBFS > 0 {
		errs = append(errs, fmt.Errorf("combiner.noise_dbfs must be negative or zero"))
	}
	if len(c.Beams.GainTableDB) > 0 {
		if _, err := beams.NewGainTable(c.Beams.GainTableDB); err != nil {
			errs = append(errs, fmt.Errorf("beams.gain_table_db: %w", err))
		}
	}
	if _, err := wire.BeamsToMask(c.Beams.Initial); err != nil {
		errs = append(errs, fmt.Errorf("beams.initial: %w", err))
	}
	if len(c.Beams.Initial) > 1 && !t.MultiBeam {
		errs = append(errs, fmt.Errorf("beams.initial lists %d beams without transport.multi_beam", len(c.Beams.Initial)))
	}
	if c.Channel.Enabled {
		kind, err := channel.ParseKind(c.Channel.Model)
		if err != nil {
			errs = append(errs, err)
		} else if kind == channel.KindRayleigh && len(c.Channel.TapsDB) == 0 {
			errs = append(errs, fmt.Errorf("channel.taps_db is required for %s", c.Channel.Model))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ApplyEnv overrides fields from RFSIM_* variables. Unparseable values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	t := &c.Transport
	t.ServerAddr = envString(lookup, "RFSIM_SERVER_ADDR", t.ServerAddr)
	t.Port = envInt(lookup, "RFSIM_PORT", t.Port)
	t.WaitTimeout = envDuration(lookup, "RFSIM_WAIT_TIMEOUT", t.WaitTimeout)
	t.PropDelayMs = envFloat(lookup, "RFSIM_PROP_DELAY_MS", t.PropDelayMs)
	t.TxAntennas = envInt(lookup, "RFSIM_TX_ANTENNAS", t.TxAntennas)
	t.RxAntennas = envInt(lookup, "RFSIM_RX_ANTENNAS", t.RxAntennas)
	t.SampleRate = envFloat(lookup, "RFSIM_SAMPLE_RATE", t.SampleRate)
	c.Channel.Enabled = envBool(lookup, "RFSIM_CHANNEL", c.Channel.Enabled)
	c.Channel.Model = envString(lookup, "RFSIM_CHANNEL_MODEL", c.Channel.Model)
	c.Channel.PathLossDB = envFloat(lookup, "RFSIM_PATH_LOSS_DB", c.Channel.PathLossDB)
	c.Combiner.NoiseDBFS = envFloat(lookup, "RFSIM_NOISE_DBFS", c.Combiner.NoiseDBFS)
	c.Record.Enabled = envBool(lookup, "RFSIM_SAVE_IQ", c.Record.Enabled)
	c.Record.Path = envString(lookup, "RFSIM_IQ_FILE", c.Record.Path)
	c.Telemetry.WebAddr = envString(lookup, "RFSIM_WEB_ADDR", c.Telemetry.WebAddr)
	c.Log.Level = envString(lookup, "RFSIM_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString(lookup, "RFSIM_LOG_FORMAT", c.Log.Format)
	c.SSH.Addr = envString(lookup, "RFSIM_SSH_ADDR", c.SSH.Addr)
	c.SSH.Password = envString(lookup, "RFSIM_SSH_PASSWORD", c.SSH.Password)
	if v, ok := lookup("RFSIM_GAIN_TABLE"); ok {
		if g, err := parseGains(v); err == nil {
			c.Beams.GainTableDB = g
		}
	}
}

// BindFlags registers one flag per commonly tuned field. Flag defaults are
// the current values, so parsing after Load and ApplyEnv keeps the layering.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	t := &c.Transport
	fs.StringVar(&t.ServerAddr, "serveraddr", t.ServerAddr, "Server address, or \"server\" to listen")
	fs.IntVar(&t.Port, "serverport", t.Port, "TCP port")
	fs.DurationVar(&t.WaitTimeout, "wait-timeout", t.WaitTimeout, "Wait for a peer before returning silence")
	fs.Float64Var(&t.PropDelayMs, "prop-delay", t.PropDelayMs, "Propagation delay in ms")
	fs.Uint64Var(&t.SampleAdvance, "sample-advance", t.SampleAdvance, "Samples subtracted from every write timestamp")
	fs.IntVar(&t.TxAntennas, "tx-antennas", t.TxAntennas, "Transmit antennas")
	fs.IntVar(&t.RxAntennas, "rx-antennas", t.RxAntennas, "Receive antennas")
	fs.Float64Var(&t.SampleRate, "sample-rate", t.SampleRate, "Sample rate in Hz")
	fs.BoolVar(&t.MultiBeam, "multi-beam", t.MultiBeam, "Use the multi-beam API")
	fs.BoolVar(&c.Channel.Enabled, "chanmod", c.Channel.Enabled, "Apply a channel model to every peer")
	fs.StringVar(&c.Channel.Model, "modelname", c.Channel.Model, "Channel model (awgn|rayleigh)")
	fs.Float64Var(&c.Channel.PathLossDB, "ploss", c.Channel.PathLossDB, "Channel path loss in dB")
	fs.Uint64Var(&c.Channel.Offset, "offset", c.Channel.Offset, "Channel offset in samples")
	fs.Float64Var(&c.Channel.DistanceM, "distance", c.Channel.DistanceM, "Initial distance in meters")
	fs.Float64Var(&c.Combiner.NoiseDBFS, "noise-dbfs", c.Combiner.NoiseDBFS, "Global noise level, below zero to enable")
	fs.Func("gain-table", "Beam gains in dB per beam distance, comma separated", func(s string) error {
		g, err := parseGains(s)
		if err == nil {
			c.Beams.GainTableDB = g
		}
		return err
	})
	fs.BoolVar(&c.Record.Enabled, "saviq", c.Record.Enabled, "Save transmitted blocks")
	fs.StringVar(&c.Record.Path, "IQfile", c.Record.Path, "IQ recording path")
	fs.BoolVar(&c.Record.Compress, "iq-compress", c.Record.Compress, "zstd-compress the recording")
	fs.StringVar(&c.Telemetry.WebAddr, "web-addr", c.Telemetry.WebAddr, "Telemetry listen address (e.g. :8080)")
	fs.BoolVar(&c.MDNS.Advertise, "mdns", c.MDNS.Advertise, "Advertise the server over mDNS")
	fs.BoolVar(&c.MDNS.Discover, "discover", c.MDNS.Discover, "Find the server over mDNS")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format (text|json)")
	fs.StringVar(&c.SSH.Addr, "ssh", c.SSH.Addr, "Reach the server through this SSH host")
	fs.StringVar(&c.SSH.User, "ssh-user", c.SSH.User, "SSH user")
	fs.StringVar(&c.SSH.KeyFile, "ssh-key", c.SSH.KeyFile, "SSH private key file")
}

// GainTable is nil when beams are not simulated.
func (c Config) GainTable() (*beams.GainTable, error) {
	if len(c.Beams.GainTableDB) == 0 {
		return nil, nil
	}
	return beams.NewGainTable(c.Beams.GainTableDB)
}

// ChannelParams describes the model for the peer with the given index.
// Each peer gets its own seed so fading is independent.
func (c Config) ChannelParams(index int) (channel.Params, error) {
	kind, err := channel.ParseKind(c.Channel.Model)
	if err != nil {
		return channel.Params{}, err
	}
	side := "ue"
	if !c.IsServer() {
		side = "enb"
	}
	return channel.Params{
		Name:       fmt.Sprintf("rfsimu_channel_%s%d", side, index),
		Kind:       kind,
		TxAntennas: c.Transport.TxAntennas,
		RxAntennas: c.Transport.RxAntennas,
		PathLossDB: c.Channel.PathLossDB,
		Noise:      c.Channel.Noise,
		NoiseDB:    c.Channel.NoiseDB,
		ProfileDB:  c.Channel.TapsDB,
		DopplerHz:  c.Channel.DopplerHz,
		SampleRate: c.Transport.SampleRate,
		Offset:     c.Channel.Offset,
		Seed:       c.Channel.Seed + uint64(index),
	}, nil
}

// TransportOptions builds the device options. Role, address and antenna
// layout come from the config; hooks such as Dial and Recorder are left
// for the caller.
func (c Config) TransportOptions(log logging.Logger) (transport.Options, error) {
	if err := c.Validate(); err != nil {
		return transport.Options{}, err
	}
	gains, err := c.GainTable()
	if err != nil {
		return transport.Options{}, err
	}
	mode := transport.SingleBeam
	if c.Transport.MultiBeam {
		mode = transport.MultiBeam
	}
	opts := transport.Options{
		Role:          c.Role(),
		Addr:          c.Addr(),
		SampleRate:    c.Transport.SampleRate,
		TxAntennas:    c.Transport.TxAntennas,
		RxAntennas:    c.Transport.RxAntennas,
		WaitTimeout:   c.Transport.WaitTimeout,
		PropDelayMs:   c.Transport.PropDelayMs,
		SampleAdvance: c.Transport.SampleAdvance,
		BeamMode:      mode,
		Gains:         gains,
		InitialBeams:  c.Beams.Initial,
		NoiseDBFS:     c.Combiner.NoiseDBFS,
		Seed:          c.Combiner.Seed,
		MaxPeers:      c.Transport.MaxPeers,
		MaxQueue:      c.Transport.MaxQueue,
		Logger:        log,
	}
	if c.Channel.Enabled {
		// validated above, so every index builds
		opts.NewChannel = func(index int) channel.Model {
			p, _ := c.ChannelParams(index)
			m, err := channel.New(p)
			if err != nil {
				logging.OrDefault(log).Error("channel model", logging.F("err", err))
				return nil
			}
			return m
		}
	}
	return opts, nil
}

// parseGains validates a comma separated gain list through the beam table
// it will become.
func parseGains(s string) ([]float64, error) {
	g, err := beams.ParseGainTable(s)
	if err != nil {
		return nil, err
	}
	return g.Distances(), nil
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

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
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
