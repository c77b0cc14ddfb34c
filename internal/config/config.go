// Package config provides session configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all session configuration.
type Config struct {
	Experiment Experiment `yaml:"experimental" toml:"experimental"`
	Opto       Opto       `yaml:"optogenetics" toml:"optogenetics"`
	Session    Session    `yaml:"session" toml:"session"`
}

// Experiment configures the conditioning stimulator. Durations are seconds.
type Experiment struct {
	CSDuration     float64 `yaml:"cs-duration" toml:"cs-duration"`
	Frequency      float64 `yaml:"frequency" toml:"frequency"`
	US             int     `yaml:"us" toml:"us"`
	USDuration     float64 `yaml:"us-duration" toml:"us-duration"`
	Trial          int     `yaml:"trial" toml:"trial"`
	TraceInterval  float64 `yaml:"trace-interval" toml:"trace-interval"`
	MeanITI        float64 `yaml:"mean-iti" toml:"mean-iti"`
	RangeITI       float64 `yaml:"range-iti" toml:"range-iti"`
	Speaker        int     `yaml:"speaker" toml:"speaker"`
	CamID          int     `yaml:"cam-id" toml:"cam-id"`
	VideoRecording bool    `yaml:"video-recording" toml:"video-recording"`
	FPS            float64 `yaml:"fps" toml:"fps"`
}

// Opto configures the optogenetic stimulator.
type Opto struct {
	Enabled               bool      `yaml:"enabled" toml:"enabled"`
	Frequencies           []int     `yaml:"frequencies" toml:"frequencies"`
	InterStimulationTrial int       `yaml:"inter-stimulation-trial" toml:"inter-stimulation-trial"`
	ProportionOfStimulate float64   `yaml:"propotion-of-stimulate" toml:"propotion-of-stimulate"`
	Pin                   int       `yaml:"pin" toml:"pin"`
	StimulateDuration     float64   `yaml:"stimulate-duration" toml:"stimulate-duration"` // milliseconds
	Duration              int       `yaml:"duration" toml:"duration"`                     // board pulse width
	USOffset              float64   `yaml:"us" toml:"us"`
	CSOffset              float64   `yaml:"cs" toml:"cs"`
	NoCS                  []float64 `yaml:"no-cs" toml:"no-cs"` // [mean, range]
	ISITimeout            float64   `yaml:"isi-timeout" toml:"isi-timeout"`
}

// Session configures persistence, monitoring and run control.
type Session struct {
	Subject     string  `yaml:"subject" toml:"subject"`
	DBPath      string  `yaml:"db-path" toml:"db-path"`
	MonitorAddr string  `yaml:"monitor-addr" toml:"monitor-addr"`
	GRPCAddr    string  `yaml:"grpc-addr" toml:"grpc-addr"`
	Seed        uint64  `yaml:"seed" toml:"seed"`
	TimeScale   float64 `yaml:"time-scale" toml:"time-scale"`
	StopGrace   float64 `yaml:"stop-grace" toml:"stop-grace"`
	Reader      bool    `yaml:"reader" toml:"reader"`
}

// Default returns the configuration used for every key a file omits.
func Default() *Config {
	return &Config{
		Experiment: Experiment{
			CSDuration:    1.0,
			Frequency:     6000,
			US:            12,
			USDuration:    0.05,
			Trial:         120,
			TraceInterval: 1.0,
			MeanITI:       20.0,
			RangeITI:      5.0,
			FPS:           30,
		},
		Opto: Opto{
			Frequencies:           []int{10, 20},
			InterStimulationTrial: 2,
			ProportionOfStimulate: 0.2,
			Pin:                   12,
			StimulateDuration:     1000,
			Duration:              30,
			USOffset:              0,
			CSOffset:              -1,
			NoCS:                  []float64{-4, 2},
		},
		Session: Session{
			Subject:   "anonymous",
			DBPath:    "./data/simpa.db",
			TimeScale: 1,
			StopGrace: 5,
			Reader:    true,
		},
	}
}

// Load reads an optional YAML or TOML file over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Session.Subject = getEnv("SIMPA_SUBJECT", c.Session.Subject)
	c.Session.DBPath = getEnv("SIMPA_DB_PATH", c.Session.DBPath)
	c.Session.MonitorAddr = getEnv("SIMPA_MONITOR_ADDR", c.Session.MonitorAddr)
	c.Session.GRPCAddr = getEnv("SIMPA_GRPC_ADDR", c.Session.GRPCAddr)
	c.Session.TimeScale = getEnvFloat("SIMPA_TIME_SCALE", c.Session.TimeScale)
	c.Session.Seed = getEnvUint64("SIMPA_SEED", c.Session.Seed)
	c.Session.Reader = getEnvBool("SIMPA_READER", c.Session.Reader)
	c.Experiment.Trial = getEnvInt("SIMPA_TRIAL", c.Experiment.Trial)
}

// Validate rejects configurations that could produce negative waits or
// impossible plans.
func (c *Config) Validate() error {
	e := c.Experiment
	switch {
	case e.Trial < 1:
		return fmt.Errorf("trial must be >= 1, got %d", e.Trial)
	case e.CSDuration <= 0:
		return fmt.Errorf("cs-duration must be > 0, got %v", e.CSDuration)
	case e.USDuration <= 0:
		return fmt.Errorf("us-duration must be > 0, got %v", e.USDuration)
	case e.TraceInterval < 0:
		return fmt.Errorf("trace-interval must be >= 0, got %v", e.TraceInterval)
	case e.RangeITI < 0:
		return fmt.Errorf("range-iti must be >= 0, got %v", e.RangeITI)
	case e.Frequency <= 0:
		return fmt.Errorf("frequency must be > 0, got %v", e.Frequency)
	case e.VideoRecording && e.FPS <= 0:
		return fmt.Errorf("fps must be > 0 when video-recording is on, got %v", e.FPS)
	}
	if shortest := c.MinInterval(); shortest < 0 {
		return fmt.Errorf("mean-iti %v leaves a negative wait (%v) after cs-duration, trace-interval and range-iti",
			e.MeanITI, shortest)
	}

	if c.Opto.Enabled {
		if err := c.validateOpto(); err != nil {
			return err
		}
	}

	s := c.Session
	switch {
	case s.DBPath == "":
		return fmt.Errorf("db-path cannot be empty")
	case s.TimeScale <= 0:
		return fmt.Errorf("time-scale must be > 0, got %v", s.TimeScale)
	case s.StopGrace <= 0:
		return fmt.Errorf("stop-grace must be > 0, got %v", s.StopGrace)
	}
	return nil
}

func (c *Config) validateOpto() error {
	o := c.Opto
	if len(o.Frequencies) == 0 {
		return fmt.Errorf("frequencies cannot be empty")
	}
	for _, f := range o.Frequencies {
		if f <= 0 {
			return fmt.Errorf("frequencies must be > 0, got %d", f)
		}
	}
	switch {
	case o.InterStimulationTrial < 0:
		return fmt.Errorf("inter-stimulation-trial must be >= 0, got %d", o.InterStimulationTrial)
	case o.ProportionOfStimulate <= 0 || o.ProportionOfStimulate > 1:
		return fmt.Errorf("propotion-of-stimulate must be in (0, 1], got %v", o.ProportionOfStimulate)
	case o.StimulateDuration <= 0:
		return fmt.Errorf("stimulate-duration must be > 0, got %v", o.StimulateDuration)
	case len(o.NoCS) != 2:
		return fmt.Errorf("no-cs must be [mean, range], got %v", o.NoCS)
	case o.NoCS[1] < 0:
		return fmt.Errorf("no-cs range must be >= 0, got %v", o.NoCS[1])
	case o.ISITimeout < 0:
		return fmt.Errorf("isi-timeout must be >= 0, got %v", o.ISITimeout)
	}

	maxOffset := max(o.USOffset, o.CSOffset, o.NoCS[0]+o.NoCS[1])
	if c.MinInterval() < maxOffset {
		return fmt.Errorf("optogenetic offset %v exceeds the shortest interval %v", maxOffset, c.MinInterval())
	}
	return nil
}

// IntervalMean is the mean wait before CS onset: mean-iti minus the CS and
// trace durations.
func (c *Config) IntervalMean() float64 {
	e := c.Experiment
	return e.MeanITI - (e.CSDuration + e.TraceInterval)
}

// MinInterval is the shortest interval UniformIntervals can draw.
func (c *Config) MinInterval() float64 {
	return c.IntervalMean() - c.Experiment.RangeITI
}

// StimulationDuration converts stimulate-duration to a time.Duration.
func (o Opto) StimulationDuration() time.Duration {
	return time.Duration(o.StimulateDuration * float64(time.Millisecond))
}

// ISIWait is how long the optogenetic stimulator waits for an interval
// message before treating the session as broken.
func (c *Config) ISIWait() time.Duration {
	secs := c.Opto.ISITimeout
	if secs <= 0 {
		secs = 2 * (c.Experiment.MeanITI + c.Experiment.RangeITI)
	}
	return time.Duration(secs * float64(time.Second))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvUint64(key string, fallback uint64) uint64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
