package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProtocolJSON = "json"
	ProtocolGTP  = "gtp"

	LogFormatJSON = "json"
	LogFormatText = "text"

	EnvPrefix = "KATAGO"
)

type Config struct {
	Engine Engine `mapstructure:"engine" yaml:"engine"`
	Server Server `mapstructure:"server" yaml:"server"`
	Log    Log    `mapstructure:"log" yaml:"log"`
}

// Engine configures the supervised KataGo process.
type Engine struct {
	Path           string            `mapstructure:"path" yaml:"path"`
	ModelPath      string            `mapstructure:"model_path" yaml:"model_path"`
	HumanModelPath string            `mapstructure:"human_model_path" yaml:"human_model_path,omitempty"`
	ConfigPath     string            `mapstructure:"config_path" yaml:"config_path"`
	WorkingDir     string            `mapstructure:"working_dir" yaml:"working_dir,omitempty"`
	Protocol       string            `mapstructure:"protocol" yaml:"protocol"` // json | gtp
	Env            map[string]string `mapstructure:"env" yaml:"env,omitempty"`

	MoveTimeout       time.Duration `mapstructure:"move_timeout" yaml:"move_timeout"`
	ControlTimeout    time.Duration `mapstructure:"control_timeout" yaml:"control_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	StartupGrace      time.Duration `mapstructure:"startup_grace" yaml:"startup_grace"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"` // 0 disables probes
	ProbeFailures     int           `mapstructure:"probe_failures" yaml:"probe_failures"`
	MaxRestarts       int           `mapstructure:"max_restarts" yaml:"max_restarts"`
	RestartDelay      time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

type Server struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// CORSOrigins may call the API from a browser, "*" is any origin and
	// an empty list turns CORS off.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func DefaultConfig() Config {
	return Config{
		Engine: Engine{
			Path:              "./katago",
			ModelPath:         "./model.bin.gz",
			ConfigPath:        "./analysis_config.cfg",
			Protocol:          ProtocolJSON,
			MoveTimeout:       20 * time.Second,
			ControlTimeout:    5 * time.Second,
			HandshakeTimeout:  60 * time.Second,
			StartupGrace:      500 * time.Millisecond,
			KeepaliveInterval: 30 * time.Second,
			ProbeFailures:     3,
			MaxRestarts:       5,
			RestartDelay:      5 * time.Second,
			DrainTimeout:      10 * time.Second,
		},
		Server: Server{
			Host:        "0.0.0.0",
			Port:        2718,
			CORSOrigins: []string{"*"},
		},
		Log: Log{
			Level:  "info",
			Format: LogFormatJSON,
		},
	}
}

// Args returns the engine command line for the configured protocol.
func (e Engine) Args() []string {
	mode := "analysis"
	if e.Protocol == ProtocolGTP {
		mode = "gtp"
	}
	args := []string{mode, "-model", e.ModelPath}
	if e.HumanModelPath != "" {
		args = append(args, "-human-model", e.HumanModelPath)
	}
	return append(args, "-config", e.ConfigPath)
}

// Environ returns the process environment extended by Env. Values starting
// with $ are expanded.
func (e Engine) Environ() []string {
	env := os.Environ()
	for k, v := range e.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

func (c Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.Path == "" {
		errs = append(errs, errors.New("engine.path is empty"))
	}
	if e.ModelPath == "" {
		errs = append(errs, errors.New("engine.model_path is empty"))
	}
	if e.ConfigPath == "" {
		errs = append(errs, errors.New("engine.config_path is empty"))
	}
	if e.Protocol != ProtocolJSON && e.Protocol != ProtocolGTP {
		errs = append(errs, fmt.Errorf("engine.protocol %q is not supported, expected json or gtp", e.Protocol))
	}
	for name, d := range map[string]time.Duration{
		"engine.move_timeout":      e.MoveTimeout,
		"engine.control_timeout":   e.ControlTimeout,
		"engine.handshake_timeout": e.HandshakeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	for name, d := range map[string]time.Duration{
		"engine.startup_grace":      e.StartupGrace,
		"engine.keepalive_interval": e.KeepaliveInterval,
		"engine.restart_delay":      e.RestartDelay,
		"engine.drain_timeout":      e.DrainTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if e.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("engine.max_restarts must not be negative, got %d", e.MaxRestarts))
	}
	if e.KeepaliveInterval > 0 && e.ProbeFailures < 1 {
		errs = append(errs, fmt.Errorf("engine.probe_failures must be at least 1, got %d", e.ProbeFailures))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Log.Format != LogFormatJSON && c.Log.Format != LogFormatText {
		errs = append(errs, fmt.Errorf("log.format %q is not supported, expected json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LoadConfig reads the config file at path (if not empty), applies KATAGO_*
// environment overrides on top of defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := filepath.Ext(path); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	e := cfg.Engine
	v.SetDefault("engine.path", e.Path)
	v.SetDefault("engine.model_path", e.ModelPath)
	v.SetDefault("engine.human_model_path", e.HumanModelPath)
	v.SetDefault("engine.config_path", e.ConfigPath)
	v.SetDefault("engine.working_dir", e.WorkingDir)
	v.SetDefault("engine.protocol", e.Protocol)
	v.SetDefault("engine.move_timeout", e.MoveTimeout)
	v.SetDefault("engine.control_timeout", e.ControlTimeout)
	v.SetDefault("engine.handshake_timeout", e.HandshakeTimeout)
	v.SetDefault("engine.startup_grace", e.StartupGrace)
	v.SetDefault("engine.keepalive_interval", e.KeepaliveInterval)
	v.SetDefault("engine.probe_failures", e.ProbeFailures)
	v.SetDefault("engine.max_restarts", e.MaxRestarts)
	v.SetDefault("engine.restart_delay", e.RestartDelay)
	v.SetDefault("engine.drain_timeout", e.DrainTimeout)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}
