package opmon

import (
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config defines the configuration of a Manager and its facility
type Config struct {
	// Tree identification
	Session     string `yaml:"session"`
	Application string `yaml:"application"`

	// Where entries go, see NewFacility
	FacilityURI string `yaml:"facility"`

	// Collection loop
	Interval time.Duration `yaml:"interval"`
	Level    Level         `yaml:"level"`

	// Logging. Logger wins over LogLevel when both are set.
	LogLevel string      `yaml:"log_level"`
	Logger   *zap.Logger `yaml:"-"`

	// Remote write facility
	Namespace           string            `yaml:"namespace"`
	Subsystem           string            `yaml:"subsystem"`
	ServiceName         string            `yaml:"service_name"`
	RemoteWriteURL      string            `yaml:"-"`
	RemoteWriteInterval time.Duration     `yaml:"remote_write_interval"`
	MaxPendingSeries    int               `yaml:"max_pending_series"`
	InstanceIP          string            `yaml:"instance_ip"`
	CustomLabels        map[string]string `yaml:"custom_labels"`

	// DNS resolver options for the remote write target
	DNSEnable          bool          `yaml:"dns_enable"`
	DNSCacheTTL        time.Duration `yaml:"dns_cache_ttl"`
	DNSRefreshInterval time.Duration `yaml:"dns_refresh_interval"`
	DNSTimeout         time.Duration `yaml:"dns_timeout"`
	DNSUDPServers      []string      `yaml:"dns_udp_servers"` // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string      `yaml:"dns_tls_servers"` // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string      `yaml:"dns_doh_endpoints"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	ip, _ := GetOutboundIPv4()
	return Config{
		Session:             "session",
		Application:         "app",
		FacilityURI:         "null://",
		Interval:            10 * time.Second,
		Level:               LevelDefault,
		LogLevel:            "info",
		Namespace:           "opmon",
		Subsystem:           "prod",
		ServiceName:         "service",
		RemoteWriteInterval: 15 * time.Second,
		MaxPendingSeries:    100000,
		InstanceIP:          ip,
		CustomLabels:        make(map[string]string),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields a Manager cannot work without
func (c Config) Validate() error {
	if c.Application == "" {
		return fmt.Errorf("application name cannot be empty")
	}
	if c.Interval < 0 {
		return fmt.Errorf("collection interval cannot be negative: %s", c.Interval)
	}
	return nil
}

// logger returns the configured logger, building one from LogLevel when
// none was given
func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.LogLevel == "" {
		return zap.NewNop()
	}
	l, err := NewLogger(c.LogLevel)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewLogger creates a JSON logger writing to stdout.
// Accepted levels (case-insensitive): "debug", "info", "warn", "error".
func NewLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		zapLevel,
	)
	return zap.New(core, zap.AddCaller()), nil
}

// GetOutboundIPv4 returns the local IPv4 address of the default route, or
// the first non-loopback interface address when there is no route
func GetOutboundIPv4() (string, error) {
	// connecting a UDP socket sends nothing
	if conn, err := net.Dial("udp4", "192.0.2.1:9"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String(), nil
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no outbound ipv4 address")
}

// positiveOr returns v, or def when v is not positive
func positiveOr[T int | int64 | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
