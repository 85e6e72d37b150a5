// Package config loads the mocapfusion server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/mocapfusion/internal/fusion"
	"github.com/banshee-data/mocapfusion/internal/mocap"
)

// Storage backend names used by storage.record_to and the session API's
// source parameter.
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
)

// Adapter transports.
const (
	TransportUDP    = "udp"
	TransportSerial = "serial"
	TransportPCAP   = "pcap"
)

// Config is the root server configuration.
type Config struct {
	HomeDir    string `json:"home_dir"`
	StartMode  string `json:"start_mode"` // "" or "record"
	HTTPListen string `json:"http_listen"`
	GRPCListen string `json:"grpc_listen"`

	UDPStream UDPStreamConfig `json:"udp_stream"`
	Storage   StorageConfig   `json:"storage"`

	// ConsoleEvery logs every Nth dispatched frame; 0 disables the console sink.
	ConsoleEvery int `json:"console_every"`

	Adapters        []AdapterConfig                  `json:"adapters"`
	Rigs            []RigConfig                      `json:"rigs"`
	AxisCorrections map[string]fusion.AxisCorrection `json:"axis_corrections"`
}

// UDPStreamConfig configures the UDP streaming sink.
type UDPStreamConfig struct {
	// Listen is the local port datagrams are sent from (0 picks one).
	Listen int `json:"listen"`
	// Receivers are host:port destinations registered at startup.
	Receivers []string `json:"receivers"`
}

// StorageConfig configures session archives. Relative paths are resolved
// against HomeDir.
type StorageConfig struct {
	SQLitePath string `json:"sqlite_path"`
	JSONDir    string `json:"json_dir"`
	RecordTo   string `json:"record_to"`
}

// AdapterConfig describes one input device.
type AdapterConfig struct {
	Name        string `json:"name"`
	AdapterType string `json:"adapter_type"`
	Enabled     *bool  `json:"enabled,omitempty"`
	// Reference marks the adapter whose frame is the global root.
	Reference bool   `json:"reference"`
	Transport string `json:"transport"`
	Address   string `json:"address"`
	BaudRate  int    `json:"baud_rate,omitempty"`
	PCAPFile  string `json:"pcap_file,omitempty"`
	PCAPPort  int    `json:"pcap_port,omitempty"`
	Paced     bool   `json:"paced,omitempty"`
}

// IsEnabled reports whether the adapter should be started. Adapters are
// enabled unless explicitly disabled.
func (a AdapterConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Type returns the parsed adapter type.
func (a AdapterConfig) Type() mocap.AdapterType {
	t, _ := mocap.ParseAdapterType(a.AdapterType)
	return t
}

// RigConfig binds a body tracked by the reference adapter to the auxiliary
// adapter mounted on it.
type RigConfig struct {
	BodyName string `json:"body_name"`
	SourceID string `json:"source_id"`
}

// Defaults returns a configuration with every default filled in and no
// adapters.
func Defaults() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.HomeDir == "" {
		c.HomeDir = "."
	}
	if c.HTTPListen == "" {
		c.HTTPListen = ":8090"
	}
	if c.GRPCListen == "" {
		c.GRPCListen = "localhost:50061"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "sessions.db"
	}
	if c.Storage.JSONDir == "" {
		c.Storage.JSONDir = "sessions"
	}
	if c.Storage.RecordTo == "" {
		c.Storage.RecordTo = StoreSQLite
	}
	for i := range c.Adapters {
		if c.Adapters[i].Transport == "" {
			c.Adapters[i].Transport = TransportUDP
		}
	}
}

// Load reads a configuration file. The file must have a .json extension and
// be under 1MB. Omitted fields take their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are consistent.
func (c *Config) Validate() error {
	switch c.StartMode {
	case "", "record":
	default:
		return fmt.Errorf("start_mode must be \"\" or \"record\", got %q", c.StartMode)
	}
	switch c.Storage.RecordTo {
	case StoreSQLite, StoreJSON:
	default:
		return fmt.Errorf("storage.record_to must be %q or %q, got %q", StoreSQLite, StoreJSON, c.Storage.RecordTo)
	}
	if c.UDPStream.Listen < 0 || c.UDPStream.Listen > 65535 {
		return fmt.Errorf("udp_stream.listen out of range: %d", c.UDPStream.Listen)
	}
	if c.ConsoleEvery < 0 {
		return fmt.Errorf("console_every must be >= 0, got %d", c.ConsoleEvery)
	}

	seen := make(map[string]mocap.AdapterType, len(c.Adapters))
	references := 0
	for i, a := range c.Adapters {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("adapters[%d]: name is required", i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("adapters[%d]: duplicate source id %q", i, a.Name)
		}
		t, err := mocap.ParseAdapterType(a.AdapterType)
		if err != nil {
			return fmt.Errorf("adapters[%d] %s: %w", i, a.Name, err)
		}
		seen[a.Name] = t
		if a.Reference {
			references++
			if t != mocap.AdapterOptiTrack {
				return fmt.Errorf("adapters[%d] %s: only optitrack adapters can be the reference", i, a.Name)
			}
		}
		switch a.Transport {
		case TransportUDP:
			if a.Address == "" {
				return fmt.Errorf("adapters[%d] %s: udp transport requires address", i, a.Name)
			}
		case TransportSerial:
			if a.Address == "" {
				return fmt.Errorf("adapters[%d] %s: serial transport requires address", i, a.Name)
			}
			if a.BaudRate < 0 {
				return fmt.Errorf("adapters[%d] %s: invalid baud_rate %d", i, a.Name, a.BaudRate)
			}
		case TransportPCAP:
			if a.PCAPFile == "" {
				return fmt.Errorf("adapters[%d] %s: pcap transport requires pcap_file", i, a.Name)
			}
		default:
			return fmt.Errorf("adapters[%d] %s: unknown transport %q", i, a.Name, a.Transport)
		}
	}
	if references > 1 {
		return fmt.Errorf("at most one reference adapter allowed, got %d", references)
	}

	bodies := make(map[string]bool, len(c.Rigs))
	for i, r := range c.Rigs {
		if r.BodyName == "" || r.SourceID == "" {
			return fmt.Errorf("rigs[%d]: body_name and source_id are required", i)
		}
		if bodies[r.BodyName] {
			return fmt.Errorf("rigs[%d]: duplicate body_name %q", i, r.BodyName)
		}
		bodies[r.BodyName] = true
		if len(c.Adapters) > 0 {
			t, ok := seen[r.SourceID]
			if !ok {
				return fmt.Errorf("rigs[%d]: unknown source_id %q", i, r.SourceID)
			}
			if t == mocap.AdapterOptiTrack {
				return fmt.Errorf("rigs[%d]: %q is a reference adapter", i, r.SourceID)
			}
		}
	}

	if _, err := c.Corrections(); err != nil {
		return err
	}
	return nil
}

// RigMap returns reference body name to rig source id.
func (c *Config) RigMap() map[string]string {
	m := make(map[string]string, len(c.Rigs))
	for _, r := range c.Rigs {
		m[r.BodyName] = r.SourceID
	}
	return m
}

// Corrections returns the configured axis corrections keyed by adapter
// type. Types without an entry keep fusion's defaults.
func (c *Config) Corrections() (map[mocap.AdapterType]fusion.AxisCorrection, error) {
	out := make(map[mocap.AdapterType]fusion.AxisCorrection, len(c.AxisCorrections))
	for name, corr := range c.AxisCorrections {
		t, err := mocap.ParseAdapterType(name)
		if err != nil {
			return nil, fmt.Errorf("axis_corrections: %w", err)
		}
		if math.IsNaN(corr.Degrees) || math.IsInf(corr.Degrees, 0) {
			return nil, fmt.Errorf("axis_corrections[%s]: degrees must be finite", name)
		}
		out[t] = corr
	}
	return out, nil
}

// EnabledAdapters returns the adapters to start.
func (c *Config) EnabledAdapters() []AdapterConfig {
	var out []AdapterConfig
	for _, a := range c.Adapters {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// ResolvePath resolves p against HomeDir unless it is absolute.
func (c *Config) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}
