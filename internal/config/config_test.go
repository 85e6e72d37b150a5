package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/mocapfusion/internal/fusion"
	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, ".", cfg.HomeDir)
	assert.Equal(t, ":8090", cfg.HTTPListen)
	assert.Equal(t, StoreSQLite, cfg.Storage.RecordTo)
	assert.Equal(t, "sessions.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "sessions", cfg.Storage.JSONDir)
	require.NoError(t, cfg.Validate())
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/mocapfusion.example.json")
	require.NoError(t, err)

	assert.Len(t, cfg.Adapters, 3)
	assert.Len(t, cfg.EnabledAdapters(), 2)
	assert.Equal(t, map[string]string{"KinectRig": "kinect-1", "LeapRig": "leap-1"}, cfg.RigMap())

	corr, err := cfg.Corrections()
	require.NoError(t, err)
	assert.Equal(t, fusion.KinectCorrection, corr[mocap.AdapterKinect])
	assert.Equal(t, "/var/lib/mocapfusion/sessions.db", cfg.ResolvePath(cfg.Storage.SQLitePath))
	assert.Equal(t, "/abs/x.db", cfg.ResolvePath("/abs/x.db"))
}

func TestLoadPartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "partial.json", `{
  "start_mode": "record",
  "adapters": [{"name": "opt", "adapter_type": "optitrack", "address": ":1511"}]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "record", cfg.StartMode)
	assert.Equal(t, TransportUDP, cfg.Adapters[0].Transport)
	assert.True(t, cfg.Adapters[0].IsEnabled())
	assert.Equal(t, mocap.AdapterOptiTrack, cfg.Adapters[0].Type())
	assert.Equal(t, StoreSQLite, cfg.Storage.RecordTo)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", `{}`))
	assert.ErrorContains(t, err, ".json extension")

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	_, err = Load(writeConfig(t, "broken.json", `{"adapters": [`))
	assert.ErrorContains(t, err, "failed to parse")

	big := writeConfig(t, "big.json", `{"home_dir": "`+strings.Repeat("a", 1<<20)+`"}`)
	_, err = Load(big)
	assert.ErrorContains(t, err, "too large")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Adapters: []AdapterConfig{
				{Name: "opt", AdapterType: "optitrack", Reference: true, Address: ":1511"},
				{Name: "kin", AdapterType: "kinect", Address: ":7001"},
			},
			Rigs: []RigConfig{{BodyName: "KinRig", SourceID: "kin"}},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad start mode", func(c *Config) { c.StartMode = "play" }, "start_mode"},
		{"bad record_to", func(c *Config) { c.Storage.RecordTo = "s3" }, "record_to"},
		{"bad udp port", func(c *Config) { c.UDPStream.Listen = 70000 }, "udp_stream.listen"},
		{"missing name", func(c *Config) { c.Adapters[1].Name = " " }, "name is required"},
		{"duplicate source", func(c *Config) { c.Adapters[1].Name = "opt" }, "duplicate source id"},
		{"unknown adapter type", func(c *Config) { c.Adapters[1].AdapterType = "vive" }, "unknown adapter type"},
		{"non-optitrack reference", func(c *Config) { c.Adapters[1].Reference = true }, "only optitrack"},
		{"two references", func(c *Config) {
			c.Adapters = append(c.Adapters, AdapterConfig{Name: "opt2", AdapterType: "optitrack", Reference: true, Transport: TransportUDP, Address: ":1"})
		}, "at most one reference"},
		{"udp without address", func(c *Config) { c.Adapters[1].Address = "" }, "requires address"},
		{"pcap without file", func(c *Config) { c.Adapters[1].Transport = TransportPCAP }, "requires pcap_file"},
		{"unknown transport", func(c *Config) { c.Adapters[1].Transport = "usb" }, "unknown transport"},
		{"rig to unknown source", func(c *Config) { c.Rigs[0].SourceID = "nope" }, "unknown source_id"},
		{"rig to reference", func(c *Config) { c.Rigs[0].SourceID = "opt" }, "reference adapter"},
		{"duplicate rig body", func(c *Config) { c.Rigs = append(c.Rigs, c.Rigs[0]) }, "duplicate body_name"},
		{"bad correction type", func(c *Config) {
			c.AxisCorrections = map[string]fusion.AxisCorrection{"vive": {}}
		}, "axis_corrections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
