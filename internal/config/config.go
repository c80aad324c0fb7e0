// Package config loads the static, read-once-at-startup configuration
// object described in spec.md §6, via viper the way
// multiverse-hardware-labs-dastard loads its runtime configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FPGAConfig is one flavour's firmware/register layout, spec.md §6.
type FPGAConfig struct {
	Firmware    string   `mapstructure:"firmware"`
	ArrayLength int      `mapstructure:"array_length"`
	XXBlocks    []string `mapstructure:"xx_blocks"`
	YYBlocks    []string `mapstructure:"yy_blocks"`
	ReXYBlocks  []string `mapstructure:"re_xy_blocks"`
	ImXYBlocks  []string `mapstructure:"im_xy_blocks"`
	AccLen      int      `mapstructure:"acc_len"`
	FFTShift    int      `mapstructure:"fft_shift"`
	QuantXXGain int      `mapstructure:"quant_xx_gain"`
	QuantYYGain int      `mapstructure:"quant_yy_gain"`
	QuantXYGain int      `mapstructure:"quant_xy_gain"`
	MuxSel      int      `mapstructure:"mux_sel"`
}

// Config is the static configuration object of spec.md §6.
type Config struct {
	DataDir     string                `mapstructure:"data_dir"`
	TCSServer   string                `mapstructure:"tcs_server"`
	TCSPort     int                   `mapstructure:"tcs_port"`
	PlotterHost string                `mapstructure:"plotter_host"`
	PlotterPort int                   `mapstructure:"plotter_port"`
	KatcpPort   int                   `mapstructure:"katcp_port"`
	TCSLineTerm string                `mapstructure:"tcs_regex_esc"`
	RoachList   map[string]string     `mapstructure:"roachlist"` // board host -> beamId
	Flavours    map[string]FPGAConfig `mapstructure:"fpga_config"`
}

// Default returns the baseline configuration used by -t/-d test mode, when
// no config file is supplied.
func Default() Config {
	roach := make(map[string]string, 13)
	for i := 1; i <= 13; i++ {
		roach[fmt.Sprintf("roach%02d.local", i)] = fmt.Sprintf("beam_%02d", i)
	}
	return Config{
		DataDir:     "./test",
		TCSServer:   "0.0.0.0",
		TCSPort:     7777,
		PlotterHost: "127.0.0.1",
		PlotterPort: 7778,
		KatcpPort:   7147,
		TCSLineTerm: "\n",
		RoachList:   roach,
		Flavours: map[string]FPGAConfig{
			"hipsr_400_8192": {
				Firmware:    "hipsr_400_8192",
				ArrayLength: 8192,
				XXBlocks:    []string{"xx0", "xx1"},
				YYBlocks:    []string{"yy0", "yy1"},
				ReXYBlocks:  []string{"re_xy0", "re_xy1"},
				ImXYBlocks:  []string{"im_xy0", "im_xy1"},
				AccLen:      2 * 1024 * 1024,
				FFTShift:    0xFFFF,
			},
			"hipsr_200_16384": {
				Firmware:    "hipsr_200_16384",
				ArrayLength: 16384,
				XXBlocks:    []string{"xx0", "xx1"},
				YYBlocks:    []string{"yy0", "yy1"},
				ReXYBlocks:  []string{"re_xy0", "re_xy1"},
				ImXYBlocks:  []string{"im_xy0", "im_xy1"},
				AccLen:      1024 * 1024,
				FFTShift:    0xFFFF,
			},
		},
	}
}

// Load reads configuration from path (if non-empty) layered over Default(),
// with HIPSR_-prefixed environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("HIPSR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("config: unmarshalling %s: %w", path, err)
		}
	}

	if s := v.GetString("data_dir"); s != "" {
		cfg.DataDir = s
	}
	if s := v.GetString("tcs_server"); s != "" {
		cfg.TCSServer = s
	}
	if p := v.GetInt("tcs_port"); p != 0 {
		cfg.TCSPort = p
	}

	return cfg, nil
}

// BeamID resolves a board host to its configured beam id.
func (c Config) BeamID(board string) (string, bool) {
	id, ok := c.RoachList[board]
	return id, ok
}

// Boards returns the configured board hosts, ordered deterministically so
// BoardPool's jitter-delay indexing is stable across runs.
func (c Config) Boards() []string {
	out := make([]string, 0, len(c.RoachList))
	for board := range c.RoachList {
		out = append(out, board)
	}
	// Deterministic order: sort lexically. roachlist is ordered in the
	// source config; viper flattens maps, so we restore a stable order here
	// rather than depending on map iteration.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
