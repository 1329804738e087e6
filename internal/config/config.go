// Package config loads and validates the single YAML configuration file
// described in SPEC_FULL.md §4.11/§6, auto-creating one with defaults on
// first run.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig struct describes the load-profile provider configuration.
type LoadConfig struct {
	Source             string `yaml:"source"` // default | openhab | homeassistant
	URL                string `yaml:"url"`
	LoadSensor         string `yaml:"load_sensor"`
	CarChargeLoadSensor string `yaml:"car_charge_load_sensor"`
	AccessToken        string `yaml:"access_token"`
}

// EOSConfig describes the EOS optimizer endpoint.
type EOSConfig struct {
	Server  string `yaml:"server"`
	Port    int    `yaml:"port"`
	Timeout int    `yaml:"timeout"` // seconds
}

// PriceConfig describes the price provider configuration.
type PriceConfig struct {
	Source              string    `yaml:"source"` // akkudoktor | tibber | smartenergy_at | fixed_24h
	Token               string    `yaml:"token"`
	FeedInPrice         float64   `yaml:"feed_in_price"` // ct/kWh
	NegativePriceSwitch bool      `yaml:"negative_price_switch"`
	Fixed24hArray       []float64 `yaml:"fixed_24h_array"`
}

// BatteryConfig describes the battery SoC source and physical parameters.
type BatteryConfig struct {
	Source              string  `yaml:"source"` // openhab | homeassistant | default
	URL                 string  `yaml:"url"`
	Sensor              string  `yaml:"sensor"`
	AccessToken         string  `yaml:"access_token"`
	CapacityWh          float64 `yaml:"capacity_wh"`
	ChargeEfficiency    float64 `yaml:"charge_efficiency"`
	DischargeEfficiency float64 `yaml:"discharge_efficiency"`
	MaxChargePowerW     float64 `yaml:"max_charge_power_w"`
	MinSoCPercentage    float64 `yaml:"min_soc_percentage"`
	MaxSoCPercentage    float64 `yaml:"max_soc_percentage"`
}

// PVForecastSourceConfig selects the PV forecast backend.
type PVForecastSourceConfig struct {
	Source string `yaml:"source"`
	APIKey string `yaml:"api_key"` // solcast only
}

// PVArrayConfig describes one physical PV array's geometry.
type PVArrayConfig struct {
	Name               string  `yaml:"name"`
	Lat                float64 `yaml:"lat"`
	Lon                float64 `yaml:"lon"`
	Azimuth            float64 `yaml:"azimuth"`
	Tilt               float64 `yaml:"tilt"`
	Power              float64 `yaml:"power"`
	PowerInverter      float64 `yaml:"powerInverter"`
	InverterEfficiency float64 `yaml:"inverterEfficiency"`
	Horizon            string  `yaml:"horizont"`
	ResourceID         string  `yaml:"resource_id"` // solcast only
}

// InverterConfig describes the hardware driver.
type InverterConfig struct {
	Type               string  `yaml:"type"` // fronius_gen24 | fronius_gen24_v2 | default
	Address            string  `yaml:"address"`
	User               string  `yaml:"user"`
	Password           string  `yaml:"password"`
	Enabled            bool    `yaml:"enabled"`
	MaxGridChargeRateW float64 `yaml:"max_grid_charge_rate"`
	MaxPVChargeRateW   float64 `yaml:"max_pv_charge_rate"`
	MaxBatDischargeW   float64 `yaml:"max_bat_discharge_rate"`
}

// EVCCConfig describes the EV charge-controller endpoint.
type EVCCConfig struct {
	URL string `yaml:"url"`
}

// Config is the on-disk configuration shape (SPEC_FULL.md §6).
type Config struct {
	Load             LoadConfig             `yaml:"load"`
	EOS              EOSConfig              `yaml:"eos"`
	Price            PriceConfig            `yaml:"price"`
	Battery          BatteryConfig          `yaml:"battery"`
	PVForecastSource PVForecastSourceConfig `yaml:"pv_forecast_source"`
	PVForecast       []PVArrayConfig        `yaml:"pv_forecast"`
	Inverter         InverterConfig         `yaml:"inverter"`
	EVCC             EVCCConfig             `yaml:"evcc"`

	RefreshTimeMinutes int    `yaml:"refresh_time"`
	TimeZone           string `yaml:"time_zone"`
	WebPort            int    `yaml:"eos_connect_web_port"`
	LogLevel           string `yaml:"log_level"`
	DataDir            string `yaml:"data_dir"`
}

// DefaultConfig returns a configuration with default values, mirroring the
// teacher's scheduler.DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		Load: LoadConfig{
			Source: "default",
		},
		EOS: EOSConfig{
			Server:  "127.0.0.1",
			Port:    8503,
			Timeout: 180,
		},
		Price: PriceConfig{
			Source:              "akkudoktor",
			FeedInPrice:         7.0,
			NegativePriceSwitch: true,
		},
		Battery: BatteryConfig{
			Source:              "default",
			CapacityWh:          11059,
			ChargeEfficiency:    0.95,
			DischargeEfficiency: 0.95,
			MaxChargePowerW:     5000,
			MinSoCPercentage:    5,
			MaxSoCPercentage:    100,
		},
		PVForecastSource: PVForecastSourceConfig{
			Source: "akkudoktor",
		},
		PVForecast: []PVArrayConfig{},
		Inverter: InverterConfig{
			Type:               "default",
			Enabled:            false,
			MaxGridChargeRateW: 10000,
			MaxPVChargeRateW:   10000,
			MaxBatDischargeW:   10000,
		},
		RefreshTimeMinutes: 15,
		TimeZone:           "Europe/Berlin",
		WebPort:            8081,
		LogLevel:           "info",
		DataDir:            ".",
	}
}

// Load reads and validates the configuration at path, writing a default file
// if none exists yet (SPEC_FULL.md §4.11).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// Validate enforces the boot-time cross-field invariants from
// SPEC_FULL.md §4.10/§4.4/§7: the EOS timeout must not exceed the refresh
// period, and PV array entries must carry their mandatory geometry fields.
func (c *Config) Validate() error {
	if c.RefreshTimeMinutes <= 0 {
		return fmt.Errorf("config: refresh_time must be positive, got %d", c.RefreshTimeMinutes)
	}
	if c.EOS.Timeout <= 0 {
		return fmt.Errorf("config: eos.timeout must be positive, got %d", c.EOS.Timeout)
	}
	if c.EOS.Timeout > c.RefreshTimeMinutes*60 {
		return fmt.Errorf("config: eos.timeout (%ds) must not exceed refresh_time (%d min = %ds)",
			c.EOS.Timeout, c.RefreshTimeMinutes, c.RefreshTimeMinutes*60)
	}

	for i, entry := range c.PVForecast {
		if entry.Lat == 0 && entry.Lon == 0 {
			return fmt.Errorf("config: pv_forecast[%d]: lat/lon not set", i)
		}
		if entry.Power <= 0 {
			return fmt.Errorf("config: pv_forecast[%d]: power must be positive", i)
		}
	}

	switch c.Battery.Source {
	case "default", "openhab", "homeassistant":
	default:
		return fmt.Errorf("config: battery.source %q not recognized", c.Battery.Source)
	}

	if c.Battery.MinSoCPercentage < 0 || c.Battery.MaxSoCPercentage > 100 || c.Battery.MinSoCPercentage >= c.Battery.MaxSoCPercentage {
		return fmt.Errorf("config: battery min/max soc percentages invalid (%v/%v)",
			c.Battery.MinSoCPercentage, c.Battery.MaxSoCPercentage)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: log_level %q not recognized, must be one of: debug, info, warn, error", c.LogLevel)
	}

	return nil
}
