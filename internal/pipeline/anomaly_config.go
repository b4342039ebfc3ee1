package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type AnomalyWeights struct {
	SatelliteCritical    float64 `yaml:"satellite_critical"`
	SatelliteLow         float64 `yaml:"satellite_low"`
	HDOPDegraded         float64 `yaml:"hdop_degraded"`
	HDOPTooPerfect       float64 `yaml:"hdop_too_perfect"`
	PositionJump         float64 `yaml:"position_jump"`
	Teleport             float64 `yaml:"teleport"`
	SpeedWithoutMovement float64 `yaml:"speed_without_movement"`
	FleetCorrelated      float64 `yaml:"fleet_correlated"`
}

// AnomalyConfig holds the GNSS anomaly thresholds and rule weights.
type AnomalyConfig struct {
	SatelliteCriticalMax int     `yaml:"satellite_critical_max"`
	SatelliteLowMax      int     `yaml:"satellite_low_max"`
	HDOPDegradedAbove    float64 `yaml:"hdop_degraded_above"`
	HDOPTooPerfectBelow  float64 `yaml:"hdop_too_perfect_below"`

	SpeedFactor          float64 `yaml:"speed_factor"`
	MinExpectedDistanceM float64 `yaml:"min_expected_distance_m"`
	JumpRatio            float64 `yaml:"jump_ratio"`
	TeleportRatio        float64 `yaml:"teleport_ratio"`

	StationarySpeedKmh  float64 `yaml:"stationary_speed_kmh"`
	StationaryDistanceM float64 `yaml:"stationary_distance_m"`

	FleetWindowSeconds  int `yaml:"fleet_window_seconds"`
	FleetCorrelationMin int `yaml:"fleet_correlation_min"`
	JammingFleetMin     int `yaml:"jamming_fleet_min"`

	Weights AnomalyWeights `yaml:"weights"`
}

func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		SatelliteCriticalMax: 2,
		SatelliteLowMax:      4,
		HDOPDegradedAbove:    10,
		HDOPTooPerfectBelow:  0.5,
		SpeedFactor:          1.5,
		MinExpectedDistanceM: 30,
		JumpRatio:            1.5,
		TeleportRatio:        3,
		StationarySpeedKmh:   20,
		StationaryDistanceM:  5,
		FleetWindowSeconds:   300,
		FleetCorrelationMin:  3,
		JammingFleetMin:      2,
		Weights: AnomalyWeights{
			SatelliteCritical:    0.35,
			SatelliteLow:         0.20,
			HDOPDegraded:         0.25,
			HDOPTooPerfect:       0.20,
			PositionJump:         0.20,
			Teleport:             0.40,
			SpeedWithoutMovement: 0.25,
			FleetCorrelated:      0.15,
		},
	}
}

func (c AnomalyConfig) FleetWindow() time.Duration {
	return time.Duration(c.FleetWindowSeconds) * time.Second
}

// LoadAnomalyConfig overlays the YAML file at path onto the defaults. An
// empty path returns the defaults.
func LoadAnomalyConfig(path string) (AnomalyConfig, error) {
	cfg := DefaultAnomalyConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read anomaly config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse anomaly config: %w", err)
	}
	if cfg.TeleportRatio < cfg.JumpRatio {
		return cfg, fmt.Errorf("anomaly config: teleport_ratio %.2f below jump_ratio %.2f", cfg.TeleportRatio, cfg.JumpRatio)
	}
	return cfg, nil
}
