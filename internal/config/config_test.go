package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "RETRY_DELAY_SECONDS", "COLD_CHAIN_MIN_C", "DEVICE_LOCK_ENABLED", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	if cfg.HTTPPort != "8001" {
		t.Errorf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.RetryDelaySeconds != 30 || cfg.ProcessingLeaseSeconds != 60 {
		t.Errorf("retry/lease = %d/%d", cfg.RetryDelaySeconds, cfg.ProcessingLeaseSeconds)
	}
	if cfg.ColdChainMinC != -25 || cfg.ColdChainMaxC != 25 {
		t.Errorf("cold chain band = [%v, %v]", cfg.ColdChainMinC, cfg.ColdChainMaxC)
	}
	if cfg.DeviceLockEnabled {
		t.Errorf("device lock should default off")
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("kafka should default off, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DEVICE_LOCK_ENABLED", "true")
	t.Setenv("COLD_CHAIN_MAX_C", "8.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("VALID_API_KEYS", "a,,b")
	t.Setenv("REPLAY_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	if cfg.HTTPPort != "9090" || !cfg.DeviceLockEnabled || cfg.ColdChainMaxC != 8.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.ValidAPIKeys) != 2 {
		t.Errorf("api keys = %v", cfg.ValidAPIKeys)
	}
	if cfg.ReplayMaxAttempts != 5 {
		t.Errorf("bad int should fall back to default, got %d", cfg.ReplayMaxAttempts)
	}
}
