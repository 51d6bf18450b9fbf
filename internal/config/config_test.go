package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateQueueThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleThreshold = 9000
	cfg.DropThreshold = 8000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when sample_threshold >= drop_threshold")
	}

	cfg = DefaultConfig()
	cfg.DropThreshold = cfg.QueueMaxSize
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when drop_threshold >= queue_max_size")
	}
}

func TestValidateSampleRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sample_rate < 1")
	}
}

func TestValidateConfidenceRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoUpdateThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for auto_update_threshold out of [0,1]")
	}

	cfg = DefaultConfig()
	cfg.MLConfidenceThresh = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for ml_confidence_threshold out of [0,1]")
	}
}

func TestLoadFromEnvOverridesDefault(t *testing.T) {
	t.Setenv("FLOWLENS_WINDOW_SECONDS", "120")
	t.Setenv("FLOWLENS_AUTO_UPDATE_THRESHOLD", "0.85")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WindowSeconds != 120 {
		t.Errorf("expected WindowSeconds=120, got %d", cfg.WindowSeconds)
	}
	if cfg.AutoUpdateThreshold != 0.85 {
		t.Errorf("expected AutoUpdateThreshold=0.85, got %f", cfg.AutoUpdateThreshold)
	}
}
