package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("JOB_WORKERS", "3"); err != nil {
		t.Fatalf("Failed to set JOB_WORKERS: %v", err)
	}
	if err := os.Setenv("CACHE_TTL", "30s"); err != nil {
		t.Fatalf("Failed to set CACHE_TTL: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("JOB_WORKERS")
		_ = os.Unsetenv("CACHE_TTL")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Job.Workers != 3 {
		t.Errorf("Job.Workers = %v, want %v", cfg.Job.Workers, 3)
	}

	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want %v", cfg.Cache.TTL, 30*time.Second)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Clustering.SimhashThreshold != 3 || cfg.Clustering.MinClusterSize != 2 {
		t.Errorf("unexpected clustering defaults: %+v", cfg.Clustering)
	}
	if cfg.Clustering.HybridThreshold != 0.7 || cfg.Clustering.FingerprintWeight != 0.5 {
		t.Errorf("unexpected hybrid defaults: %+v", cfg.Clustering)
	}
	if cfg.Job.Workers != 8 || cfg.Job.MaxConcurrent != 4 || cfg.Job.EventBuffer != 32 {
		t.Errorf("unexpected job defaults: %+v", cfg.Job)
	}
	if cfg.Job.Timeout != 10*time.Minute || cfg.Job.ResultTTL != time.Hour {
		t.Errorf("unexpected job durations: %+v", cfg.Job)
	}
	if cfg.Profile.MaxSamples != 1000 {
		t.Errorf("Profile.MaxSamples = %d, want 1000", cfg.Profile.MaxSamples)
	}
	if cfg.Risk.TemporalBucket != time.Hour {
		t.Errorf("Risk.TemporalBucket = %v, want 1h", cfg.Risk.TemporalBucket)
	}
}

func TestLoadConfigRejectsBadWeights(t *testing.T) {
	t.Setenv("RISK_WEIGHT_SIZE", "0.9")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for risk weights that do not sum to 1.0")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Clustering: ClusteringConfig{SimhashThreshold: 3, MinClusterSize: 2, FingerprintWeight: 0.5},
			Risk: RiskConfig{
				SizeWeight: 0.3, SimilarityWeight: 0.3, TemporalWeight: 0.25, AddressPatternWeight: 0.15,
				LargeClusterSize: 10,
			},
			Job:     JobConfig{Workers: 1, MaxConcurrent: 1, EventBuffer: 1},
			Profile: ProfileConfig{MaxSamples: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"min cluster size of one", func(c *Config) { c.Clustering.MinClusterSize = 1 }, true},
		{"threshold beyond width", func(c *Config) { c.Clustering.SimhashThreshold = 65 }, true},
		{"zero workers", func(c *Config) { c.Job.Workers = 0 }, true},
		{"zero event buffer", func(c *Config) { c.Job.EventBuffer = 0 }, true},
		{"fingerprint weight above one", func(c *Config) { c.Clustering.FingerprintWeight = 1.5 }, true},
		{"budget disabled ignores pools", func(c *Config) { c.Source.BudgetReserved = 500 }, false},
		{"budget reserved above total", func(c *Config) {
			c.Source = SourceConfig{BudgetEnabled: true, BudgetTotal: 10, BudgetReserved: 11}
		}, true},
		{"budget valid", func(c *Config) {
			c.Source = SourceConfig{BudgetEnabled: true, BudgetTotal: 10, BudgetReserved: 4}
		}, false},
		{"negative profile max age", func(c *Config) { c.Profile.MaxAge = -time.Second }, true},
		{"archive pool of zero", func(c *Config) {
			c.Database.Postgres = PostgresConfig{Enabled: true, MaxConnections: 0}
		}, true},
		{"archive disabled ignores pool", func(c *Config) { c.Database.Postgres.MaxConnections = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvAsFloatAndBool(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_FLOAT_INVALID", "quarter")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BOOL_INVALID", "maybe")

	if got := getEnvAsFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvAsFloat() = %v, want 0.25", got)
	}
	if got := getEnvAsFloat("TEST_FLOAT_INVALID", 1); got != 1 {
		t.Errorf("getEnvAsFloat() = %v, want default", got)
	}
	if got := getEnvAsBool("TEST_BOOL", false); !got {
		t.Error("getEnvAsBool() = false, want true")
	}
	if got := getEnvAsBool("TEST_BOOL_INVALID", true); !got {
		t.Error("getEnvAsBool() should fall back to default")
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", " a, b ,,c ")

	got := getEnvAsList("TEST_LIST", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("getEnvAsList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvAsList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns integer when valid",
			key:          "TEST_INT",
			defaultValue: 100,
			envValue:     "200",
			want:         200,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_INT_INVALID",
			defaultValue: 100,
			envValue:     "invalid",
			want:         100,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOTSET",
			defaultValue: 100,
			envValue:     "",
			want:         100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOTSET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
