package core

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if err := config.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	if config.Download.IfExists != IfExistsSkip {
		t.Errorf("Expected default if-exists %q, got %q", IfExistsSkip, config.Download.IfExists)
	}

	if config.Metadata.Source != MetadataSourceNone {
		t.Errorf("Expected default metadata source %q, got %q", MetadataSourceNone, config.Metadata.Source)
	}

	if config.VK.APIVersion != DefaultAPIVersion {
		t.Errorf("Expected VK API version %s, got %s", DefaultAPIVersion, config.VK.APIVersion)
	}

	if config.Server.Enabled {
		t.Error("Expected metrics server to be disabled by default")
	}
}

func TestDefaultResiliencePolicy(t *testing.T) {
	r := DefaultConfig().Resilience

	if r.MinInterval != 1100*time.Millisecond {
		t.Errorf("MinInterval = %v, want 1.1s", r.MinInterval)
	}
	if r.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", r.MaxAttempts)
	}
	if r.BackoffCeiling != 8*time.Second {
		t.Errorf("BackoffCeiling = %v, want 8s", r.BackoffCeiling)
	}
	if r.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", r.FailureThreshold)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "Defaults", mutate: func(*Config) {}},
		{name: "Replace mode", mutate: func(c *Config) { c.Download.IfExists = IfExistsReplace }},
		{name: "Artist folder sort", mutate: func(c *Config) { c.Download.Sort = SortArtistFolderName }},
		{name: "Unknown if-exists", mutate: func(c *Config) { c.Download.IfExists = "overwrite" }, wantErr: true},
		{name: "Unknown sort", mutate: func(c *Config) { c.Download.Sort = "album" }, wantErr: true},
		{name: "Empty path", mutate: func(c *Config) { c.Download.Path = "  " }, wantErr: true},
		{name: "Zero concurrency", mutate: func(c *Config) { c.Download.SegmentConcurrency = 0 }, wantErr: true},
		{name: "Excessive concurrency", mutate: func(c *Config) { c.Download.SegmentConcurrency = 64 }, wantErr: true},
		{name: "Empty metadata source", mutate: func(c *Config) { c.Metadata.Source = "" }, wantErr: true},
		{name: "Bad API base", mutate: func(c *Config) { c.VK.APIBase = "not a url" }, wantErr: true},
		{name: "Zero attempts", mutate: func(c *Config) { c.Resilience.MaxAttempts = 0 }, wantErr: true},
		{name: "Zero threshold", mutate: func(c *Config) { c.Resilience.FailureThreshold = 0 }, wantErr: true},
		{
			name: "Metrics port out of range",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{name: "Port ignored when disabled", mutate: func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestConfigConstants(t *testing.T) {
	if DefaultServerPort <= 0 || DefaultServerPort > 65535 {
		t.Error("DefaultServerPort should be a valid port number")
	}

	if DefaultSegmentConcurrency > MaxSegmentConcurrency {
		t.Error("DefaultSegmentConcurrency should not exceed MaxSegmentConcurrency")
	}
}
