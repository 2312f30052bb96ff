package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DEDUP_YEAR_BAND", "2")
	t.Setenv("EVENTS_SINKS", "redis, kafka,,")
	t.Setenv("PRICING_TIMEOUT", "750ms")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Store.Backend != BackendPostgres {
		t.Errorf("Store.Backend = %v, want %v", cfg.Store.Backend, BackendPostgres)
	}
	if cfg.Dedup.YearBand != 2 {
		t.Errorf("Dedup.YearBand = %v, want 2", cfg.Dedup.YearBand)
	}
	if !reflect.DeepEqual(cfg.Events.Sinks, []string{"redis", "kafka"}) {
		t.Errorf("Events.Sinks = %v, want [redis kafka]", cfg.Events.Sinks)
	}
	if !cfg.HasSink(SinkKafka) || cfg.HasSink(SinkClickHouse) {
		t.Errorf("HasSink mismatch for %v", cfg.Events.Sinks)
	}
	if cfg.Pricing.Timeout != 750*time.Millisecond {
		t.Errorf("Pricing.Timeout = %v, want 750ms", cfg.Pricing.Timeout)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("Store.Backend = %v, want memory", cfg.Store.Backend)
	}
	if cfg.Dedup.YearBand != 1 {
		t.Errorf("Dedup.YearBand = %v, want 1", cfg.Dedup.YearBand)
	}
	if len(cfg.Events.Sinks) != 0 {
		t.Errorf("Events.Sinks = %v, want none", cfg.Events.Sinks)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store:   StoreConfig{Backend: BackendMemory, LockStripes: 8},
			Dedup:   DedupConfig{YearBand: 1},
			Pricing: PricingConfig{FloorPrice: 500},
			Ingest:  IngestConfig{Workers: 4},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, wantErr: true},
		{name: "unknown sink", mutate: func(c *Config) { c.Events.Sinks = []string{"sns"} }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Ingest.Workers = 0 }, wantErr: true},
		{name: "zero stripes", mutate: func(c *Config) { c.Store.LockStripes = 0 }, wantErr: true},
		{name: "negative year band", mutate: func(c *Config) { c.Dedup.YearBand = -1 }, wantErr: true},
		{name: "zero floor", mutate: func(c *Config) { c.Pricing.FloorPrice = 0 }, wantErr: true},
		{name: "advisor budget", mutate: func(c *Config) { c.Pricing.Budget = AdvisorBudgetConfig{Total: 10, Reserved: 6} }},
		{name: "reserve above budget", mutate: func(c *Config) { c.Pricing.Budget = AdvisorBudgetConfig{Total: 5, Reserved: 6} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
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
		{"returns integer when valid", "TEST_INT", 100, "200", 200},
		{"returns default when invalid", "TEST_INT_INVALID", 100, "invalid", 100},
		{"returns default when not set", "TEST_INT_NOTSET", 100, "", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnvAsInt(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_DURATION_INVALID", "soon")

	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 30*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 30s", got)
	}
	if got := getEnvAsDuration("TEST_DURATION_INVALID", time.Second); got != time.Second {
		t.Errorf("getEnvAsDuration() = %v, want default", got)
	}
}

func TestPostgresURL(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: "5432", Database: "listings", User: "u", Password: "p"}
	want := "postgres://u:p@db:5432/listings?sslmode=disable"
	if got := c.PostgresURL(); got != want {
		t.Errorf("PostgresURL() = %v, want %v", got, want)
	}
}
