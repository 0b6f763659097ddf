package config_test

import (
	"testing"
	"time"

	"github.com/next-trace/scg-banker/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SYSTEM_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.System.Driver != config.DriverKafka {
		t.Fatalf("driver=%s", cfg.System.Driver)
	}

	if len(cfg.System.KafkaBrokers) != 2 || cfg.System.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers=%v", cfg.System.KafkaBrokers)
	}

	if cfg.ShutdownTimeout != 30*time.Second || cfg.OutboundBackend != "system" {
		t.Fatalf("cfg=%+v", cfg)
	}

	if len(cfg.AML.BlocklistFields) != 2 || cfg.Database.Driver != "sqlite" {
		t.Fatalf("aml=%+v db=%+v", cfg.AML, cfg.Database)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"kafka without brokers", map[string]string{}},
		{"nats without url", map[string]string{"SYSTEM_BUS_DRIVER": "nats"}},
		{"rabbitmq without url", map[string]string{"SYSTEM_BUS_DRIVER": "rabbitmq"}},
		{"redis without addr", map[string]string{"SYSTEM_BUS_DRIVER": "redis"}},
		{"unknown driver", map[string]string{"SYSTEM_BUS_DRIVER": "carrier-pigeon"}},
		{"bad log level", map[string]string{"SYSTEM_BUS_DRIVER": "memory", "LOG_LEVEL": "loud"}},
		{"negative limit", map[string]string{"SYSTEM_BUS_DRIVER": "memory", "AML_MAX_AMOUNT": "-1"}},
		{"bad duration", map[string]string{"SYSTEM_BUS_DRIVER": "memory", "SHUTDOWN_TIMEOUT": "soon"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SYSTEM_KAFKA_BROKERS", "")

			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			if _, err := config.Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_Memory(t *testing.T) {
	t.Setenv("SYSTEM_BUS_DRIVER", "memory")
	t.Setenv("AML_MAX_AMOUNT", "10000")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AML.MaxAmount != 10000 || cfg.System.MemoryWorkers != 4 {
		t.Fatalf("cfg=%+v", cfg)
	}
}
