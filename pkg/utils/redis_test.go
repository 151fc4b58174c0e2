package utils

import (
	"testing"
	"time"
)

func TestRedisConfigDefaults(t *testing.T) {
	cfg := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if cfg.DialTimeout <= 0 || cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 {
		t.Fatalf("expected timeout defaults, got %+v", cfg)
	}
	if cfg.PoolSize <= 0 {
		t.Fatalf("expected pool size default, got %d", cfg.PoolSize)
	}
	if cfg.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("conn max lifetime = %v", cfg.ConnMaxLifetime)
	}
}

func TestRedisConfigKeepsExplicitValues(t *testing.T) {
	cfg := RedisConfig{Addr: "localhost:6379", PoolSize: 3, DialTimeout: time.Second}.withDefaults()
	if cfg.PoolSize != 3 {
		t.Fatalf("pool size = %d", cfg.PoolSize)
	}
	if cfg.DialTimeout != time.Second {
		t.Fatalf("dial timeout = %v", cfg.DialTimeout)
	}
}
