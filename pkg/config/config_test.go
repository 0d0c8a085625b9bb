package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr=%s", cfg.Server.Addr)
	}
	if cfg.Engine.StaleAfter != 5*time.Second {
		t.Fatalf("staleAfter=%v", cfg.Engine.StaleAfter)
	}
	if cfg.Engine.InitialBalance != 10000 {
		t.Fatalf("initialBalance=%v", cfg.Engine.InitialBalance)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  addr: ":9090"
engine:
  slippageBps: 12
  maxExposure: 50000
feed:
  wsUrl: "ws://feed:7000/ws"
  symbols: ["EURUSD", "BTCUSD"]
store:
  dbPath: "/tmp/gocfd.db"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("GOCFD_SERVER_ADDR", ":9999")
	t.Setenv("GOCFD_SLIPPAGE_BPS", "3.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// 环境变量优先于配置文件
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr=%s", cfg.Server.Addr)
	}
	if cfg.Engine.SlippageBps != 3.5 {
		t.Fatalf("slippageBps=%v", cfg.Engine.SlippageBps)
	}
	if cfg.Engine.MaxExposure != 50000 {
		t.Fatalf("maxExposure=%v", cfg.Engine.MaxExposure)
	}
	if cfg.Feed.WSURL != "ws://feed:7000/ws" {
		t.Fatalf("wsUrl=%s", cfg.Feed.WSURL)
	}
	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[0] != "EURUSD" {
		t.Fatalf("symbols=%v", cfg.Feed.Symbols)
	}
	if cfg.Store.DBPath != "/tmp/gocfd.db" {
		t.Fatalf("dbPath=%s", cfg.Store.DBPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatalf("不存在的配置文件应报错")
	}
}
