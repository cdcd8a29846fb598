package config_test

import (
	"KeepTrade/internal/config"
	"KeepTrade/internal/fee"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	govHex   = "0x9000000000000000000000000000000000000009"
	tokenHex = "0x6000000000000000000000000000000000000006"
)

// --- Test helpers ---

func mustLoad(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("KEEPTRADE_GOVERNANCE_ADDRESS", govHex)
	t.Setenv("KEEPTRADE_GOVERNANCE_TOKEN", tokenHex)
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

// ============================================================================
// Test: Loading
// ============================================================================

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := mustLoad(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Core.Governance != common.HexToAddress(govHex) {
		t.Errorf("governance: %s", cfg.Core.Governance.Hex())
	}
	m := cfg.Core.FeeConfig.Multipliers
	if m.KeeperL1 != 100 || m.KeeperL2 != 30 || m.Basic != 20 || m.Base != 10_000 {
		t.Errorf("multipliers: %+v", m)
	}
	if cfg.Persistence.BatchSize != 50 || cfg.Server.GRPCAddr != ":9090" {
		t.Errorf("sizing: %+v %+v", cfg.Persistence, cfg.Server)
	}
}

func TestLoadConfig_FeeOverrides(t *testing.T) {
	t.Setenv("KEEPTRADE_FEE_BASE", "100000")
	t.Setenv("KEEPTRADE_FEE_KEEPER_L2_REQ", "42")
	cfg := mustLoad(t)
	if cfg.Core.FeeConfig.Multipliers.Base != 100_000 {
		t.Errorf("base: %d", cfg.Core.FeeConfig.Multipliers.Base)
	}
	if cfg.Core.FeeConfig.Requirements.KeeperL2.Uint64() != 42 {
		t.Errorf("l2 req: %s", cfg.Core.FeeConfig.Requirements.KeeperL2.Dec())
	}
}

func TestLoadConfig_BadAddress(t *testing.T) {
	t.Setenv("KEEPTRADE_ESCROW_ADDRESS", "not-an-address")
	if _, err := config.LoadConfig(); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadConfig_BadRequirement(t *testing.T) {
	t.Setenv("KEEPTRADE_FEE_DISCOUNT_REQ", "-5")
	if _, err := config.LoadConfig(); err == nil {
		t.Fatal("expected error")
	}
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing governance", func(c *config.Config) { c.Core.Governance = common.Address{} }},
		{"governance is escrow", func(c *config.Config) { c.Core.Governance = c.Core.Escrow }},
		{"missing token", func(c *config.Config) { c.Core.GovernanceToken = common.Address{} }},
		{"unordered requirements", func(c *config.Config) {
			c.Core.FeeConfig.Requirements.KeeperL2, c.Core.FeeConfig.Requirements.KeeperL3 =
				c.Core.FeeConfig.Requirements.KeeperL3, c.Core.FeeConfig.Requirements.KeeperL2
		}},
		{"small fee base", func(c *config.Config) { c.Core.FeeConfig.Multipliers.Base = 10 }},
		{"zero batch", func(c *config.Config) { c.Persistence.BatchSize = 0 }},
		{"unknown log format", func(c *config.Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := mustLoad(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate_WrapsFeeErrors(t *testing.T) {
	cfg := mustLoad(t)
	cfg.Core.FeeConfig.Multipliers.Base = 10
	if err := cfg.Validate(); !errors.Is(err, fee.ErrInvalidFeeBase) {
		t.Errorf("got %v", err)
	}
}

func TestString_RedactsPassword(t *testing.T) {
	t.Setenv("KEEPTRADE_POSTGRES_DSN", "postgres://user:secret@db:5432/keeptrade")
	s := mustLoad(t).String()
	if strings.Contains(s, "secret") {
		t.Errorf("password leaked: %s", s)
	}
	if !strings.Contains(s, "user:xxxxx@db") {
		t.Errorf("got %s", s)
	}
}
