package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "app:\n  name: pricekeeper\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Chain.ChainID != 8453 {
		t.Fatalf("expected Base chain id, got %d", cfg.Chain.ChainID)
	}
	if cfg.Policy.ChangeThreshold != 0.15 {
		t.Fatalf("unexpected threshold: %v", cfg.Policy.ChangeThreshold)
	}
	if cfg.Policy.MinUpdateInterval != time.Hour {
		t.Fatalf("unexpected min interval: %v", cfg.Policy.MinUpdateInterval)
	}
	if cfg.Policy.MaxDailyUpdates != 6 {
		t.Fatalf("unexpected daily cap: %v", cfg.Policy.MaxDailyUpdates)
	}
	if len(cfg.Tiers) != 3 {
		t.Fatalf("expected 3 default tiers, got %d", len(cfg.Tiers))
	}
	if cfg.Tiers[2].Name != "don" || cfg.Tiers[2].USDTarget != 6.99 {
		t.Fatalf("unexpected tier defaults: %+v", cfg.Tiers)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, strings.Join([]string{
		"policy:",
		"  change_threshold: 0.2",
		"  min_update_interval: 2h",
		"daemon:",
		"  tick_interval: 30m",
		"tiers:",
		"  - name: solo",
		"    usd_target: 1.99",
		"    safety_multiplier: 1.1",
	}, "\n")))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Policy.ChangeThreshold != 0.2 || cfg.Policy.MinUpdateInterval != 2*time.Hour {
		t.Fatalf("file overrides not applied: %+v", cfg.Policy)
	}
	if cfg.Daemon.TickInterval != 30*time.Minute {
		t.Fatalf("tick interval override not applied: %v", cfg.Daemon.TickInterval)
	}
	if len(cfg.Tiers) != 1 || cfg.Tiers[0].Name != "solo" {
		t.Fatalf("tier override not applied: %+v", cfg.Tiers)
	}
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	_, err := Load(writeConfigFile(t, "policy:\n  change_threshold: 1.5\n"))
	if err == nil {
		t.Fatal("threshold above 1 must be rejected")
	}
}

func TestValidateRejectsDuplicateTiers(t *testing.T) {
	_, err := Load(writeConfigFile(t, strings.Join([]string{
		"tiers:",
		"  - name: pro",
		"    usd_target: 3.49",
		"    safety_multiplier: 1.05",
		"  - name: pro",
		"    usd_target: 6.99",
		"    safety_multiplier: 1.05",
	}, "\n")))
	if err == nil || !strings.Contains(err.Error(), "duplicate tier") {
		t.Fatalf("expected duplicate tier error, got %v", err)
	}
}

func TestValidateRejectsLowSafetyMultiplier(t *testing.T) {
	_, err := Load(writeConfigFile(t, strings.Join([]string{
		"tiers:",
		"  - name: pro",
		"    usd_target: 3.49",
		"    safety_multiplier: 0.9",
	}, "\n")))
	if err == nil || !strings.Contains(err.Error(), "safety_multiplier") {
		t.Fatalf("expected safety multiplier error, got %v", err)
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfigFile(t, strings.Join([]string{
		"alerting:",
		"  enabled: true",
		"  telegram:",
		"    enabled: true",
	}, "\n")))
	if err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("expected telegram credential error, got %v", err)
	}
}

func TestValidateAutomation(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "app:\n  name: pricekeeper\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := cfg.ValidateAutomation(); err == nil {
		t.Fatal("automation must be refused without a signer key")
	}

	cfg.Signer.PrivateKey = "0xabc"
	cfg.Chain.PaymentsAddress = "0x1111111111111111111111111111111111111111"
	cfg.Oracle.PrimaryURL = "https://oracle.example/price"
	if err := cfg.ValidateAutomation(); err != nil {
		t.Fatalf("automation config should be complete: %v", err)
	}
}
