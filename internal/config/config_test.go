package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadRejectsBadNumericValues(t *testing.T) {
	t.Setenv("BARCODE_CACHE_TTL_SECONDS", "-5")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "not-a-number")
	t.Setenv("DEFAULT_BRANCH_ID", "0")

	cfg := Load()
	if cfg.BarcodeCacheTTLSeconds != 300 {
		t.Fatalf("expected cache TTL fallback 300, got %d", cfg.BarcodeCacheTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected token TTL fallback 480, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.DefaultBranchID != 1 {
		t.Fatalf("expected branch fallback 1, got %d", cfg.DefaultBranchID)
	}
}
