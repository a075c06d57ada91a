//go:build integration

package broker

import (
	"os"
	"testing"
)

func setupTestEnv(t *testing.T) {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}
	os.Setenv("APCA_API_KEY_ID", key)
	os.Setenv("APCA_API_SECRET_KEY", secret)
	if url := os.Getenv("TEST_APCA_API_BASE_URL"); url != "" {
		os.Setenv("APCA_API_BASE_URL", url)
	} else {
		os.Setenv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets")
	}
}

func TestIntegration_AccountAndClock(t *testing.T) {
	setupTestEnv(t)
	p := NewAlpacaProvider()

	equity, err := p.GetEquity()
	if err != nil {
		t.Fatalf("GetEquity failed: %v", err)
	}
	if !equity.IsPositive() {
		t.Errorf("equity not positive: %s", equity)
	}

	clock, err := p.GetClock()
	if err != nil {
		t.Fatalf("GetClock failed: %v", err)
	}
	if clock.NextOpen.IsZero() || clock.NextClose.IsZero() {
		t.Error("clock missing next open/close")
	}
}
