package ui

import (
	"fmt"
	"strings"
	"testing"
)

// TestBannerPreview prints the banner so `go test ./pkg/ui -run TestBannerPreview` shows it.
func TestBannerPreview(t *testing.T) {
	fmt.Println(Banner())
}

func TestBannerIncludesWordmark(t *testing.T) {
	banner := Banner()
	if !strings.Contains(banner, "waterwall") {
		t.Fatalf("banner missing waterwall wordmark: %q", banner)
	}
	if !strings.Contains(banner, "per-process traffic wall") {
		t.Fatalf("banner missing tagline")
	}
	lines := strings.Split(strings.TrimSpace(banner), "\n")
	if len(lines) < 13 {
		t.Fatalf("expected two stacked words plus tagline, got %d lines", len(lines))
	}
}

func TestBannerUsesWaterAndBrickColors(t *testing.T) {
	banner := Banner()
	colors := []string{bold, foam, shallow, lagoon, seafoam, tide, brick, clay, mortar}
	for _, color := range colors {
		if !strings.Contains(banner, color) {
			t.Fatalf("banner missing color code %q", color)
		}
	}
}
