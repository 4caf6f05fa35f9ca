package util

import (
	"strings"
	"testing"
	"time"
)

func TestCleanLocationText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain input is untouched",
			in:   "Austin, TX 78701",
			want: "Austin, TX 78701",
		},
		{
			name: "removes HTML tags",
			in:   "Austin<wbr><span></span>, TX",
			want: "Austin , TX",
		},
		{
			name: "fixes escaped closing tags",
			in:   "<b>Denver<\\/b> CO",
			want: "Denver CO",
		},
		{
			name: "removes United States suffix",
			in:   "Portland, OR 97201, United States",
			want: "Portland, OR 97201",
		},
		{
			name: "removes USA suffix",
			in:   "Miami FL USA",
			want: "Miami FL",
		},
		{
			name: "decodes entities and collapses whitespace",
			in:   "Salt&nbsp;Lake   City,\\nUT",
			want: "Salt Lake City, UT",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanLocationText(tt.in); got != tt.want {
				t.Errorf("CleanLocationText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	for _, in := range []string{"home/garden", "Home Garden", "home-garden", " home / garden "} {
		if got := NormalizeCategory(in); got != "home-garden" {
			t.Errorf("NormalizeCategory(%q) = %q, want home-garden", in, got)
		}
	}
	if MarketDocID("austin-tx", "home/garden") != MarketDocID("austin-tx", "Home Garden") {
		t.Error("doc IDs differ for the same normalized category")
	}
}

func TestMarketDocID(t *testing.T) {
	if got := MarketDocID("78701", "Electronics"); got != "78701_electronics" {
		t.Errorf("MarketDocID = %q, want 78701_electronics", got)
	}
	if got := MarketDocID("austin-tx", "home/garden"); strings.Contains(got, "/") {
		t.Errorf("MarketDocID kept a slash: %q", got)
	}
	long := MarketDocID("national", strings.Repeat("x", 400))
	if len(long) != 32 {
		t.Errorf("long ID should fall back to md5 hex, got len %d", len(long))
	}
}

func TestHashLifecycleEventStable(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := HashLifecycleEvent("listing_sold", "Austin, TX", "electronics", 120, at)
	b := HashLifecycleEvent("LISTING_SOLD", " austin, tx ", "Electronics", 120.001, at)
	if a != b {
		t.Errorf("equivalent events hashed differently: %s vs %s", a, b)
	}
	c := HashLifecycleEvent("listing_sold", "Austin, TX", "electronics", 121, at)
	if a == c {
		t.Errorf("different prices should hash differently")
	}
}
