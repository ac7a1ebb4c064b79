package services

import (
	"context"
	"testing"

	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

func TestFilterAnalysisKeepsOnlyMatchesAndRenumbers(t *testing.T) {
	result := &models.AnalysisResult{
		VendorMatches: []models.VendorMatch{
			{Vendor: "WIKA", RequirementsMatch: true},
			{Vendor: "Emerson", RequirementsMatch: false},
		},
		RankedProducts: []models.RankedProduct{
			{Rank: 1, Vendor: "WIKA", ProductName: "A-10", RequirementsMatch: true},
			{Rank: 2, Vendor: "Emerson", ProductName: "3051", RequirementsMatch: false},
			{Rank: 3, Vendor: "Yokogawa", ProductName: "EJA110E", RequirementsMatch: true},
		},
	}

	view := FilterAnalysis(result)

	if len(view.VendorMatches) != 1 || view.VendorMatches[0].Vendor != "WIKA" {
		t.Errorf("Vendor matches not filtered: %v", view.VendorMatches)
	}
	if len(view.Products) != 2 {
		t.Fatalf("Expected 2 products, got %d", len(view.Products))
	}
	for i, product := range view.Products {
		if !product.RequirementsMatch {
			t.Errorf("Product %d kept with requirementsMatch=false", i)
		}
		if product.Rank != i+1 {
			t.Errorf("Expected contiguous rank %d, got %d", i+1, product.Rank)
		}
	}
	// Original relative order survives the renumbering.
	if view.Products[0].ProductName != "A-10" || view.Products[1].ProductName != "EJA110E" {
		t.Errorf("Filtered order changed: %v", view.Products)
	}
	if view.Empty {
		t.Error("View with products must not be empty")
	}
}

func TestFilterAnalysisEmptyAndNil(t *testing.T) {
	if view := FilterAnalysis(nil); !view.Empty {
		t.Error("Nil analysis must produce an empty view")
	}

	noMatches := &models.AnalysisResult{
		RankedProducts: []models.RankedProduct{
			{Rank: 1, RequirementsMatch: false},
		},
	}
	if view := FilterAnalysis(noMatches); !view.Empty {
		t.Error("All-filtered analysis must produce an empty view")
	}
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"WIKA A-10", "wikaa10"},
		{"wika a10", "wikaa10"},
		{"Endress+Hauser", "endresshauser"},
		{"  Rosemount 3051 ", "rosemount3051"},
		{"---", ""},
	}

	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMatchNames(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"WIKA A-10", "wika a10", true},
		{"Rosemount 3051", "Rosemount 3051C", true},
		{"Emerson Rosemount 3051", "3051", true},
		{"WIKA", "Yokogawa", false},
		{"", "WIKA", false},
	}

	for _, tc := range cases {
		if got := MatchNames(tc.a, tc.b); got != tc.want {
			t.Errorf("MatchNames(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFindVendorTieBreakOrder(t *testing.T) {
	catalog := &models.VendorCatalog{
		Vendors: []models.VendorInfo{
			{Name: "Instruments"},      // substring of the target
			{Name: "WIKA"},             // prefix of the target
			{Name: "WIKA Instruments"}, // exact after normalization
		},
	}

	found := findVendor(catalog, "wika instruments")
	if found == nil || found.Name != "WIKA Instruments" {
		t.Errorf("Exact normalized match must win, got %+v", found)
	}

	noExact := &models.VendorCatalog{
		Vendors: []models.VendorInfo{
			{Name: "Instruments"},
			{Name: "WIKA"},
		},
	}
	found = findVendor(noExact, "wika instruments")
	if found == nil || found.Name != "WIKA" {
		t.Errorf("Prefix match must beat substring, got %+v", found)
	}
}

func TestBuildViewJoinsBestEffort(t *testing.T) {
	catalog := &stubCatalogFetcher{
		catalog: &models.VendorCatalog{
			Vendors: []models.VendorInfo{
				{
					Name:    "WIKA",
					LogoURL: "https://cdn.example.com/wika.png",
					ProductImages: map[string]string{
						"A-10": "https://cdn.example.com/a10.png",
					},
				},
			},
		},
	}
	prices := &stubPriceFetcher{
		prices: map[string][]models.PriceEntry{
			models.PriceQuery{Vendor: "wika", ProductName: "A-10"}.Key(): {
				{Price: "$120", Source: "shop.example.com"},
			},
		},
	}

	ranking := NewRankingService(catalog, prices, logger.NewNop())

	result := &models.AnalysisResult{
		RankedProducts: []models.RankedProduct{
			{Rank: 1, Vendor: "wika", ProductName: "A-10", RequirementsMatch: true},
			{Rank: 2, Vendor: "Unknown Vendor", ProductName: "X-99", RequirementsMatch: true},
		},
	}

	view := ranking.BuildView(context.Background(), result)

	if len(view.Products) != 2 {
		t.Fatalf("Join failures must never remove entries, got %d", len(view.Products))
	}

	joined := view.Products[0]
	if joined.LogoURL != "https://cdn.example.com/wika.png" {
		t.Errorf("Logo not joined: %q", joined.LogoURL)
	}
	if joined.ImageURL != "https://cdn.example.com/a10.png" {
		t.Errorf("Product image not joined: %q", joined.ImageURL)
	}
	if len(joined.Prices) != 1 || joined.Prices[0].Price != "$120" {
		t.Errorf("Prices not joined: %v", joined.Prices)
	}

	unjoined := view.Products[1]
	if unjoined.LogoURL != "" || unjoined.ImageURL != "" || len(unjoined.Prices) != 0 {
		t.Errorf("No-match entry should degrade silently, got %+v", unjoined)
	}
}

func TestBuildViewKeepsSameNamedProductsApart(t *testing.T) {
	prices := &stubPriceFetcher{
		prices: map[string][]models.PriceEntry{
			models.PriceQuery{Vendor: "WIKA", ProductName: "A-10"}.Key(): {
				{Price: "$120", Source: "shop-a.example.com"},
			},
			models.PriceQuery{Vendor: "Ashcroft", ProductName: "A-10"}.Key(): {
				{Price: "$95", Source: "shop-b.example.com"},
			},
		},
	}
	ranking := NewRankingService(&stubCatalogFetcher{}, prices, logger.NewNop())

	result := &models.AnalysisResult{
		RankedProducts: []models.RankedProduct{
			{Rank: 1, Vendor: "WIKA", ProductName: "A-10", RequirementsMatch: true},
			{Rank: 2, Vendor: "Ashcroft", ProductName: "A-10", RequirementsMatch: true},
		},
	}

	view := ranking.BuildView(context.Background(), result)

	if len(view.Products) != 2 {
		t.Fatalf("Expected both entries, got %d", len(view.Products))
	}
	if len(view.Products[0].Prices) != 1 || view.Products[0].Prices[0].Price != "$120" {
		t.Errorf("WIKA A-10 got wrong prices: %v", view.Products[0].Prices)
	}
	if len(view.Products[1].Prices) != 1 || view.Products[1].Prices[0].Price != "$95" {
		t.Errorf("Ashcroft A-10 got wrong prices: %v", view.Products[1].Prices)
	}
}

func TestBuildViewDegradesWhenCatalogFails(t *testing.T) {
	ranking := NewRankingService(&stubCatalogFetcher{}, &stubPriceFetcher{}, logger.NewNop())

	result := &models.AnalysisResult{
		RankedProducts: []models.RankedProduct{
			{Rank: 1, Vendor: "WIKA", ProductName: "A-10", RequirementsMatch: true},
		},
	}

	view := ranking.BuildView(context.Background(), result)

	if len(view.Products) != 1 {
		t.Fatalf("Catalog failure must not drop entries, got %d", len(view.Products))
	}
	if view.Products[0].LogoURL != "" {
		t.Error("Expected no logo when the catalog is unavailable")
	}
}

func TestBuildViewEmptySkipsJoins(t *testing.T) {
	ranking := NewRankingService(&stubCatalogFetcher{}, &stubPriceFetcher{}, logger.NewNop())

	view := ranking.BuildView(context.Background(), &models.AnalysisResult{})

	if !view.Empty {
		t.Error("Empty analysis must mark the view empty")
	}
	if view.Products == nil || view.VendorMatches == nil {
		t.Error("Empty view still renders with non-nil slices")
	}
}
