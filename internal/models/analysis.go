package models

import (
	"strings"
	"time"
)

// VendorMatch is one candidate product scored against the collected
// requirements, grouped by vendor in the backend's response.
type VendorMatch struct {
	Vendor            string   `json:"vendor"`
	ProductName       string   `json:"product_name"`
	MatchScore        float64  `json:"match_score"`
	Reasoning         string   `json:"reasoning,omitempty"`
	Limitations       []string `json:"limitations,omitempty"`
	RequirementsMatch bool     `json:"requirements_match"`
}

// RankedProduct is one entry of the flattened overall ranking.
type RankedProduct struct {
	Rank              int      `json:"rank"`
	Vendor            string   `json:"vendor"`
	ProductName       string   `json:"product_name"`
	OverallScore      float64  `json:"overall_score"`
	Strengths         []string `json:"strengths,omitempty"`
	Concerns          []string `json:"concerns,omitempty"`
	RequirementsMatch bool     `json:"requirements_match"`
}

// AnalysisResult is the final ranked output of one analysis pass. It is
// stored unfiltered; view-layer filtering happens in the ranking service.
type AnalysisResult struct {
	Description    string          `json:"description"`
	VendorMatches  []VendorMatch   `json:"vendor_matches"`
	RankedProducts []RankedProduct `json:"ranked_products"`
	CreatedAt      time.Time       `json:"created_at"`
}

// VendorInfo is one vendor's catalog entry: a logo and the product images
// the vendor publishes, keyed by product name.
type VendorInfo struct {
	Name          string            `json:"name"`
	LogoURL       string            `json:"logo_url,omitempty"`
	ProductImages map[string]string `json:"product_images,omitempty"`
}

type VendorCatalog struct {
	Vendors []VendorInfo `json:"vendors"`
}

// PriceQuery identifies one product for a price lookup. Batch results are
// keyed by vendor and name together, so identically named products from
// different vendors never share price data.
type PriceQuery struct {
	Vendor      string `json:"vendor"`
	ProductName string `json:"product_name"`
}

// Key is the batch-result map key for this query.
func (q PriceQuery) Key() string {
	return q.Vendor + "|" + q.ProductName
}

// SearchText is the free-text query submitted to price sources.
func (q PriceQuery) SearchText() string {
	return strings.TrimSpace(q.Vendor + " " + q.ProductName)
}

// PriceEntry is one best-effort price/review lookup hit for a product.
type PriceEntry struct {
	Price  string `json:"price"`
	Source string `json:"source"`
	Link   string `json:"link,omitempty"`
	Rating string `json:"rating,omitempty"`
}

// RankedProductView is a ranking entry joined with best-effort auxiliary
// data. A missing join leaves the zero values; it never removes the entry.
type RankedProductView struct {
	RankedProduct
	ImageURL  string       `json:"image_url,omitempty"`
	LogoURL   string       `json:"logo_url,omitempty"`
	Prices    []PriceEntry `json:"prices,omitempty"`
}

// RankingView is what the results endpoint returns: the filtered, re-ranked
// entries plus the filtered vendor matches.
type RankingView struct {
	VendorMatches []VendorMatch       `json:"vendor_matches"`
	Products      []RankedProductView `json:"products"`
	Empty         bool                `json:"empty"`
}
