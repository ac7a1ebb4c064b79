package services

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

type catalogFetcher interface {
	FetchVendorCatalog(ctx context.Context) (*models.VendorCatalog, error)
}

type priceFetcher interface {
	FetchPriceBatch(ctx context.Context, queries []models.PriceQuery) map[string][]models.PriceEntry
}

// RankingService derives the results view from a finished analysis: it
// filters to requirement-matching entries, re-ranks them contiguously and
// joins vendor images and price lookups best-effort. A missing join never
// removes a ranking entry.
type RankingService struct {
	catalog catalogFetcher
	prices  priceFetcher
	logger  *logger.Logger
}

func NewRankingService(catalog catalogFetcher, prices priceFetcher, log *logger.Logger) *RankingService {
	return &RankingService{
		catalog: catalog,
		prices:  prices,
		logger:  log,
	}
}

// FilterAnalysis keeps only entries whose match flag is set and renumbers the
// ranking 1..N in original relative order. The backend's rank values are
// discarded once filtered.
func FilterAnalysis(result *models.AnalysisResult) models.RankingView {
	view := models.RankingView{
		VendorMatches: []models.VendorMatch{},
		Products:      []models.RankedProductView{},
	}

	if result == nil {
		view.Empty = true
		return view
	}

	for _, match := range result.VendorMatches {
		if match.RequirementsMatch {
			view.VendorMatches = append(view.VendorMatches, match)
		}
	}

	for _, product := range result.RankedProducts {
		if !product.RequirementsMatch {
			continue
		}
		entry := product
		entry.Rank = len(view.Products) + 1
		view.Products = append(view.Products, models.RankedProductView{RankedProduct: entry})
	}

	view.Empty = len(view.Products) == 0
	return view
}

// NormalizeName folds case and strips every non-alphanumeric rune so that
// "WIKA A-10" and "wika a10" compare equal.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MatchNames reports whether two names refer to the same vendor or product,
// trying whole match, then prefix, then substring containment, in that
// order. The tie-break order is fixed so joins are deterministic.
func MatchNames(a, b string) bool {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na) {
		return true
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// findVendor returns the catalog entry best matching the vendor name: exact
// normalized match wins over prefix, prefix over substring.
func findVendor(catalog *models.VendorCatalog, vendor string) *models.VendorInfo {
	if catalog == nil {
		return nil
	}

	target := NormalizeName(vendor)
	if target == "" {
		return nil
	}

	var prefixHit, substringHit *models.VendorInfo
	for i := range catalog.Vendors {
		candidate := NormalizeName(catalog.Vendors[i].Name)
		if candidate == "" {
			continue
		}
		switch {
		case candidate == target:
			return &catalog.Vendors[i]
		case prefixHit == nil && (strings.HasPrefix(candidate, target) || strings.HasPrefix(target, candidate)):
			prefixHit = &catalog.Vendors[i]
		case substringHit == nil && (strings.Contains(candidate, target) || strings.Contains(target, candidate)):
			substringHit = &catalog.Vendors[i]
		}
	}

	if prefixHit != nil {
		return prefixHit
	}
	return substringHit
}

func findProductImage(vendor *models.VendorInfo, productName string) string {
	if vendor == nil {
		return ""
	}

	target := NormalizeName(productName)
	var prefixHit, substringHit string
	for name, imageURL := range vendor.ProductImages {
		candidate := NormalizeName(name)
		if candidate == "" {
			continue
		}
		switch {
		case candidate == target:
			return imageURL
		case prefixHit == "" && (strings.HasPrefix(candidate, target) || strings.HasPrefix(target, candidate)):
			prefixHit = imageURL
		case substringHit == "" && (strings.Contains(candidate, target) || strings.Contains(target, candidate)):
			substringHit = imageURL
		}
	}

	if prefixHit != "" {
		return prefixHit
	}
	return substringHit
}

// BuildView produces the final results view: filtering is synchronous and
// pure; the catalog and price joins run as independent concurrent batches
// and degrade to nothing on failure.
func (service *RankingService) BuildView(ctx context.Context, result *models.AnalysisResult) *models.RankingView {
	startTime := time.Now()

	view := FilterAnalysis(result)
	if view.Empty {
		return &view
	}

	// Price joins are keyed by vendor and name together so identically
	// named products from different vendors never share entries.
	queries := make([]models.PriceQuery, 0, len(view.Products))
	for _, product := range view.Products {
		queries = append(queries, models.PriceQuery{Vendor: product.Vendor, ProductName: product.ProductName})
	}

	var catalog *models.VendorCatalog
	var priceResults map[string][]models.PriceEntry

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		fetched, err := service.catalog.FetchVendorCatalog(ctx)
		if err != nil {
			service.logger.WithError(err).Warn("Vendor catalog unavailable, rendering without images")
			return
		}
		catalog = fetched
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		priceResults = service.prices.FetchPriceBatch(ctx, queries)
	}()

	wg.Wait()

	for i := range view.Products {
		product := &view.Products[i]

		if vendor := findVendor(catalog, product.Vendor); vendor != nil {
			product.LogoURL = vendor.LogoURL
			product.ImageURL = findProductImage(vendor, product.ProductName)
		}

		key := models.PriceQuery{Vendor: product.Vendor, ProductName: product.ProductName}.Key()
		if entries, ok := priceResults[key]; ok && len(entries) > 0 {
			product.Prices = entries
		}
	}

	service.logger.LogService("ranking", "build_view", time.Since(startTime), map[string]interface{}{
		"product_count":  len(view.Products),
		"catalog_joined": catalog != nil,
	}, nil)

	return &view
}
