package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// PriceService performs best-effort price/review lookups for ranked products
// by scraping the configured price-source search page. Every failure degrades
// to an empty list; price data never blocks the ranking output.
type PriceService struct {
	collector   *colly.Collector
	config      config.PriceConfig
	logger      *logger.Logger
	rateLimiter chan struct{}
	mu          sync.Mutex
	userAgents  []string
	uaIndex     int
}

var priceTextRe = regexp.MustCompile(`[$€£]\s?\d[\d,.]*|\d[\d,.]*\s?(?:USD|EUR|GBP)`)

func NewPriceService(cfg config.PriceConfig, log *logger.Logger) *PriceService {
	collector := colly.NewCollector(
		colly.UserAgent("Inspec-Procurement-Assistant/1.0"),
		colly.AllowedDomains(),
		colly.AllowURLRevisit(),
	)

	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.MaxConcurrency,
		Delay:       500 * time.Millisecond,
	})

	collector.SetRequestTimeout(cfg.Timeout)

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	service := &PriceService{
		collector:   collector,
		config:      cfg,
		logger:      log,
		rateLimiter: make(chan struct{}, maxConcurrency),
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
	}

	log.Info("Price service initialized",
		"search_url_configured", cfg.SearchURL != "",
		"max_concurrency", maxConcurrency,
		"timeout", cfg.Timeout.String())

	return service
}

// priceRetryDelay is the pause between scrape attempts for one lookup.
const priceRetryDelay = 500 * time.Millisecond

// FetchPriceEntries looks up price/source/link entries for one search text.
// Failed scrapes are retried up to the configured attempt count; an
// unconfigured search URL or exhausted retries yield an empty list.
func (service *PriceService) FetchPriceEntries(ctx context.Context, searchText string) ([]models.PriceEntry, error) {
	startTime := time.Now()

	if service.config.SearchURL == "" || strings.TrimSpace(searchText) == "" {
		return []models.PriceEntry{}, nil
	}

	select {
	case service.rateLimiter <- struct{}{}:
		defer func() { <-service.rateLimiter }()
	case <-ctx.Done():
		return []models.PriceEntry{}, models.NewTimeoutError("PRICE_TIMEOUT", "price lookup rate limiter timeout").WithCause(ctx.Err())
	}

	targetURL := strings.ReplaceAll(service.config.SearchURL, "{query}", url.QueryEscape(searchText))

	attempts := service.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var entries []models.PriceEntry
	var scrapeErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		entries, scrapeErr = service.scrapeOnce(ctx, targetURL)
		if scrapeErr == nil {
			break
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(priceRetryDelay):
		case <-ctx.Done():
		}
	}

	if scrapeErr != nil {
		service.logger.LogService("price", "fetch_price_entries", time.Since(startTime), map[string]interface{}{
			"query":    searchText,
			"attempts": attempts,
		}, scrapeErr)
		return []models.PriceEntry{}, nil
	}

	if service.config.MaxPerProduct > 0 && len(entries) > service.config.MaxPerProduct {
		entries = entries[:service.config.MaxPerProduct]
	}

	service.logger.LogService("price", "fetch_price_entries", time.Since(startTime), map[string]interface{}{
		"query":       searchText,
		"entry_count": len(entries),
	}, nil)

	return entries, nil
}

func (service *PriceService) scrapeOnce(ctx context.Context, targetURL string) ([]models.PriceEntry, error) {
	c := service.collector.Clone()

	var entries []models.PriceEntry
	var scrapeErr error

	c.OnRequest(func(r *colly.Request) {
		service.mu.Lock()
		userAgent := service.userAgents[service.uaIndex]
		service.uaIndex = (service.uaIndex + 1) % len(service.userAgents)
		service.mu.Unlock()

		r.Headers.Set("User-Agent", userAgent)
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		entries = service.extractPriceEntries(e.DOM, e.Request.URL)
	})

	c.OnError(func(r *colly.Response, err error) {
		scrapeErr = err
	})

	done := make(chan struct{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				scrapeErr = fmt.Errorf("price scraper panic: %v", r)
			}
			select {
			case done <- struct{}{}:
			default:
			}
		}()

		if err := c.Visit(targetURL); err != nil {
			scrapeErr = err
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if scrapeErr != nil {
		return nil, scrapeErr
	}
	return entries, nil
}

// FetchPriceBatch runs independent lookups for each query. Results are keyed
// by vendor and product name together, and each goroutine writes only its
// own slot, so partial completion never corrupts other entries.
func (service *PriceService) FetchPriceBatch(ctx context.Context, queries []models.PriceQuery) map[string][]models.PriceEntry {
	results := make(map[string][]models.PriceEntry, len(queries))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, query := range queries {
		wg.Add(1)
		go func(q models.PriceQuery) {
			defer wg.Done()

			entries, err := service.FetchPriceEntries(ctx, q.SearchText())
			if err != nil {
				entries = []models.PriceEntry{}
			}

			mu.Lock()
			results[q.Key()] = entries
			mu.Unlock()
		}(query)
	}

	wg.Wait()
	return results
}

func (service *PriceService) extractPriceEntries(doc *goquery.Selection, pageURL *url.URL) []models.PriceEntry {
	var entries []models.PriceEntry

	doc.Find("[data-price-entry], .price-result, .offer").Each(func(_ int, sel *goquery.Selection) {
		entry := models.PriceEntry{
			Price:  strings.TrimSpace(sel.Find(".price, [data-price]").First().Text()),
			Source: strings.TrimSpace(sel.Find(".source, .merchant").First().Text()),
			Rating: strings.TrimSpace(sel.Find(".rating, .review-score").First().Text()),
		}

		if href, exists := sel.Find("a[href]").First().Attr("href"); exists {
			entry.Link = resolveLink(pageURL, href)
		}

		if entry.Price == "" {
			entry.Price = priceTextRe.FindString(sel.Text())
		}
		if entry.Source == "" && pageURL != nil {
			entry.Source = pageURL.Host
		}

		if entry.Price != "" {
			entries = append(entries, entry)
		}
	})

	return entries
}

func resolveLink(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(parsed).String()
}

func (service *PriceService) HealthCheck(ctx context.Context) error {
	// disabled lookups are healthy by definition
	return nil
}
