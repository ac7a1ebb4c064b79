package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// CatalogService fetches the vendor catalog (names, logos, product image
// lists) used for best-effort joins on the ranking view. Responses are
// cached for the configured TTL; concurrent refreshes are collapsed into
// one fetch, and a failed refresh degrades to the last cached copy.
type CatalogService struct {
	baseURL    string
	cacheTTL   time.Duration
	httpClient *http.Client
	logger     *logger.Logger

	mu        sync.Mutex
	refreshMu sync.Mutex
	cached    *models.VendorCatalog
	fetchedAt time.Time
}

func NewCatalogService(cfg config.CatalogConfig, log *logger.Logger) *CatalogService {
	log.Info("Catalog service initialized",
		"base_url", cfg.BaseURL,
		"cache_ttl", cfg.CacheTTL.String())

	return &CatalogService{
		baseURL:  cfg.BaseURL,
		cacheTTL: cfg.CacheTTL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: log,
	}
}

// freshCatalog returns the cached catalog while it is within the TTL.
func (service *CatalogService) freshCatalog() *models.VendorCatalog {
	service.mu.Lock()
	defer service.mu.Unlock()

	if service.cached != nil && time.Since(service.fetchedAt) < service.cacheTTL {
		return service.cached
	}
	return nil
}

// staleCatalog returns whatever copy exists regardless of age.
func (service *CatalogService) staleCatalog() *models.VendorCatalog {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.cached
}

func (service *CatalogService) storeCatalog(catalog *models.VendorCatalog) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.cached = catalog
	service.fetchedAt = time.Now()
}

func (service *CatalogService) FetchVendorCatalog(ctx context.Context) (*models.VendorCatalog, error) {
	if catalog := service.freshCatalog(); catalog != nil {
		return catalog, nil
	}

	// One refresh at a time; late arrivals reuse what the first one fetched.
	service.refreshMu.Lock()
	defer service.refreshMu.Unlock()

	if catalog := service.freshCatalog(); catalog != nil {
		return catalog, nil
	}

	catalog, err := service.fetchCatalog(ctx)
	if err != nil {
		if stale := service.staleCatalog(); stale != nil {
			service.logger.WithError(err).Warn("Catalog refresh failed, serving cached copy")
			return stale, nil
		}
		return nil, err
	}

	service.storeCatalog(catalog)
	return catalog, nil
}

func (service *CatalogService) fetchCatalog(ctx context.Context) (*models.VendorCatalog, error) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.baseURL+"/v1/vendors", nil)
	if err != nil {
		return nil, models.NewInternalError("CATALOG_REQUEST_FAILED", "failed to build catalog request").WithCause(err)
	}

	resp, err := service.httpClient.Do(req)
	if err != nil {
		service.logger.LogService("catalog", "fetch_vendor_catalog", time.Since(startTime), nil, err)
		return nil, models.WrapExternalError("CATALOG", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("catalog returned status %d", resp.StatusCode)
		service.logger.LogService("catalog", "fetch_vendor_catalog", time.Since(startTime), nil, err)
		return nil, models.WrapExternalError("CATALOG", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, models.WrapExternalError("CATALOG", err)
	}

	var catalog models.VendorCatalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, models.NewExternalError("CATALOG_DECODE_FAILED", "failed to decode vendor catalog").WithCause(err)
	}

	service.logger.LogService("catalog", "fetch_vendor_catalog", time.Since(startTime), map[string]interface{}{
		"vendor_count": len(catalog.Vendors),
	}, nil)

	return &catalog, nil
}

func (service *CatalogService) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, service.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog backend unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
