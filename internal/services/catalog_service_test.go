package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/pkg/logger"
)

func TestFetchVendorCatalogCachesWithinTTL(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, `{"vendors":[{"name":"WIKA","logo_url":"https://cdn.example.com/wika.png"}]}`)
	}))
	defer server.Close()

	service := NewCatalogService(config.CatalogConfig{
		BaseURL:  server.URL,
		Timeout:  5 * time.Second,
		CacheTTL: time.Minute,
	}, logger.NewNop())

	for i := 0; i < 3; i++ {
		catalog, err := service.FetchVendorCatalog(context.Background())
		if err != nil {
			t.Fatalf("FetchVendorCatalog failed on call %d: %v", i+1, err)
		}
		if len(catalog.Vendors) != 1 || catalog.Vendors[0].Name != "WIKA" {
			t.Fatalf("Unexpected catalog on call %d: %+v", i+1, catalog)
		}
	}

	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("Expected one upstream fetch within the TTL, got %d", got)
	}
}

func TestFetchVendorCatalogServesStaleCopyOnFailure(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"vendors":[{"name":"WIKA"}]}`)
	}))
	defer server.Close()

	service := NewCatalogService(config.CatalogConfig{
		BaseURL:  server.URL,
		Timeout:  5 * time.Second,
		CacheTTL: time.Nanosecond, // every call refreshes
	}, logger.NewNop())

	if _, err := service.FetchVendorCatalog(context.Background()); err != nil {
		t.Fatalf("Initial fetch failed: %v", err)
	}

	failing.Store(true)

	catalog, err := service.FetchVendorCatalog(context.Background())
	if err != nil {
		t.Fatalf("Failed refresh must degrade to the cached copy, got error: %v", err)
	}
	if len(catalog.Vendors) != 1 || catalog.Vendors[0].Name != "WIKA" {
		t.Errorf("Expected the stale cached catalog, got %+v", catalog)
	}
}

func TestFetchVendorCatalogFailsWithoutAnyCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	service := NewCatalogService(config.CatalogConfig{
		BaseURL:  server.URL,
		Timeout:  5 * time.Second,
		CacheTTL: time.Minute,
	}, logger.NewNop())

	if _, err := service.FetchVendorCatalog(context.Background()); err == nil {
		t.Fatal("Expected an error when no cached copy exists")
	}
}
