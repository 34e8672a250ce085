//go:build integration

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		client.Close()
		redisContainer.Terminate(ctx)
	})

	return client
}

func TestIntegration_FetchPageCached(t *testing.T) {
	redisClient := setupRedisContainer(t)

	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.Header().Set("Expires", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
		w.Write([]byte(onePage))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Cache = cache.NewPageCache(redisClient, time.Minute)
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	q := mustQuery(t, server.URL+"/search.json")

	for i := 0; i < 3; i++ {
		page, err := client.FetchPage(ctx, q, 1)
		if err != nil {
			t.Fatalf("FetchPage() #%d error = %v", i, err)
		}
		if len(page.Features) != 1 {
			t.Fatalf("FetchPage() #%d features = %d", i, len(page.Features))
		}
	}
	if requestCount.Load() != 1 {
		t.Errorf("Expected 1 catalogue request, got %d", requestCount.Load())
	}

	body, err := cfg.Cache.GetPage(ctx, q.PageURL(1))
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if string(body) != onePage {
		t.Errorf("cached body = %s, want the catalogue response", body)
	}

	if _, err := client.FetchPage(ctx, q, 2); err != nil {
		t.Fatalf("FetchPage(2) error = %v", err)
	}
	if requestCount.Load() != 2 {
		t.Errorf("a different page must not be served from cache; requests = %d", requestCount.Load())
	}
}

func TestIntegration_SchemaErrorsAreNotCached(t *testing.T) {
	redisClient := setupRedisContainer(t)

	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.Write([]byte(`{"ErrorMessage":"maintenance"}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Cache = cache.NewPageCache(redisClient, time.Minute)
	client, _ := New(cfg)

	q := mustQuery(t, server.URL)
	for i := 0; i < 2; i++ {
		if _, err := client.FetchPage(context.Background(), q, 1); err == nil {
			t.Fatal("expected a schema error")
		}
	}
	if requestCount.Load() != 2 {
		t.Errorf("Expected 2 requests, got %d", requestCount.Load())
	}
}
