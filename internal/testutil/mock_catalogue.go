// Package testutil provides a mock HR-S&I catalogue for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Paths served by MockCatalogue.
const (
	SearchPath   = "/resto/api/collections/HRSI/search.json"
	TokenPath    = "/auth/realms/cryo/protocol/openid-connect/token"
	DownloadPath = "/download/"
)

// MockProduct is one product known to the mock catalogue.
type MockProduct struct {
	ID      string
	Title   string
	Type    string
	Content []byte
}

// MockCatalogue is a configurable catalogue, token and download server.
type MockCatalogue struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	pages        [][]MockProduct
	totalResults int
	username     string
	password     string
	tokens       map[string]bool
	failures     map[string]int

	// Tracking
	SearchRequests   int
	TokenRequests    int
	HeadRequests     int
	DownloadRequests int
	RequestedPages   []int
}

// NewMockCatalogue creates a mock catalogue accepting the given account.
func NewMockCatalogue(username, password string) *MockCatalogue {
	mock := &MockCatalogue{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		username: username,
		password: password,
		tokens:   make(map[string]bool),
		failures: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		switch {
		case r.URL.Path == SearchPath:
			mock.handleSearch(w, r)
		case r.URL.Path == TokenPath:
			mock.handleToken(w, r)
		case strings.HasPrefix(r.URL.Path, DownloadPath):
			mock.handleDownload(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCatalogue) URL() string {
	return m.server.URL
}

// SearchURL returns the search endpoint.
func (m *MockCatalogue) SearchURL() string {
	return m.server.URL + SearchPath
}

// TokenURL returns the token endpoint.
func (m *MockCatalogue) TokenURL() string {
	return m.server.URL + TokenPath
}

// DownloadURL returns the download URL of product id.
func (m *MockCatalogue) DownloadURL(id string) string {
	return m.server.URL + DownloadPath + id
}

// Close shuts down the mock server.
func (m *MockCatalogue) Close() {
	m.server.Close()
}

// SetHandler overrides the handler for a specific path.
func (m *MockCatalogue) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetPages sets the search result pages. Page numbers past the last one
// return no features. totalResults is advertised on every page.
func (m *MockCatalogue) SetPages(totalResults int, pages ...[]MockProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
	m.totalResults = totalResults
}

// FailDownloads makes the next n transfers of product id answer 500.
func (m *MockCatalogue) FailDownloads(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = n
}

// Counts returns the search, token, head and download request counts.
func (m *MockCatalogue) Counts() (search, token, head, download int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SearchRequests, m.TokenRequests, m.HeadRequests, m.DownloadRequests
}

// Pages returns the page numbers requested so far.
func (m *MockCatalogue) Pages() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.RequestedPages...)
}

func (m *MockCatalogue) handleSearch(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ErrorCode":400,"ErrorMessage":"invalid page"}`))
		return
	}

	m.mu.Lock()
	m.SearchRequests++
	m.RequestedPages = append(m.RequestedPages, page)
	var products []MockProduct
	if page <= len(m.pages) {
		products = m.pages[page-1]
	}
	total := m.totalResults
	m.mu.Unlock()

	features := make([]json.RawMessage, 0, len(products))
	for _, p := range products {
		features = append(features, json.RawMessage(FeatureJSON(p, m.DownloadURL(p.ID))))
	}
	body, _ := json.Marshal(map[string]any{
		"type":       "FeatureCollection",
		"properties": map[string]any{"totalResults": total, "itemsPerPage": 1000},
		"features":   features,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (m *MockCatalogue) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost || r.ParseForm() != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request"}`))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenRequests++

	if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("client_id") != "PUBLIC" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unauthorized_client"}`))
		return
	}
	if r.PostForm.Get("username") != m.username || r.PostForm.Get("password") != m.password {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid user credentials"}`))
		return
	}

	token := fmt.Sprintf("token-%d", m.TokenRequests)
	m.tokens[token] = true
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"access_token":%q,"expires_in":300,"token_type":"Bearer"}`, token)
}

func (m *MockCatalogue) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, DownloadPath)

	m.mu.Lock()
	if r.Method == http.MethodHead {
		m.HeadRequests++
	} else {
		m.DownloadRequests++
	}
	authorized := m.tokens[r.URL.Query().Get("token")]
	product, found := m.product(id)
	fail := false
	if r.Method == http.MethodGet && m.failures[id] > 0 {
		m.failures[id]--
		fail = true
	}
	m.mu.Unlock()

	switch {
	case !authorized:
		w.WriteHeader(http.StatusUnauthorized)
		return
	case !found:
		http.NotFound(w, r)
		return
	case fail:
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, product.Title))
	w.Header().Set("Content-Length", strconv.Itoa(len(product.Content)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(product.Content)
	}
}

// product looks up id across all pages. Callers hold m.mu.
func (m *MockCatalogue) product(id string) (MockProduct, bool) {
	for _, page := range m.pages {
		for _, p := range page {
			if p.ID == id {
				return p, true
			}
		}
	}
	return MockProduct{}, false
}

// FeatureJSON renders p as a catalogue feature downloadable at url.
func FeatureJSON(p MockProduct, url string) string {
	productType := p.Type
	if productType == "" {
		productType = "FSC"
	}
	feature := map[string]any{
		"type": "Feature",
		"id":   p.ID,
		"properties": map[string]any{
			"productIdentifier": "/HRSI/CLMS/Pan-European/" + p.Title,
			"title":             p.Title,
			"startDate":         time.Date(2020, 6, 1, 10, 30, 31, 0, time.UTC).Format(time.RFC3339),
			"productType":       productType,
			"mission":           "S2",
			"published":         time.Date(2020, 6, 2, 4, 11, 45, 0, time.UTC).Format(time.RFC3339),
			"services": map[string]any{
				"download": map[string]any{"url": url, "size": len(p.Content)},
			},
		},
	}
	data, _ := json.Marshal(feature)
	return string(data)
}
