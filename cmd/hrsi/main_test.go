package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/hrsi-client/internal/testutil"
	"github.com/Sternrassler/hrsi-client/pkg/query"
	"github.com/Sternrassler/hrsi-client/pkg/resultlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "snow"
	testPass = "s3cret:pass"
)

var (
	productA = testutil.MockProduct{ID: "a", Title: "FSC_20200601T103031_S2A_T32TLR_V100_1", Content: []byte("archive-a")}
	productB = testutil.MockProduct{ID: "b", Title: "FSC_20200604T104021_S2B_T32TLR_V100_1", Content: []byte("archive-bb")}
	productC = testutil.MockProduct{ID: "c", Title: "FSC_20200606T103629_S2A_T32TLR_V100_1", Content: []byte("archive-ccc")}
)

type harness struct {
	mock        *testutil.MockCatalogue
	configPath  string
	credentials string
	dir         string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := testutil.NewMockCatalogue(testUser, testPass)
	t.Cleanup(mock.Close)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "hrsi.yaml")
	content := fmt.Sprintf(`catalogue:
  search_url: %s
  token_url: %s
  timeout: 5s
download:
  backoff_unit: 1ms
`, mock.SearchURL(), mock.TokenURL())
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	credentials := filepath.Join(dir, "credentials.txt")
	require.NoError(t, os.WriteFile(credentials, []byte(testUser+":"+testPass+"\n"), 0o600))

	return &harness{mock: mock, configPath: configPath, credentials: credentials, dir: dir}
}

func (h *harness) run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--config", h.configPath)
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stderr.String()
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"usage", usagef("bad flag"), exitUsage},
		{"wrapped usage", fmt.Errorf("x: %w", usagef("bad flag")), exitUsage},
		{"empty filter", query.ErrEmptyFilter, exitUsage},
		{"validation", &query.ValidationError{Field: "mission", Value: "S3"}, exitUsage},
		{"bad query url", fmt.Errorf("%w: missing host", query.ErrInvalidQueryURL), exitUsage},
		{"other", errors.New("boom"), exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestUsageErrorsAreRaisedBeforeNetwork(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no filter", []string{"query", "out"}},
		{"missing output dir", []string{"query", "--mission", "S2"}},
		{"query url with filter", []string{"query", "out", "--query-url", "https://cryo.land.copernicus.eu/resto/api/collections/HRSI/search.json?productType=FSC", "--mission", "S2"}},
		{"bad date", []string{"query", "out", "--obs-date-min", "2020-06-01"}},
		{"bad cloud coverage", []string{"query", "out", "--cloud-coverage-max", "101"}},
		{"query url with page", []string{"query", "out", "--query-url", "https://cryo.land.copernicus.eu/search.json?page=2"}},
		{"unknown flag", []string{"query", "out", "--collection", "HRSI"}},
		{"query-and-download without credentials", []string{"query-and-download", "out", "--mission", "S2"}},
		{"download without credentials", []string{"download", "out", "--result-file", "r.txt"}},
		{"download without result file", []string{"download", "out", "--credentials", "c.txt"}},
		{"negative retries", []string{"download", "out", "--credentials", "c.txt", "--result-file", "r.txt", "--max-retries", "-1"}},
		{"bad log level", []string{"query", "out", "--mission", "S2", "--log-level", "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			args := make([]string, len(tt.args))
			for i, a := range tt.args {
				if a == "out" {
					a = filepath.Join(h.dir, "out")
				}
				args[i] = a
			}

			code, _ := h.run(t, args...)
			assert.Equal(t, exitUsage, code)

			search, token, head, download := h.mock.Counts()
			assert.Zero(t, search+token+head+download, "no request may be sent")
			assert.NoDirExists(t, filepath.Join(h.dir, "out"))
		})
	}
}

func TestQuery(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(4, []testutil.MockProduct{productA, productB}, []testutil.MockProduct{productB, productC})
	out := filepath.Join(h.dir, "out")

	code, logs := h.run(t, "query", out, "--product-identifier", "T32TLR", "--product-type", "FSC", "--cloud-coverage-max", "0")
	require.Equal(t, exitOK, code, logs)

	assert.Contains(t, logs, "Created output directory")
	assert.Contains(t, logs, "Found 3 products")
	assert.Contains(t, logs, "Listing results in")
	assert.Contains(t, logs, "No products were downloaded.")
	assert.Contains(t, logs, `"message":"End."`)
	assert.Equal(t, []int{1, 2, 3}, h.mock.Pages())

	list, dups, err := resultlist.ReadFile(filepath.Join(out, resultlist.FileName))
	require.NoError(t, err)
	assert.Zero(t, dups)
	require.Equal(t, 3, list.Len())
	assert.Equal(t, h.mock.DownloadURL("a"), list.Items()[0].URL)
	assert.Equal(t, productA.Title, list.Items()[0].Title)

	_, token, _, download := h.mock.Counts()
	assert.Zero(t, token+download, "query mode never downloads")
}

func TestQuery_MaxPages(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(3, []testutil.MockProduct{productA}, []testutil.MockProduct{productB}, []testutil.MockProduct{productC})

	code, logs := h.run(t, "query", filepath.Join(h.dir, "out"), "--mission", "S2", "--max-pages", "2")
	require.Equal(t, exitOK, code, logs)
	assert.Equal(t, []int{1, 2}, h.mock.Pages())
}

func TestQuery_QueryURL(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(1, []testutil.MockProduct{productA})

	code, logs := h.run(t, "query", filepath.Join(h.dir, "out"), "--query-url", h.mock.SearchURL()+"?productType=FSC&geometry=POINT(7.5%2046.5)")
	require.Equal(t, exitOK, code, logs)
	assert.Contains(t, logs, "Found 1 products")
}

func TestQuery_ExistingOutputDirWarns(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(1, []testutil.MockProduct{productA})
	out := filepath.Join(h.dir, "out")
	require.NoError(t, os.Mkdir(out, 0o755))

	code, logs := h.run(t, "query", out, "--mission", "S2")
	require.Equal(t, exitOK, code, logs)
	assert.Contains(t, logs, "Output directory already exists")
}

func TestQuery_SchemaErrorExitsOne(t *testing.T) {
	h := newHarness(t)
	h.mock.SetHandler(testutil.SearchPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ErrorCode":400,"ErrorMessage":"Invalid geometry"}`))
	})
	out := filepath.Join(h.dir, "out")

	code, logs := h.run(t, "query", out, "--geometry", "POINT(7.5 46.5)")
	assert.Equal(t, exitError, code)
	assert.Contains(t, logs, `"response":{"ErrorCode":400,"ErrorMessage":"Invalid geometry"}`)
	assert.Contains(t, logs, `"geometry":"POINT(7.5 46.5)"`)
	assert.Contains(t, logs, "features entry is missing")
	assert.NotContains(t, logs, "End.")
	assertJSONLines(t, logs)
	assert.NoFileExists(t, filepath.Join(out, resultlist.FileName))
}

func TestFailureIsLoggedAsJSON(t *testing.T) {
	h := newHarness(t)

	code, logs := h.run(t, "query", filepath.Join(h.dir, "out"))
	require.Equal(t, exitUsage, code)
	assertJSONLines(t, logs)
	assert.Contains(t, logs, `"message":"Command failed"`)
	assert.Contains(t, logs, `"exit_code":2`)
	assert.Contains(t, logs, "no query parameters were provided")
}

func TestFailureBeforeConfigIsLoggedAsJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"query", "--no-such-flag"}, &stdout, &stderr)

	assert.Equal(t, exitUsage, code)
	assertJSONLines(t, stderr.String())
	assert.Contains(t, stderr.String(), "no-such-flag")
}

func assertJSONLines(t *testing.T, logs string) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(logs), "\n") {
		var entry map[string]any
		assert.NoError(t, json.Unmarshal([]byte(line), &entry), "not a JSON log line: %q", line)
	}
}

func TestQueryAndDownload(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(2, []testutil.MockProduct{productA, productB})
	out := filepath.Join(h.dir, "out")

	code, logs := h.run(t, "query-and-download", out, "--mission", "S2", "--credentials", h.credentials)
	require.Equal(t, exitOK, code, logs)

	for _, p := range []testutil.MockProduct{productA, productB} {
		data, err := os.ReadFile(filepath.Join(out, p.Title+".zip"))
		require.NoError(t, err)
		assert.Equal(t, p.Content, data)
	}
	assert.FileExists(t, filepath.Join(out, resultlist.FileName))
	assert.FileExists(t, filepath.Join(out, "downloads.db"))
	assert.Contains(t, logs, "Downloading complete!")
	assert.NotContains(t, logs, testPass)

	_, token, _, download := h.mock.Counts()
	assert.Equal(t, 2, token)
	assert.Equal(t, 2, download)
}

func TestQueryAndDownload_RetryThenFailFast(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(2, []testutil.MockProduct{productA, productB})
	h.mock.FailDownloads("a", 5)
	out := filepath.Join(h.dir, "out")

	code, logs := h.run(t, "query-and-download", out, "--mission", "S2", "--credentials", h.credentials, "--max-retries", "2")
	assert.Equal(t, exitError, code)
	assert.Contains(t, logs, "retry attempts exhausted")

	_, _, _, download := h.mock.Counts()
	assert.Equal(t, 3, download, "one attempt plus two retries, B never requested")
	assert.NoFileExists(t, filepath.Join(out, productB.Title+".zip"))
}

func TestDownload(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(1, []testutil.MockProduct{productA, productC})
	out := filepath.Join(h.dir, "out")

	resultFile := filepath.Join(h.dir, "external.txt")
	content := h.mock.DownloadURL("a") + ";" + productA.Title + "\n" + h.mock.DownloadURL("c") + "\n"
	require.NoError(t, os.WriteFile(resultFile, []byte(content), 0o644))

	code, logs := h.run(t, "download", out, "--credentials", h.credentials, "--result-file", resultFile)
	require.Equal(t, exitOK, code, logs)

	assert.FileExists(t, filepath.Join(out, productA.Title+".zip"))
	assert.FileExists(t, filepath.Join(out, productC.Title+".zip"), "URL-only lines are named from the response headers")

	search, _, head, _ := h.mock.Counts()
	assert.Zero(t, search)
	assert.Equal(t, 1, head)
}

func TestDownload_SkipExisting(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(1, []testutil.MockProduct{productA})
	out := filepath.Join(h.dir, "out")

	resultFile := filepath.Join(h.dir, "external.txt")
	require.NoError(t, os.WriteFile(resultFile, []byte(h.mock.DownloadURL("a")+";"+productA.Title+"\n"), 0o644))

	code, logs := h.run(t, "download", out, "--credentials", h.credentials, "--result-file", resultFile)
	require.Equal(t, exitOK, code, logs)

	code, logs = h.run(t, "download", out, "--credentials", h.credentials, "--result-file", resultFile, "--skip-existing")
	require.Equal(t, exitOK, code, logs)
	assert.Contains(t, logs, "No products were downloaded.")

	_, token, _, download := h.mock.Counts()
	assert.Equal(t, 1, token)
	assert.Equal(t, 1, download)
}

func TestDownload_BadCredentials(t *testing.T) {
	h := newHarness(t)
	h.mock.SetPages(1, []testutil.MockProduct{productA})

	wrong := filepath.Join(h.dir, "wrong.txt")
	require.NoError(t, os.WriteFile(wrong, []byte("snow:nope\n"), 0o600))
	resultFile := filepath.Join(h.dir, "external.txt")
	require.NoError(t, os.WriteFile(resultFile, []byte(h.mock.DownloadURL("a")+";"+productA.Title+"\n"), 0o644))

	code, logs := h.run(t, "download", filepath.Join(h.dir, "out"), "--credentials", wrong, "--result-file", resultFile, "--max-retries", "0")
	assert.Equal(t, exitError, code)
	assert.True(t, strings.Contains(logs, "invalid_grant"), logs)

	_, _, _, download := h.mock.Counts()
	assert.Zero(t, download)
}

func TestDownload_MissingCredentialFile(t *testing.T) {
	h := newHarness(t)
	resultFile := filepath.Join(h.dir, "external.txt")
	require.NoError(t, os.WriteFile(resultFile, []byte("https://x.example/a;A\n"), 0o644))

	code, _ := h.run(t, "download", filepath.Join(h.dir, "out"), "--credentials", filepath.Join(h.dir, "absent.txt"), "--result-file", resultFile)
	assert.Equal(t, exitError, code)
	assert.NoDirExists(t, filepath.Join(h.dir, "out"))
}
