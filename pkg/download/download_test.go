package download

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/hrsi-client/internal/testutil"
	"github.com/Sternrassler/hrsi-client/pkg/auth"
	"github.com/Sternrassler/hrsi-client/pkg/client"
	"github.com/Sternrassler/hrsi-client/pkg/resultlist"
	"github.com/rs/zerolog"
)

var testCred = auth.Credential{Username: "alice", Password: "s3cret"}

var (
	productA = testutil.MockProduct{ID: "a", Title: "FSC_A", Content: []byte("archive-a")}
	productB = testutil.MockProduct{ID: "b", Title: "FSC_B", Content: []byte("archive-b-longer")}
)

type fixture struct {
	mock *testutil.MockCatalogue
	dir  string
	logs *bytes.Buffer
}

func newFixture(t *testing.T, products ...testutil.MockProduct) *fixture {
	t.Helper()
	mock := testutil.NewMockCatalogue(testCred.Username, testCred.Password)
	t.Cleanup(mock.Close)
	mock.SetPages(len(products), products)
	return &fixture{mock: mock, dir: t.TempDir(), logs: &bytes.Buffer{}}
}

func (f *fixture) downloader(t *testing.T, mutate func(*Config), ledger Ledger) *Downloader {
	t.Helper()
	c, err := client.New(client.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.New(f.logs)
	tokens := auth.NewTokenSource(c, f.mock.TokenURL(), "", logger)

	cfg := DefaultConfig(f.dir)
	cfg.Retry.BackoffUnit = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(c, tokens, ledger, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *fixture) ref(p testutil.MockProduct) resultlist.ProductReference {
	return resultlist.ProductReference{URL: f.mock.DownloadURL(p.ID), Title: p.Title}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, nil, Config{}, zerolog.Nop()); err == nil {
		t.Error("missing output directory should be rejected")
	}
	cfg := DefaultConfig(t.TempDir())
	cfg.Retry.MaxRetries = -1
	if _, err := New(nil, nil, nil, cfg, zerolog.Nop()); err == nil {
		t.Error("negative retries should be rejected")
	}
}

func TestDownloadAll_Success(t *testing.T) {
	f := newFixture(t, productA, productB)
	d := f.downloader(t, nil, nil)

	outcomes, err := d.DownloadAll(context.Background(), testCred, []resultlist.ProductReference{f.ref(productA), f.ref(productB)})
	if err != nil {
		t.Fatalf("DownloadAll() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}

	for i, p := range []testutil.MockProduct{productA, productB} {
		want := filepath.Join(f.dir, p.Title+".zip")
		if outcomes[i].Path != want {
			t.Errorf("outcome[%d].Path = %s, want %s", i, outcomes[i].Path, want)
		}
		if got := readFile(t, want); got != string(p.Content) {
			t.Errorf("%s content = %q", want, got)
		}
		if outcomes[i].Attempts != 1 || outcomes[i].Bytes != int64(len(p.Content)) {
			t.Errorf("outcome[%d] = %+v", i, outcomes[i])
		}
	}

	parts, _ := filepath.Glob(filepath.Join(f.dir, "*"+partSuffix))
	if len(parts) != 0 {
		t.Errorf("temporary files left behind: %v", parts)
	}

	_, tokens, heads, _ := f.mock.Counts()
	if tokens != 2 {
		t.Errorf("token requests = %d, want one per product", tokens)
	}
	if heads != 0 {
		t.Errorf("head requests = %d, want 0 when titles are known", heads)
	}
	if !strings.Contains(f.logs.String(), "Downloading complete!") {
		t.Error("completion should be logged")
	}
}

func TestDownload_RetryThenSuccess(t *testing.T) {
	f := newFixture(t, productA)
	f.mock.FailDownloads(productA.ID, 1)
	d := f.downloader(t, nil, nil)

	outcome := d.Download(context.Background(), testCred, f.ref(productA))
	if outcome.Err != nil {
		t.Fatalf("Download() error = %v", outcome.Err)
	}
	if outcome.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", outcome.Attempts)
	}
	if outcome.Elapsed <= 0 {
		t.Error("elapsed time should be recorded")
	}

	_, tokens, _, downloads := f.mock.Counts()
	if tokens != 2 {
		t.Errorf("token requests = %d, want a fresh token per attempt", tokens)
	}
	if downloads != 2 {
		t.Errorf("download requests = %d, want 2", downloads)
	}
	if !strings.Contains(f.logs.String(), `"elapsed"`) {
		t.Errorf("success should log the elapsed time: %s", f.logs.String())
	}
}

func TestDownloadAll_FailFast(t *testing.T) {
	f := newFixture(t, productA, productB)
	f.mock.FailDownloads(productA.ID, 10)
	d := f.downloader(t, func(c *Config) { c.Retry.MaxRetries = 2 }, nil)

	outcomes, err := d.DownloadAll(context.Background(), testCred, []resultlist.ProductReference{f.ref(productA), f.ref(productB)})

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("DownloadAll() error = %v, want *Error", err)
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Errorf("error should wrap ErrRetryExhausted: %v", err)
	}
	if derr.Attempts != 3 || derr.Reference != f.ref(productA) {
		t.Errorf("Error = %+v", derr)
	}
	if len(outcomes) != 1 {
		t.Errorf("len(outcomes) = %d, want processing to stop after the first product", len(outcomes))
	}

	_, _, _, downloads := f.mock.Counts()
	if downloads != 3 {
		t.Errorf("download requests = %d, want 3 (product B never attempted)", downloads)
	}
	if _, err := os.Stat(filepath.Join(f.dir, productB.Title+".zip")); !os.IsNotExist(err) {
		t.Error("product B must not be downloaded")
	}
}

func TestDownload_WithoutTitleUsesHeaderName(t *testing.T) {
	f := newFixture(t, productA)
	d := f.downloader(t, nil, nil)

	outcome := d.Download(context.Background(), testCred, resultlist.ProductReference{URL: f.mock.DownloadURL(productA.ID)})
	if outcome.Err != nil {
		t.Fatalf("Download() error = %v", outcome.Err)
	}
	if outcome.Path != filepath.Join(f.dir, "FSC_A.zip") {
		t.Errorf("Path = %s", outcome.Path)
	}
	_, _, heads, _ := f.mock.Counts()
	if heads != 1 {
		t.Errorf("head requests = %d, want 1", heads)
	}
}

func TestDownload_BadCredentials(t *testing.T) {
	f := newFixture(t, productA)
	d := f.downloader(t, nil, nil)

	outcome := d.Download(context.Background(), auth.Credential{Username: "alice", Password: "nope"}, f.ref(productA))

	var terr *auth.TokenError
	if !errors.As(outcome.Err, &terr) {
		t.Fatalf("Download() error = %v, want *auth.TokenError", outcome.Err)
	}
	_, _, _, downloads := f.mock.Counts()
	if downloads != 0 {
		t.Errorf("download requests = %d, want none without a token", downloads)
	}
}

func TestDownload_TokenNeverLogged(t *testing.T) {
	f := newFixture(t, productA)
	f.mock.FailDownloads(productA.ID, 1)
	d := f.downloader(t, nil, nil)

	if outcome := d.Download(context.Background(), testCred, f.ref(productA)); outcome.Err != nil {
		t.Fatal(outcome.Err)
	}
	logs := f.logs.String()
	if strings.Contains(logs, "token-1") || strings.Contains(logs, "token=") {
		t.Errorf("access token leaked into logs: %s", logs)
	}
	if strings.Contains(logs, testCred.Password) {
		t.Error("password leaked into logs")
	}
}

func TestDownload_CancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, productA)
	f.mock.FailDownloads(productA.ID, 10)
	d := f.downloader(t, func(c *Config) {
		c.Retry.MaxRetries = 5
		c.Retry.BackoffUnit = time.Hour
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	outcome := d.Download(ctx, testCred, f.ref(productA))
	if !errors.Is(outcome.Err, client.ErrContextCancelled) {
		t.Errorf("Download() error = %v, want ErrContextCancelled", outcome.Err)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", outcome.Attempts)
	}
}

func TestDownloadFile(t *testing.T) {
	f := newFixture(t, productA)
	d := f.downloader(t, nil, nil)

	list := resultlist.New()
	list.Add(f.ref(productA))
	path := filepath.Join(t.TempDir(), resultlist.FileName)
	if err := resultlist.WriteFile(path, list); err != nil {
		t.Fatal(err)
	}

	outcomes, err := d.DownloadFile(context.Background(), testCred, path)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

type fakeLedger struct {
	mu        sync.Mutex
	completed map[string]string
	failed    map[string]error
	runIDs    []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{completed: map[string]string{}, failed: map[string]error{}}
}

func (l *fakeLedger) Completed(ctx context.Context, url string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.completed[url]
	return path, ok, nil
}

func (l *fakeLedger) RecordSuccess(ctx context.Context, ref resultlist.ProductReference, path string, attempts int, elapsed time.Duration, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed[ref.URL] = path
	l.runIDs = append(l.runIDs, runID)
	return nil
}

func (l *fakeLedger) RecordFailure(ctx context.Context, ref resultlist.ProductReference, attempts int, cause error, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[ref.URL] = cause
	l.runIDs = append(l.runIDs, runID)
	return nil
}

func TestDownload_RecordsInLedger(t *testing.T) {
	f := newFixture(t, productA, productB)
	f.mock.FailDownloads(productB.ID, 10)
	ledger := newFakeLedger()
	d := f.downloader(t, func(c *Config) { c.RunID = "run-42" }, ledger)

	if outcome := d.Download(context.Background(), testCred, f.ref(productA)); outcome.Err != nil {
		t.Fatal(outcome.Err)
	}
	if outcome := d.Download(context.Background(), testCred, f.ref(productB)); outcome.Err == nil {
		t.Fatal("expected product B to fail")
	}

	if ledger.completed[f.ref(productA).URL] != filepath.Join(f.dir, "FSC_A.zip") {
		t.Errorf("completed = %v", ledger.completed)
	}
	if ledger.failed[f.ref(productB).URL] == nil {
		t.Errorf("failed = %v", ledger.failed)
	}
	for _, id := range ledger.runIDs {
		if id != "run-42" {
			t.Errorf("run id = %q, want run-42", id)
		}
	}
}

func TestDownload_SkipExisting(t *testing.T) {
	f := newFixture(t, productA, productB)
	ledger := newFakeLedger()
	d := f.downloader(t, func(c *Config) { c.SkipExisting = true }, ledger)

	// A: recorded in the ledger and present on disk.
	pathA := filepath.Join(f.dir, "FSC_A.zip")
	if err := os.WriteFile(pathA, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	ledger.completed[f.ref(productA).URL] = pathA

	// B: present on disk under its title-derived name only.
	pathB := filepath.Join(f.dir, "FSC_B.zip")
	if err := os.WriteFile(pathB, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcomes, err := d.DownloadAll(context.Background(), testCred, []resultlist.ProductReference{f.ref(productA), f.ref(productB)})
	if err != nil {
		t.Fatalf("DownloadAll() error = %v", err)
	}
	for i, o := range outcomes {
		if !o.Skipped {
			t.Errorf("outcome[%d] should be skipped", i)
		}
	}
	if _, tokens, _, _ := f.mock.Counts(); tokens != 0 {
		t.Errorf("token requests = %d, want 0", tokens)
	}
	if !strings.Contains(f.logs.String(), "No products were downloaded.") {
		t.Error("an all-skipped run should say nothing was downloaded")
	}
}

func TestDownload_SkipExistingDisabledRedownloads(t *testing.T) {
	f := newFixture(t, productA)
	d := f.downloader(t, nil, nil)

	path := filepath.Join(f.dir, "FSC_A.zip")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome := d.Download(context.Background(), testCred, f.ref(productA))
	if outcome.Err != nil || outcome.Skipped {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got := readFile(t, path); got != string(productA.Content) {
		t.Errorf("content = %q, want it replaced", got)
	}
}
