package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Sternrassler/requests-cacher/internal/testutil"
	"github.com/Sternrassler/requests-cacher/pkg/cache"
	"github.com/rs/zerolog"
)

// setupTestStore opens a SQLite cache in a temp dir.
func setupTestStore(t *testing.T) *cache.SQLiteStore {
	t.Helper()

	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "data", cache.DefaultDatabaseName))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// setupSession builds a cached session against mock.
func setupSession(t *testing.T, mock *testutil.MockServer, store cache.Store) *Session {
	t.Helper()

	logger := zerolog.Nop()
	cfg := DefaultConfig(mock.URL(), store)
	cfg.Logger = &logger

	session, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return session
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError error
	}{
		{
			name:   "valid config",
			config: Config{Domain: "https://api.example.com"},
		},
		{
			name:        "empty domain",
			config:      Config{Domain: ""},
			expectError: ErrDomainRequired,
		},
		{
			name:        "blank domain",
			config:      Config{Domain: "   "},
			expectError: ErrDomainRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := New(tt.config)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("error = %v, want %v", err, tt.expectError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if session.httpClient == nil {
				t.Error("Expected default HTTP client")
			}
			if session.Cached() {
				t.Error("Session without store should not be cached")
			}
		})
	}
}

func TestNew_InvalidDomain(t *testing.T) {
	if _, err := New(Config{Domain: "http://[::1"}); err == nil {
		t.Error("Expected error for unparsable domain")
	}
}

func TestDefaultConfig(t *testing.T) {
	store := setupTestStore(t)
	cfg := DefaultConfig("https://api.example.com", store)

	if cfg.Domain != "https://api.example.com" {
		t.Errorf("Domain = %q, want %q", cfg.Domain, "https://api.example.com")
	}
	if cfg.Store != store {
		t.Error("Store not set correctly")
	}
	if cfg.HTTPClient == nil || cfg.HTTPClient.Timeout == 0 {
		t.Error("Expected HTTP client with timeout")
	}
}

func TestNew_CopiesConfigMaps(t *testing.T) {
	headers := map[string]string{"X-Api-Key": "one"}
	params := Params{"lang": "en"}

	session, err := New(Config{Domain: "https://api.example.com", Headers: headers, Params: params})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	headers["X-Api-Key"] = "two"
	params["lang"] = "de"

	if session.headers["X-Api-Key"] != "one" {
		t.Errorf("session header mutated to %q", session.headers["X-Api-Key"])
	}
	if session.params["lang"] != "en" {
		t.Errorf("session param mutated to %v", session.params["lang"])
	}
}

func TestSession_URI(t *testing.T) {
	session, err := New(Config{Domain: "https://api.example.com"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if got := session.URI("items"); got != "https://api.example.com/items" {
		t.Errorf("URI() = %q, want %q", got, "https://api.example.com/items")
	}
	if got := session.URI("v1/items/42"); got != "https://api.example.com/v1/items/42" {
		t.Errorf("URI() = %q, want %q", got, "https://api.example.com/v1/items/42")
	}
}

func TestSession_Get_CacheHitSkipsNetwork(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{"result":1}`))

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	want := map[string]any{"result": json.Number("1")}

	for i := 0; i < 2; i++ {
		got, err := session.Get(ctx, "items", Params{"q": "a"})
		if err != nil {
			t.Fatalf("Get #%d failed: %v", i+1, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get #%d = %#v, want %#v", i+1, got, want)
		}
	}

	if mock.RequestCount() != 1 {
		t.Errorf("upstream requests = %d, want 1", mock.RequestCount())
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("stored entries = %d, want 1", count)
	}
}

func TestSession_Get_DistinctParamsMiss(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/items", testutil.NewQueryEchoHandler())

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	a, err := session.Get(ctx, "items", Params{"q": "a"})
	if err != nil {
		t.Fatalf("Get a failed: %v", err)
	}
	b, err := session.Get(ctx, "items", Params{"q": "b"})
	if err != nil {
		t.Fatalf("Get b failed: %v", err)
	}

	if reflect.DeepEqual(a, b) {
		t.Errorf("expected distinct bodies, both were %#v", a)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("upstream requests = %d, want 2", mock.RequestCount())
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("stored entries = %d, want 2", count)
	}
}

func TestSession_Get_HTTPErrorNotCached(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/broken", testutil.NewServerErrorResponse())

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := session.Get(ctx, "broken", Params{})

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("Get #%d error = %v, want *HTTPError", i+1, err)
		}
		if httpErr.StatusCode != http.StatusInternalServerError {
			t.Errorf("StatusCode = %d, want 500", httpErr.StatusCode)
		}
		if !strings.Contains(string(httpErr.Body), "Internal server error") {
			t.Errorf("Body = %q, want upstream body", httpErr.Body)
		}
		if httpErr.Class() != ErrorClassServer {
			t.Errorf("Class() = %q, want %q", httpErr.Class(), ErrorClassServer)
		}
	}

	if mock.RequestCount() != 2 {
		t.Errorf("upstream requests = %d, want 2 (failures must not be cached)", mock.RequestCount())
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("stored entries = %d, want 0", count)
	}
}

func TestSession_Get_RoundTripFidelity(t *testing.T) {
	body := `{
		"name": "widget",
		"tags": ["a", "b", "<&>"],
		"price": 12.50,
		"big": 9007199254740993,
		"nested": {"ok": true, "none": null, "list": [1, {"deep": "x"}]}
	}`

	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/widget", testutil.NewJSONResponse(body))

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	fresh, err := session.Get(ctx, "widget", nil)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	cached, err := session.Get(ctx, "widget", nil)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}

	if !reflect.DeepEqual(fresh, cached) {
		t.Errorf("cached value differs:\nfresh:  %#v\ncached: %#v", fresh, cached)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("upstream requests = %d, want 1", mock.RequestCount())
	}

	big := cached.(map[string]any)["big"]
	if big != json.Number("9007199254740993") {
		t.Errorf("big = %v, want exact 9007199254740993", big)
	}
}

func TestSession_Get_StoresCanonicalContent(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse("{ \"b\" : 2,\n \"a\" : \"<x>\" }"))

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	if _, err := session.Get(ctx, "items", Params{"q": "a"}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	content, err := store.Lookup(ctx, cache.NewKey(session.URI("items"), Params{"q": "a"}))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if content != `{"a":"<x>","b":2}` {
		t.Errorf("stored content = %s, want %s", content, `{"a":"<x>","b":2}`)
	}
}

func TestSession_Get_ServesPreexistingEntry(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	key := cache.NewKey(session.URI("items"), Params{"q": "a"})
	if err := store.Insert(ctx, cache.Entry{URI: key.URI, Fingerprint: key.Fingerprint, Content: `[1,2,3]`}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := session.Get(ctx, "items", Params{"q": "a"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := []any{json.Number("1"), json.Number("2"), json.Number("3")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get = %#v, want %#v", got, want)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("upstream requests = %d, want 0", mock.RequestCount())
	}
}

func TestSession_Get_NilAndEmptyParamsShareEntry(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{"result":1}`))

	session := setupSession(t, mock, setupTestStore(t))
	ctx := context.Background()

	if _, err := session.Get(ctx, "items", nil); err != nil {
		t.Fatalf("Get nil failed: %v", err)
	}
	if _, err := session.Get(ctx, "items", Params{}); err != nil {
		t.Fatalf("Get empty failed: %v", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("upstream requests = %d, want 1", mock.RequestCount())
	}
}

func TestSession_Get_DecodeError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html>oops</html>`},
		{name: "empty body", body: ``},
		{name: "trailing data", body: `{"a":1} {"b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockServer()
			defer mock.Close()
			mock.SetResponse("/bad", testutil.NewJSONResponse(tt.body))

			store := setupTestStore(t)
			session := setupSession(t, mock, store)
			ctx := context.Background()

			if _, err := session.Get(ctx, "bad", nil); !errors.Is(err, ErrDecode) {
				t.Errorf("error = %v, want ErrDecode", err)
			}

			count, err := store.Count(ctx)
			if err != nil {
				t.Fatalf("Count failed: %v", err)
			}
			if count != 0 {
				t.Errorf("stored entries = %d, want 0", count)
			}
		})
	}
}

func TestSession_Get_CorruptCachedContent(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	ctx := context.Background()

	key := cache.NewKey(session.URI("items"), nil)
	if err := store.Insert(ctx, cache.Entry{URI: key.URI, Fingerprint: key.Fingerprint, Content: `{broken`}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if _, err := session.Get(ctx, "items", nil); !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("upstream requests = %d, want 0", mock.RequestCount())
	}
}

func TestSession_Get_StoreFailurePropagates(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{}`))

	store := setupTestStore(t)
	session := setupSession(t, mock, store)
	store.Close()

	_, err := session.Get(context.Background(), "items", nil)
	if err == nil {
		t.Fatal("Expected error from closed store")
	}
	if !strings.Contains(err.Error(), "cache lookup") {
		t.Errorf("error = %v, want cache lookup failure", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("upstream requests = %d, want 0", mock.RequestCount())
	}
}

func TestSession_Get_Uncached(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{"result":1}`))

	session := setupSession(t, mock, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := session.Get(ctx, "items", Params{"q": "a"})
		if err != nil {
			t.Fatalf("Get #%d failed: %v", i+1, err)
		}
		if !reflect.DeepEqual(got, map[string]any{"result": json.Number("1")}) {
			t.Errorf("Get #%d = %#v", i+1, got)
		}
	}

	if mock.RequestCount() != 3 {
		t.Errorf("upstream requests = %d, want 3", mock.RequestCount())
	}
	if err := session.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestSession_Get_HeadersAndMergedParams(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{}`))

	logger := zerolog.Nop()
	session, err := New(Config{
		Domain:  mock.URL(),
		Headers: map[string]string{"X-Api-Key": "secret", "Accept": "application/vnd.api+json"},
		Params:  Params{"lang": "en", "limit": 10, "debug": true},
		Logger:  &logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := session.Get(context.Background(), "items", Params{"limit": 50, "debug": nil, "tags": []string{"x", "y"}}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	query := mock.LastQuery()
	if query.Get("lang") != "en" {
		t.Errorf("lang = %q, want default %q", query.Get("lang"), "en")
	}
	if query.Get("limit") != "50" {
		t.Errorf("limit = %q, want override %q", query.Get("limit"), "50")
	}
	if query.Has("debug") {
		t.Errorf("debug should be removed by nil override, got %q", query.Get("debug"))
	}
	if got := query["tags"]; !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("tags = %v, want [x y]", got)
	}

	header := mock.LastHeader()
	if header.Get("X-Api-Key") != "secret" {
		t.Errorf("X-Api-Key = %q, want %q", header.Get("X-Api-Key"), "secret")
	}
	if header.Get("Accept") != "application/vnd.api+json" {
		t.Errorf("Accept = %q, want configured value", header.Get("Accept"))
	}
	if !strings.HasPrefix(header.Get("User-Agent"), "requests-cacher/") {
		t.Errorf("User-Agent = %q, want default", header.Get("User-Agent"))
	}
}

func TestSession_Get_FingerprintIgnoresDefaultParams(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{"result":1}`))

	store := setupTestStore(t)
	logger := zerolog.Nop()
	session, err := New(Config{Domain: mock.URL(), Params: Params{"lang": "en"}, Store: store, Logger: &logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if _, err := session.Get(ctx, "items", Params{"q": "a"}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if _, err := store.Lookup(ctx, cache.NewKey(session.URI("items"), Params{"q": "a"})); err != nil {
		t.Errorf("entry should be keyed by call params only: %v", err)
	}
}

func TestSession_GetInto(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items/1", testutil.NewJSONResponse(`{"id": 1, "name": "widget"}`))

	session := setupSession(t, mock, setupTestStore(t))

	type item struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	for i := 0; i < 2; i++ {
		var got item
		if err := session.GetInto(context.Background(), "items/1", nil, &got); err != nil {
			t.Fatalf("GetInto #%d failed: %v", i+1, err)
		}
		if got != (item{ID: 1, Name: "widget"}) {
			t.Errorf("GetInto #%d = %+v", i+1, got)
		}
	}

	if mock.RequestCount() != 1 {
		t.Errorf("upstream requests = %d, want 1", mock.RequestCount())
	}
}

func TestSession_Get_NetworkError(t *testing.T) {
	mock := testutil.NewMockServer()
	url := mock.URL()
	mock.Close()

	logger := zerolog.Nop()
	session, err := New(Config{Domain: url, Store: setupTestStore(t), Logger: &logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = session.Get(context.Background(), "items", nil)
	if err == nil {
		t.Fatal("Expected network error")
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Errorf("network failure should not be an HTTPError: %v", err)
	}
}

func TestSession_Get_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/items", testutil.NewJSONResponse(`{}`))

	session := setupSession(t, mock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := session.Get(ctx, "items", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSession_Close_ReleasesStore(t *testing.T) {
	store := setupTestStore(t)
	session, err := New(Config{Domain: "https://api.example.com", Store: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := store.Count(context.Background()); err == nil {
		t.Error("store should be closed after Session.Close")
	}
}

func TestNewInWorkingDir(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, cache.DataDirName), 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	work := filepath.Join(root, "project")
	if err := os.Mkdir(work, 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}
	chdir(t, work)

	session, err := NewInWorkingDir(Config{Domain: "https://api.example.com"})
	if err != nil {
		t.Fatalf("NewInWorkingDir failed: %v", err)
	}
	defer session.Close()

	if !session.Cached() {
		t.Error("session should be cached")
	}
	if _, err := os.Stat(filepath.Join(root, cache.DataDirName, cache.DefaultDatabaseName)); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestNewInWorkingDir_NoDataDir(t *testing.T) {
	root := t.TempDir()
	for dir := root; ; dir = filepath.Dir(dir) {
		if info, err := os.Stat(filepath.Join(dir, cache.DataDirName)); err == nil && info.IsDir() {
			t.Skipf("ancestor %s already contains a data directory", dir)
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}
	chdir(t, root)

	mock := testutil.NewMockServer()
	defer mock.Close()

	_, err := NewInWorkingDir(Config{Domain: mock.URL()})
	if !errors.Is(err, cache.ErrNoDataDir) {
		t.Errorf("error = %v, want cache.ErrNoDataDir", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("upstream requests = %d, want 0", mock.RequestCount())
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("working dir should be untouched, found %d entries", len(entries))
	}
}

func TestNewInWorkingDir_EmptyDomain(t *testing.T) {
	if _, err := NewInWorkingDir(Config{}); !errors.Is(err, ErrDomainRequired) {
		t.Errorf("error = %v, want ErrDomainRequired", err)
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
