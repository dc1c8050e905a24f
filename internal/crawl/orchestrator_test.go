package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pcbsearch/partcrawl/internal/source/github"
	"github.com/pcbsearch/partcrawl/internal/stop"
	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/pcbsearch/partcrawl/pkg/checkpoint"
	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var testURLs = github.NewURLs("https://api.test", 2)

type fakePage struct {
	body string
	link string
}

// fakeSearch serves canned search pages. Unknown URLs return an empty result.
type fakeSearch struct {
	pages    map[string]fakePage
	requests []string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{pages: make(map[string]fakePage)}
}

func (f *fakeSearch) Get(_ context.Context, url string) (*client.Response, error) {
	f.requests = append(f.requests, url)
	page, ok := f.pages[url]
	if !ok {
		page = fakePage{body: `{"total_count":0,"items":[]}`}
	}
	header := http.Header{}
	if page.link != "" {
		header.Set("Link", fmt.Sprintf(`<%s>; rel="next"`, page.link))
	}
	return &client.Response{URL: url, StatusCode: http.StatusOK, Header: header, Body: []byte(page.body)}, nil
}

func searchURL(p Period) string {
	return testURLs.SearchRepositories(github.SearchQuery(p.Start(), p.End()))
}

func repoJSON(name string) string {
	return fmt.Sprintf(`{"html_url":"https://github.com/octo/%[1]s","name":%[1]q,"full_name":"octo/%[1]s",`+
		`"description":"board %[1]s","stargazers_count":2,"forks_count":1,"created_at":"2020-01-05T00:00:00Z"}`, name)
}

func searchBody(total int, repos ...string) string {
	return fmt.Sprintf(`{"total_count":%d,"items":[%s]}`, total, strings.Join(repos, ","))
}

// fakeLookups returns one design file per repository unless configured.
type fakeLookups struct {
	files  map[string][]string
	errs   map[string]error
	onRepo func(fullName string)
}

func newFakeLookups() *fakeLookups {
	return &fakeLookups{files: make(map[string][]string), errs: make(map[string]error)}
}

func (f *fakeLookups) DesignFiles(_ context.Context, fullName string) ([]string, error) {
	if f.onRepo != nil {
		f.onRepo(fullName)
	}
	if err := f.errs[fullName]; err != nil {
		return nil, err
	}
	if files, ok := f.files[fullName]; ok {
		return files, nil
	}
	return []string{"https://raw.githubusercontent.com/" + fullName + "/main/board.kicad_pcb"}, nil
}

func (f *fakeLookups) License(context.Context, string) (github.Content, error) {
	return github.Content{Text: "MIT", URL: "https://example.test/LICENSE"}, nil
}

func (f *fakeLookups) Readme(context.Context, string) (github.Content, error) {
	return github.Content{Text: github.ReadmePlaceholder}, errors.New("readme lookup failed")
}

// memStore records inserted repos and items, rejecting duplicate URLs.
type memStore struct {
	repos   []*store.Repo
	items   []*store.Item
	byURL   map[string]bool
	failURL string
}

func newMemStore() *memStore {
	return &memStore{byURL: make(map[string]bool)}
}

func (m *memStore) InsertRepo(_ context.Context, repo *store.Repo) error {
	if repo.URL == m.failURL {
		return errors.New("disk full")
	}
	if m.byURL[repo.URL] {
		return store.ErrDuplicate
	}
	m.byURL[repo.URL] = true
	repo.ID = fmt.Sprintf("repo-%d", len(m.repos)+1)
	m.repos = append(m.repos, repo)
	return nil
}

func (m *memStore) InsertItem(_ context.Context, item *store.Item) error {
	m.items = append(m.items, item)
	return nil
}

type testEnv struct {
	search  *fakeSearch
	lookups *fakeLookups
	store   *memStore
	cps     *checkpoint.Store[checkpoint.CrawlCheckpoint]
	token   *stop.Token
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		search:  newFakeSearch(),
		lookups: newFakeLookups(),
		store:   newMemStore(),
		cps:     checkpoint.NewCrawlStore(checkpoint.NewFileBackend(t.TempDir())),
		token:   stop.NewToken(),
		now:     time.Date(2020, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) orchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Search:      e.search,
		Lookups:     e.lookups,
		Store:       e.store,
		Checkpoints: e.cps,
		URLs:        testURLs,
		Decoder:     github.NewSearchDecoder(0),
		Epoch:       Period{Year: 2020, Month: time.January},
		Stop:        e.token,
		Now:         func() time.Time { return e.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func (e *testEnv) checkpoint(t *testing.T) *checkpoint.CrawlCheckpoint {
	t.Helper()
	cp, err := e.cps.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cp
}

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "missing search", mutate: func(c *Config) { c.Search = nil }, errorMsg: "search getter is required"},
		{name: "missing lookups", mutate: func(c *Config) { c.Lookups = nil }, errorMsg: "lookups are required"},
		{name: "missing store", mutate: func(c *Config) { c.Store = nil }, errorMsg: "record store is required"},
		{name: "missing checkpoints", mutate: func(c *Config) { c.Checkpoints = nil }, errorMsg: "checkpoint store is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Search: env.search, Lookups: env.lookups, Store: env.store, Checkpoints: env.cps}
			tt.mutate(&cfg)
			_, err := New(cfg)
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("New() error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestRun_ColdStartFromEpoch(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	feb := Period{2020, time.February}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(2, repoJSON("alpha"), repoJSON("beta"))}
	env.search.pages[searchURL(feb)] = fakePage{body: searchBody(1, repoJSON("gamma"))}

	sum, err := env.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(env.search.requests) != 3 {
		t.Errorf("search requests = %d, want 3 (Jan, Feb, Mar)", len(env.search.requests))
	}
	if env.search.requests[0] != searchURL(jan) {
		t.Errorf("first request = %s, want %s", env.search.requests[0], searchURL(jan))
	}

	cp := env.checkpoint(t)
	if cp == nil || cp.CompletedThrough != "2020-02" {
		t.Fatalf("checkpoint = %+v, want completed through 2020-02", cp)
	}
	if cp.RecordsSeen != 3 || cp.ItemsFound != 3 {
		t.Errorf("checkpoint counters = %d/%d, want 3/3", cp.RecordsSeen, cp.ItemsFound)
	}

	want := Summary{Windows: 3, ReposSeen: 3, ReposStored: 3, DesignFiles: 3, CompletedThrough: "2020-02"}
	if sum != want {
		t.Errorf("Run() summary = %+v, want %+v", sum, want)
	}

	repo := env.store.repos[0]
	if repo.URL != "https://github.com/octo/alpha" || repo.License != "MIT" || repo.Readme != github.ReadmePlaceholder {
		t.Errorf("stored repo = %+v", repo)
	}
	if repo.Description != "board alpha" || repo.Stars != 2 || len(repo.DesignFiles) != 1 {
		t.Errorf("stored repo metadata = %+v", repo)
	}
}

func TestRun_ResumesAfterCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.now = time.Date(2020, 5, 2, 0, 0, 0, 0, time.UTC)

	if err := env.cps.Save(context.Background(), &checkpoint.CrawlCheckpoint{CompletedThrough: "2020-03", RecordsSeen: 7}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := env.orchestrator(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(env.search.requests) == 0 || env.search.requests[0] != searchURL(Period{2020, time.April}) {
		t.Fatalf("first request = %v, want April 2020 search", env.search.requests)
	}
	if !strings.Contains(env.search.requests[0], "2020-04-01..2020-04-30") {
		t.Errorf("first request %s does not cover April", env.search.requests[0])
	}
	if cp := env.checkpoint(t); cp.CompletedThrough != "2020-04" || cp.RecordsSeen != 7 {
		t.Errorf("checkpoint = %+v, want 2020-04 with 7 records", cp)
	}
}

func TestRun_EpochLaterThanCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cps.Save(context.Background(), &checkpoint.CrawlCheckpoint{CompletedThrough: "2018-06"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := env.orchestrator(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if env.search.requests[0] != searchURL(Period{2020, time.January}) {
		t.Errorf("first request = %s, want epoch month", env.search.requests[0])
	}
}

func TestRun_PaginationAnomalyKeepsCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	feb := Period{2020, time.February}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(1, repoJSON("alpha"))}
	// February links back to itself.
	env.search.pages[searchURL(feb)] = fakePage{body: searchBody(3, repoJSON("beta")), link: searchURL(feb)}

	_, err := env.orchestrator(t, nil).Run(context.Background())
	ae, ok := pagination.IsAnomaly(err)
	if !ok {
		t.Fatalf("Run() error = %v, want pagination anomaly", err)
	}
	if ae.Kind != pagination.AnomalyLoop {
		t.Errorf("anomaly kind = %s, want %s", ae.Kind, pagination.AnomalyLoop)
	}

	if cp := env.checkpoint(t); cp.CompletedThrough != "2020-01" {
		t.Errorf("checkpoint = %+v, want 2020-01", cp)
	}
	if len(env.store.repos) != 1 {
		t.Errorf("stored repos = %d, want 1 (February discarded)", len(env.store.repos))
	}
}

func TestRun_OffsetRegressionAborts(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	second := "https://api.test/search/repositories?page=2&per_page=2&q=x"
	regressed := "https://api.test/search/repositories?page=1&per_page=2&q=y"
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(5, repoJSON("a"), repoJSON("b")), link: second}
	env.search.pages[second] = fakePage{body: searchBody(5, repoJSON("c"), repoJSON("d")), link: regressed}
	env.search.pages[regressed] = fakePage{body: searchBody(5, repoJSON("e"))}

	_, err := env.orchestrator(t, nil).Run(context.Background())
	ae, ok := pagination.IsAnomaly(err)
	if !ok || ae.Kind != pagination.AnomalyOffsetRegression {
		t.Fatalf("Run() error = %v, want offset regression", err)
	}
	if cp := env.checkpoint(t); cp != nil {
		t.Errorf("checkpoint = %+v, want none", cp)
	}
	if len(env.store.repos) != 0 {
		t.Errorf("stored repos = %d, want 0", len(env.store.repos))
	}
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	mar := Period{2020, time.March}
	env.search.pages[searchURL(mar)] = fakePage{body: searchBody(1, repoJSON("alpha"))}

	first, err := env.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := env.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if first.ReposStored != 1 || second.ReposStored != 0 || second.Duplicates != 1 {
		t.Errorf("summaries = %+v / %+v", first, second)
	}
	if len(env.store.repos) != 1 {
		t.Errorf("stored repos = %d, want 1", len(env.store.repos))
	}
	// The open month is replayed; completed months are not.
	if second.Windows != 1 {
		t.Errorf("second run windows = %d, want 1", second.Windows)
	}
	if cp := env.checkpoint(t); cp.CompletedThrough != "2020-02" {
		t.Errorf("checkpoint = %+v, want 2020-02", cp)
	}
}

func TestRun_GracefulStopDiscardsPartialWindow(t *testing.T) {
	env := newTestEnv(t)
	feb := Period{2020, time.February}
	env.search.pages[searchURL(Period{2020, time.January})] = fakePage{body: searchBody(1, repoJSON("alpha"))}
	env.search.pages[searchURL(feb)] = fakePage{body: searchBody(2, repoJSON("beta"), repoJSON("gamma"))}
	env.lookups.onRepo = func(fullName string) {
		if fullName == "octo/beta" {
			env.token.Request()
		}
	}

	_, err := env.orchestrator(t, nil).Run(context.Background())
	if !errors.Is(err, stop.ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	if cp := env.checkpoint(t); cp.CompletedThrough != "2020-01" {
		t.Errorf("checkpoint = %+v, want 2020-01", cp)
	}
	for _, r := range env.store.repos {
		if r.FullName != "octo/alpha" {
			t.Errorf("partial window record stored: %s", r.URL)
		}
	}
}

func TestRun_StopOnLastItemKeepsWindow(t *testing.T) {
	env := newTestEnv(t)
	feb := Period{2020, time.February}
	env.search.pages[searchURL(Period{2020, time.January})] = fakePage{body: searchBody(1, repoJSON("alpha"))}
	env.search.pages[searchURL(feb)] = fakePage{body: searchBody(2, repoJSON("beta"), repoJSON("gamma"))}
	env.lookups.onRepo = func(fullName string) {
		if fullName == "octo/gamma" {
			env.token.Request()
		}
	}

	_, err := env.orchestrator(t, nil).Run(context.Background())
	if !errors.Is(err, stop.ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	if cp := env.checkpoint(t); cp.CompletedThrough != "2020-02" {
		t.Errorf("checkpoint = %+v, want 2020-02", cp)
	}
	if len(env.store.repos) != 3 {
		t.Errorf("stored repos = %d, want 3", len(env.store.repos))
	}
	if len(env.search.requests) != 2 {
		t.Errorf("search requests = %d, want 2 (March not started)", len(env.search.requests))
	}
}

func TestRun_StopOnLastItemOfEarlierPageDiscardsWindow(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	second := "https://api.test/search/repositories?page=2&per_page=2&q=x"
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(3, repoJSON("a"), repoJSON("b")), link: second}
	env.search.pages[second] = fakePage{body: searchBody(3, repoJSON("c"))}
	env.lookups.onRepo = func(fullName string) {
		if fullName == "octo/b" {
			env.token.Request()
		}
	}

	_, err := env.orchestrator(t, nil).Run(context.Background())
	if !errors.Is(err, stop.ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if cp := env.checkpoint(t); cp != nil {
		t.Errorf("checkpoint = %+v, want none", cp)
	}
	if len(env.store.repos) != 0 {
		t.Errorf("stored repos = %d, want 0", len(env.store.repos))
	}
	if len(env.search.requests) != 1 {
		t.Errorf("search requests = %d, want 1", len(env.search.requests))
	}
}

func TestRun_StopBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	env.token.Request()

	_, err := env.orchestrator(t, nil).Run(context.Background())
	if !errors.Is(err, stop.ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if len(env.search.requests) != 0 {
		t.Errorf("search requests = %d, want 0", len(env.search.requests))
	}
}

func TestRun_SkipsBadItems(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(4,
		`{"name":"no-url"}`,
		repoJSON("gone"),
		repoJSON("empty"),
		repoJSON("ok"),
	)}
	env.lookups.errs["octo/gone"] = &client.FetchError{URL: "x", StatusCode: http.StatusNotFound, Class: client.ErrorClassClient}
	env.lookups.files["octo/empty"] = nil

	sum, err := env.orchestrator(t, func(c *Config) { c.Epoch = jan }).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(env.store.repos) != 1 || env.store.repos[0].FullName != "octo/ok" {
		t.Errorf("stored repos = %+v, want only octo/ok", env.store.repos)
	}
	if cp := env.checkpoint(t); cp.RecordsSeen != 4 || cp.ItemsFound != 1 {
		t.Errorf("checkpoint = %+v, want 4 seen / 1 file", cp)
	}
	if sum.ReposSeen != 4 || sum.Skipped != 2 {
		t.Errorf("ReposSeen/Skipped = %d/%d, want 4/2", sum.ReposSeen, sum.Skipped)
	}
}

func TestRun_LookupAnomalyIsFatal(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(1, repoJSON("alpha"))}
	env.lookups.errs["octo/alpha"] = &pagination.AnomalyError{Kind: pagination.AnomalyLoop, URL: "a", NextURL: "a"}

	_, err := env.orchestrator(t, nil).Run(context.Background())
	if _, ok := pagination.IsAnomaly(err); !ok {
		t.Fatalf("Run() error = %v, want anomaly", err)
	}
	if cp := env.checkpoint(t); cp != nil {
		t.Errorf("checkpoint = %+v, want none", cp)
	}
}

func TestRun_PersistFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(1, repoJSON("alpha"))}
	env.store.failURL = "https://github.com/octo/alpha"

	_, err := env.orchestrator(t, nil).Run(context.Background())
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("Run() error = %v, want ErrPersist", err)
	}
	if cp := env.checkpoint(t); cp != nil {
		t.Errorf("checkpoint = %+v, want none", cp)
	}
}

func TestRun_CoverageLossWarning(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(1000, repoJSON("alpha"))}

	before := promtestutil.ToFloat64(coverageLossTotal)
	if _, err := env.orchestrator(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := promtestutil.ToFloat64(coverageLossTotal) - before; got != 1 {
		t.Errorf("coverage loss warnings = %v, want 1", got)
	}
	if len(env.store.repos) != 1 {
		t.Errorf("stored repos = %d, want 1 (crawl continues past the warning)", len(env.store.repos))
	}
}

type fakeParser struct{}

func (fakeParser) Parse(_ context.Context, fileURL string) ([]store.Item, error) {
	if strings.Contains(fileURL, "broken") {
		return nil, errors.New("unexpected token")
	}
	return []store.Item{
		{Reference: "U1", Value: "STM32F103C8T6"},
		{Reference: "R1", Value: "10K"},
	}, nil
}

func TestRun_StoresParsedItems(t *testing.T) {
	env := newTestEnv(t)
	jan := Period{2020, time.January}
	env.search.pages[searchURL(jan)] = fakePage{body: searchBody(1, repoJSON("alpha"))}
	env.lookups.files["octo/alpha"] = []string{"https://raw.test/a.kicad_pcb", "https://raw.test/broken.kicad_pcb"}

	sum, err := env.orchestrator(t, func(c *Config) { c.Parser = fakeParser{} }).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Items != 2 || len(env.store.items) != 2 {
		t.Fatalf("items = %d/%d, want 2", sum.Items, len(env.store.items))
	}
	for _, it := range env.store.items {
		if it.RepoID != env.store.repos[0].ID {
			t.Errorf("item %s has repo %q, want %q", it.Reference, it.RepoID, env.store.repos[0].ID)
		}
	}
}

type hookRecorder struct {
	fn func(e *zerolog.Event)
}

func (h *hookRecorder) SetStatusHook(fn func(e *zerolog.Event)) { h.fn = fn }

func TestNew_RegistersStatusHook(t *testing.T) {
	env := newTestEnv(t)
	rec := &hookRecorder{}
	env.orchestrator(t, func(c *Config) { c.Governor = rec })

	if rec.fn == nil {
		t.Fatal("status hook not registered")
	}

	var buf strings.Builder
	logger := zerolog.New(&buf)
	event := logger.Info()
	rec.fn(event)
	event.Msg("status")
	if !strings.Contains(buf.String(), `"repos_seen":0`) || !strings.Contains(buf.String(), `"window"`) {
		t.Errorf("status hook output = %s", buf.String())
	}
}
