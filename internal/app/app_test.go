package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/publisher"
	"github.com/ibeckermayer/threadmirror/internal/store"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

type fakeSource struct {
	threads []types.Thread
	err     error
	before  func()
}

func (s *fakeSource) Observe(ctx context.Context) ([]types.Thread, error) {
	if s.before != nil {
		s.before()
	}
	return s.threads, s.err
}

type publishCall struct {
	Root string
	From int
}

// fakePublisher delivers up to limit[rootURL] pending posts per thread
type fakePublisher struct {
	mu     sync.Mutex
	begun  int
	calls  []publishCall
	limit  map[string]int
	failOn string
}

func (p *fakePublisher) Begin(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun++
	return nil
}

func (p *fakePublisher) Destinations() []string { return []string{"fake"} }

func (p *fakePublisher) PublishThread(ctx context.Context, thread types.Thread, from int) publisher.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	root := thread[0].URL
	p.calls = append(p.calls, publishCall{root, from})

	n := len(thread) - from
	out := publisher.Outcome{Counts: map[string]int{}, Errors: map[string]error{}}
	if l, ok := p.limit[root]; ok && l < n {
		n = l
		out.Errors["fake"] = publisher.ErrPost
	}
	out.Delivered = n
	out.Counts["fake"] = n
	return out
}

func post(url string) types.Post {
	return types.Post{URL: url, Text: "text of " + url}
}

func thread(urls ...string) types.Thread {
	t := make(types.Thread, len(urls))
	for i, u := range urls {
		t[i] = post(u)
	}
	return t
}

func storedURLs(t *testing.T, s *store.ThreadStore) [][]string {
	t.Helper()
	threads, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out := [][]string{}
	for _, th := range threads {
		var urls []string
		for _, p := range th {
			urls = append(urls, p.URL)
		}
		out = append(out, urls)
	}
	return out
}

type fixture struct {
	app   *App
	src   *fakeSource
	pub   *fakePublisher
	store *store.ThreadStore
	snaps *store.Snapshots
	dir   string
}

func newFixture(t *testing.T, opts Options, seedStore []types.Thread) *fixture {
	t.Helper()
	dir := t.TempDir()
	ts := store.NewThreadStore(filepath.Join(dir, "threads.json"))
	if seedStore != nil {
		if err := ts.Save(seedStore); err != nil {
			t.Fatal(err)
		}
	}
	snaps := store.NewSnapshots(filepath.Join(dir, "snapshots"), 0)
	src := &fakeSource{}
	pub := &fakePublisher{limit: map[string]int{}}
	return &fixture{
		app:   New(src, ts, snaps, pub, opts, zerolog.Nop()),
		src:   src,
		pub:   pub,
		store: ts,
		snaps: snaps,
		dir:   dir,
	}
}

func TestRunCyclePublishesNewThreadsOldestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)
	f.src.threads = []types.Thread{thread("new1", "new2"), thread("old1")}

	rep, err := f.app.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	wantCalls := []publishCall{{"old1", 0}, {"new1", 0}}
	if !reflect.DeepEqual(f.pub.calls, wantCalls) {
		t.Errorf("publish calls = %v, want %v", f.pub.calls, wantCalls)
	}
	if f.pub.begun != 1 {
		t.Errorf("Begin called %d times", f.pub.begun)
	}

	want := [][]string{{"new1", "new2"}, {"old1"}}
	if got := storedURLs(t, f.store); !reflect.DeepEqual(got, want) {
		t.Errorf("store = %v, want %v", got, want)
	}
	if rep.NewThreads != 2 || rep.PendingPosts != 3 || rep.Stored != 3 || !rep.StoreWritten || rep.Published["fake"] != 3 {
		t.Errorf("report = %+v", rep)
	}

	if _, err := f.snaps.Latest(store.SnapshotObserved); err != nil {
		t.Errorf("observation snapshot missing: %v", err)
	}
	latest, err := f.snaps.Latest(store.SnapshotReport)
	if err != nil {
		t.Fatalf("report snapshot missing: %v", err)
	}
	saved, err := store.LoadSnapshot[Report](latest)
	if err != nil {
		t.Fatal(err)
	}
	if saved.CycleID != rep.CycleID {
		t.Errorf("saved report cycle = %s, want %s", saved.CycleID, rep.CycleID)
	}
}

func TestRunCycleExtendsStoredThread(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, []types.Thread{thread("t1")})
	f.src.threads = []types.Thread{thread("t1", "t2")}

	if _, err := f.app.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !reflect.DeepEqual(f.pub.calls, []publishCall{{"t1", 1}}) {
		t.Errorf("publish calls = %v", f.pub.calls)
	}
	if got := storedURLs(t, f.store); !reflect.DeepEqual(got, [][]string{{"t1", "t2"}}) {
		t.Errorf("store = %v", got)
	}

	// observing the same state again changes nothing
	f.pub.calls = nil
	rep, err := f.app.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(f.pub.calls) != 0 || rep.StoreWritten {
		t.Errorf("second cycle published %v, wrote store %v", f.pub.calls, rep.StoreWritten)
	}
}

func TestRunCycleStoresOnlyDeliveredPosts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)
	f.src.threads = []types.Thread{thread("a1", "a2", "a3"), thread("b1")}
	f.pub.limit["a1"] = 1
	f.pub.limit["b1"] = 0

	rep, err := f.app.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := storedURLs(t, f.store); !reflect.DeepEqual(got, [][]string{{"a1"}}) {
		t.Errorf("store = %v, want only the delivered post", got)
	}
	if len(rep.Errors) != 2 {
		t.Errorf("report errors = %v", rep.Errors)
	}

	// the next cycle retries the undelivered tail and the untouched thread
	f.pub.calls = nil
	delete(f.pub.limit, "a1")
	delete(f.pub.limit, "b1")
	if _, err := f.app.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []publishCall{{"a1", 1}, {"b1", 0}}
	if !reflect.DeepEqual(f.pub.calls, want) {
		t.Errorf("retry calls = %v, want %v", f.pub.calls, want)
	}
	if got := storedURLs(t, f.store); !reflect.DeepEqual(got, [][]string{{"b1"}, {"a1", "a2", "a3"}}) {
		t.Errorf("store after retry = %v", got)
	}
}

func TestRunCycleFetchFailureLeavesStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, []types.Thread{thread("t1")})
	before, _ := os.ReadFile(f.store.Path())
	f.src.err = errors.New("browser crashed")

	rep, err := f.app.RunCycle(context.Background())
	if !errors.Is(err, publisher.ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
	if len(f.pub.calls) != 0 || f.pub.begun != 0 {
		t.Error("publisher used after fetch failure")
	}
	after, _ := os.ReadFile(f.store.Path())
	if string(before) != string(after) {
		t.Error("store modified after fetch failure")
	}
	if len(rep.Errors) != 1 || !strings.Contains(rep.Errors[0], "browser crashed") {
		t.Errorf("report errors = %v", rep.Errors)
	}
}

func TestRunCycleSeedsOnFirstRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{SeedOnFirstRun: true}, nil)
	f.src.threads = []types.Thread{thread("t1", "t2")}

	rep, err := f.app.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !rep.Seeded || f.pub.begun != 0 || len(f.pub.calls) != 0 {
		t.Errorf("seed run published: report %+v, calls %v", rep, f.pub.calls)
	}
	if got := storedURLs(t, f.store); !reflect.DeepEqual(got, [][]string{{"t1", "t2"}}) {
		t.Errorf("store = %v", got)
	}

	// once the file exists, new posts are published
	f.src.threads = []types.Thread{thread("t1", "t2", "t3")}
	if _, err := f.app.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(f.pub.calls, []publishCall{{"t1", 2}}) {
		t.Errorf("calls after seed = %v", f.pub.calls)
	}
}

func TestRunCycleDryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{DryRun: true}, []types.Thread{})
	f.src.threads = []types.Thread{thread("t1")}

	rep, err := f.app.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if f.pub.begun != 0 || len(f.pub.calls) != 0 {
		t.Error("dry run contacted the publisher")
	}
	if rep.StoreWritten {
		t.Error("dry run wrote the store")
	}
	if got := storedURLs(t, f.store); len(got) != 0 {
		t.Errorf("store = %v, want empty", got)
	}
}

func TestRunCycleRefusesConcurrentStoreChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, []types.Thread{thread("t1")})
	other := store.NewThreadStore(f.store.Path())
	f.src.threads = []types.Thread{thread("t1", "t2")}
	f.src.before = func() {
		if err := other.Save([]types.Thread{thread("x")}); err != nil {
			t.Error(err)
		}
	}

	_, err := f.app.RunCycle(context.Background())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got := storedURLs(t, f.store); !reflect.DeepEqual(got, [][]string{{"x"}}) {
		t.Errorf("store = %v, want the concurrent write kept", got)
	}
}

func TestRunCycleRecoversPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)
	f.src.before = func() { panic("scraper bug") }

	_, err := f.app.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "scraper bug") {
		t.Errorf("err = %v, want recovered panic", err)
	}
}

type fakeSession struct {
	cookies []*network.Cookie
	err     error
}

func (s fakeSession) Cookies() ([]*network.Cookie, error) { return s.cookies, s.err }

type fakeScraper struct {
	gotUser    string
	gotCookies int
}

func (s *fakeScraper) ScrapeProfile(ctx context.Context, cookies []*network.Cookie, username string) ([]types.Thread, error) {
	s.gotUser, s.gotCookies = username, len(cookies)
	return []types.Thread{thread("t1")}, nil
}

func TestProfileSource(t *testing.T) {
	t.Parallel()

	sc := &fakeScraper{}
	src := ProfileSource{
		Session:  fakeSession{cookies: []*network.Cookie{{Name: "auth_token"}}},
		Scraper:  sc,
		Username: "alice",
	}
	threads, err := src.Observe(context.Background())
	if err != nil || len(threads) != 1 {
		t.Fatalf("Observe = %v, %v", threads, err)
	}
	if sc.gotUser != "alice" || sc.gotCookies != 1 {
		t.Errorf("scraper got %q with %d cookies", sc.gotUser, sc.gotCookies)
	}

	src.Session = fakeSession{err: errors.New("no stored x session")}
	if _, err := src.Observe(context.Background()); err == nil {
		t.Error("expected session error")
	}
}
