package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"unlockbot/internal/probe"
	"unlockbot/internal/store"
	logx "unlockbot/pkg/logx"
)

type fakeProber struct {
	mu      sync.Mutex
	calls   []string
	results map[string]probe.Result
}

func (f *fakeProber) Check(ctx context.Context, ep store.Endpoint, account string) probe.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, account)
	if res, ok := f.results[account]; ok {
		return res
	}
	return probe.Result{OK: true, Status: "200"}
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type delivery struct {
	chatID  int64
	account string
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []delivery
	failures  int // fail this many sends, then succeed
}

func (f *fakeNotifier) Unlocked(ctx context.Context, chatID int64, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.delivered = append(f.delivered, delivery{chatID: chatID, account: account})
	return nil
}

func (f *fakeNotifier) sent() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.delivered...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func configureEndpoint(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.SetEndpointURL(ctx, "https://api.example.com/check"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEndpointToken(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
}

// A tick larger than every subscriber interval makes all subscribers due on
// every sweep, so the tests below exercise detection rather than cadence.
func newTestService(s store.Store, p Prober, n Notifier) *Service {
	return New(Config{Tick: time.Hour, Concurrency: 2}, s, p, n, logx.Nop())
}

func TestSweepNotifiesOncePerTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1001, "gamer123"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{results: map[string]probe.Result{
		"gamer123": {OK: true, Status: "200", Unlocked: true},
	}}
	notifier := &fakeNotifier{}
	svc := newTestService(st, prober, notifier)

	svc.Sweep(ctx)

	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("first sweep delivered %d notifications, want 1", len(sent))
	}
	if sent[0].chatID != 1001 || sent[0].account != "gamer123" {
		t.Fatalf("delivery = %+v", sent[0])
	}
	if got, _ := st.Unlocked(ctx, "gamer123"); !got {
		t.Fatal("unlocked cache not persisted after delivery")
	}

	// The account stays unlocked; no further notification.
	svc.Sweep(ctx)
	if got := notifier.sent(); len(got) != 1 {
		t.Fatalf("second sweep delivered %d extra notifications", len(got)-1)
	}
	if prober.callCount() != 2 {
		t.Fatalf("probe calls = %d, want 2 (one per sweep)", prober.callCount())
	}
}

func TestSweepStaysQuietWhileLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "locked-acc"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{results: map[string]probe.Result{
		"locked-acc": {OK: true, Status: "200", Unlocked: false},
	}}
	notifier := &fakeNotifier{}
	svc := newTestService(st, prober, notifier)

	svc.Sweep(ctx)
	svc.Sweep(ctx)

	if got := notifier.sent(); len(got) != 0 {
		t.Fatalf("locked account produced %d notifications", len(got))
	}
	if got, _ := st.Unlocked(ctx, "locked-acc"); got {
		t.Fatal("cache must stay empty while locked")
	}
}

func TestSweepNotConfiguredIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	if err := st.AddAccount(ctx, 1, "acc"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{}
	notifier := &fakeNotifier{}
	svc := newTestService(st, prober, notifier)

	svc.Sweep(ctx)

	if prober.callCount() != 0 {
		t.Fatalf("unconfigured endpoint still probed %d times", prober.callCount())
	}
	if got := notifier.sent(); len(got) != 0 {
		t.Fatalf("unconfigured endpoint still notified %d times", len(got))
	}
}

func TestSweepContinuesPastProbeFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "broken"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddAccount(ctx, 1, "fine"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{results: map[string]probe.Result{
		"broken": {Status: probe.StatusError, Raw: "connection refused"},
		"fine":   {OK: true, Status: "200", Unlocked: true},
	}}
	notifier := &fakeNotifier{}
	svc := newTestService(st, prober, notifier)

	svc.Sweep(ctx)

	sent := notifier.sent()
	if len(sent) != 1 || sent[0].account != "fine" {
		t.Fatalf("deliveries = %+v, want just 'fine'", sent)
	}
	if got, _ := st.Unlocked(ctx, "broken"); got {
		t.Fatal("failed probe must not touch the cache")
	}
}

func TestSweepRetriesAfterDeliveryFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "acc"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{results: map[string]probe.Result{
		"acc": {OK: true, Status: "200", Unlocked: true},
	}}
	notifier := &fakeNotifier{failures: 1}
	svc := newTestService(st, prober, notifier)

	svc.Sweep(ctx)
	if got := notifier.sent(); len(got) != 0 {
		t.Fatalf("failed delivery recorded %d sends", len(got))
	}
	if got, _ := st.Unlocked(ctx, "acc"); got {
		t.Fatal("cache must stay untouched when delivery fails")
	}

	// Next sweep retries and succeeds.
	svc.Sweep(ctx)
	if got := notifier.sent(); len(got) != 1 {
		t.Fatalf("retry sweep delivered %d notifications, want 1", len(got))
	}
	if got, _ := st.Unlocked(ctx, "acc"); !got {
		t.Fatal("cache not persisted after successful retry")
	}
}

func TestSweepSharedAccountNotifiesEverySubscriber(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "shared"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddAccount(ctx, 2, "shared"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{results: map[string]probe.Result{
		"shared": {OK: true, Status: "200", Unlocked: true},
	}}
	notifier := &fakeNotifier{}
	svc := newTestService(st, prober, notifier)

	svc.Sweep(ctx)

	sent := notifier.sent()
	if len(sent) != 2 {
		t.Fatalf("deliveries = %+v, want both chats", sent)
	}
	chats := map[int64]bool{}
	for _, d := range sent {
		chats[d.chatID] = true
	}
	if !chats[1] || !chats[2] {
		t.Fatalf("deliveries = %+v", sent)
	}

	svc.Sweep(ctx)
	if got := notifier.sent(); len(got) != 2 {
		t.Fatalf("second sweep added %d extra deliveries", len(got)-2)
	}
}

func TestSweepHonorsSubscriberInterval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "acc"); err != nil {
		t.Fatal(err)
	}
	// Default interval is 5m; with a 1m tick the subscriber is not due again
	// right after a sweep.
	prober := &fakeProber{}
	notifier := &fakeNotifier{}
	svc := New(Config{Tick: time.Minute, Concurrency: 2}, st, prober, notifier, logx.Nop())

	svc.Sweep(ctx)
	if prober.callCount() != 1 {
		t.Fatalf("first sweep probed %d times, want 1", prober.callCount())
	}

	svc.Sweep(ctx)
	if prober.callCount() != 1 {
		t.Fatalf("back-to-back sweep ignored the subscriber interval (%d probes)", prober.callCount())
	}
	if status := svc.Status(); status.LastProbed != 0 {
		t.Fatalf("LastProbed = %d, want 0 for the skipped subscriber", status.LastProbed)
	}
}

func TestSweepStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "acc"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{results: map[string]probe.Result{
		"acc": {OK: true, Status: "200", Unlocked: true},
	}}
	notifier := &fakeNotifier{}
	svc := newTestService(st, prober, notifier)

	if got := svc.Status(); !got.LastSweep.IsZero() {
		t.Fatalf("status before any sweep = %+v", got)
	}

	svc.Sweep(ctx)
	got := svc.Status()
	if got.LastSweep.IsZero() || got.LastProbed != 1 || got.LastNotified != 1 {
		t.Fatalf("status after sweep = %+v", got)
	}
}

func TestTimezoneResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tz   string
		want string
	}{
		{name: "empty falls back to local", tz: "", want: time.Local.String()},
		{name: "valid iana zone", tz: "Asia/Ho_Chi_Minh", want: "Asia/Ho_Chi_Minh"},
		{name: "garbage falls back to local", tz: "Not/AZone", want: time.Local.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(Config{Tick: time.Hour, Timezone: tt.tz},
				newTestStore(t), &fakeProber{}, &fakeNotifier{}, logx.Nop())
			svc.mu.Lock()
			loc := svc.loadLocationLocked()
			svc.mu.Unlock()
			if loc.String() != tt.want {
				t.Fatalf("location = %q, want %q", loc, tt.want)
			}
		})
	}
}

// gatedStore parks the first Snapshot call until released, pinning a sweep
// mid-flight.
type gatedStore struct {
	store.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedStore) Snapshot(ctx context.Context) (store.State, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.Store.Snapshot(ctx)
}

func TestApplyDuringSweepDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	configureEndpoint(t, st)
	if err := st.AddAccount(ctx, 1, "acc"); err != nil {
		t.Fatal(err)
	}
	gated := &gatedStore{
		Store:   st,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}

	svc := New(Config{Tick: 10 * time.Millisecond, Concurrency: 2},
		gated, &fakeProber{}, &fakeNotifier{}, logx.Nop())
	svc.Start(ctx)
	defer svc.Stop(ctx)

	// A cron-driven sweep is now parked inside Snapshot.
	select {
	case <-gated.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep never started")
	}

	applied := make(chan struct{})
	go func() {
		svc.Apply(ctx, Config{Tick: time.Hour, Concurrency: 2})
		close(applied)
	}()

	// Let Apply reach its wait for the in-flight sweep, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("Apply blocked on the in-flight sweep")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.Tick != time.Minute {
		t.Fatalf("Tick = %s", cfg.Tick)
	}
	if cfg.Concurrency != 4 {
		t.Fatalf("Concurrency = %d", cfg.Concurrency)
	}
}
