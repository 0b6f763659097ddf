package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-banker/adapters/inmemory"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
	"github.com/next-trace/scg-banker/core"
	"github.com/next-trace/scg-banker/router"
)

type fakeDB struct {
	mu          sync.Mutex
	initErr     error
	shutdownErr error
	inits       int
	shutdowns   int
}

func (f *fakeDB) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inits++

	return f.initErr
}

func (f *fakeDB) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shutdowns++

	return f.shutdownErr
}

func (f *fakeDB) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.inits, f.shutdowns
}

// failingClose releases the wrapped backend and then reports err.
type failingClose struct {
	*inmemory.Backend
	err error
}

func (f failingClose) Shutdown(ctx context.Context) error {
	_ = f.Backend.Shutdown(ctx)
	return f.err
}

func static(name string, b cbus.Backend) core.NamedBackend {
	return core.NamedBackend{
		Name: name,
		Open: func(context.Context) (cbus.Backend, error) { return b, nil },
	}
}

func TestService_Lifecycle(t *testing.T) {
	db := &fakeDB{}
	sys := inmemory.New()
	svc := core.New(core.Deps{DB: db, Backends: []core.NamedBackend{static("system", sys)}})

	if svc.State() != core.Uninitialized {
		t.Fatalf("state=%s", svc.State())
	}

	if err := svc.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if svc.State() != core.Running {
		t.Fatalf("state=%s", svc.State())
	}

	if err := svc.Start(t.Context()); !errors.Is(err, berr.ErrInvalidState) {
		t.Fatalf("second start: %v", err)
	}

	msg := cbus.Message{Topic: router.TopicLedgerWithdraw, Payload: []byte(`{"currency":"ETH"}`)}
	if err := sys.Deliver(t.Context(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if n := len(sys.PublishedTo(router.TopicPayETHWithdraw)); n != 1 {
		t.Fatalf("eth publishes=%d", n)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-svc.Done():
	default:
		t.Fatalf("done not closed after shutdown")
	}

	if svc.State() != core.Stopped || svc.Err() != nil {
		t.Fatalf("state=%s err=%v", svc.State(), svc.Err())
	}

	if inits, shutdowns := db.counts(); inits != 1 || shutdowns != 1 {
		t.Fatalf("db inits=%d shutdowns=%d", inits, shutdowns)
	}

	if err := svc.Shutdown(ctx); !errors.Is(err, berr.ErrInvalidState) {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestService_ShutdownBeforeStart(t *testing.T) {
	svc := core.New(core.Deps{})
	if err := svc.Shutdown(t.Context()); !errors.Is(err, berr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestService_DatabaseFailure(t *testing.T) {
	boom := errors.New("db down")
	db := &fakeDB{initErr: boom}
	opened := false

	svc := core.New(core.Deps{DB: db, Backends: []core.NamedBackend{{
		Name: "system",
		Open: func(context.Context) (cbus.Backend, error) {
			opened = true
			return inmemory.New(), nil
		},
	}}})

	err := svc.Start(t.Context())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), core.StepDatabase) {
		t.Fatalf("start err=%v", err)
	}

	if svc.State() != core.Failed || opened {
		t.Fatalf("state=%s opened=%v", svc.State(), opened)
	}

	if err := svc.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown after failed start: %v", err)
	}

	if _, shutdowns := db.counts(); shutdowns != 0 {
		t.Fatalf("uninitialized database must not be shut down")
	}

	if svc.State() != core.Stopped {
		t.Fatalf("state=%s", svc.State())
	}
}

func TestService_BackendOpenFailureReleasesBuilt(t *testing.T) {
	db := &fakeDB{}
	first := inmemory.New()
	boom := errors.New("broker unreachable")

	svc := core.New(core.Deps{DB: db, Backends: []core.NamedBackend{
		static("system", first),
		{Name: "payments", Open: func(context.Context) (cbus.Backend, error) { return nil, boom }},
	}})

	err := svc.Start(t.Context())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), core.StepBuses) {
		t.Fatalf("start err=%v", err)
	}

	if err := svc.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := first.Publish(t.Context(), "x", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrBackendClosed) {
		t.Fatalf("registered backend should be shut down, publish err=%v", err)
	}

	if _, shutdowns := db.counts(); shutdowns != 1 {
		t.Fatalf("database should be released")
	}
}

func TestService_RouteBindFailure(t *testing.T) {
	svc := core.New(core.Deps{
		Backends:       []core.NamedBackend{static("system", inmemory.New())},
		InboundBackend: "ledger",
	})

	err := svc.Start(t.Context())
	if !errors.Is(err, berr.ErrUnknownBackend) || !strings.Contains(err.Error(), core.StepRoutes) {
		t.Fatalf("start err=%v", err)
	}

	if svc.State() != core.Failed {
		t.Fatalf("state=%s", svc.State())
	}

	select {
	case <-svc.Done():
	default:
		t.Fatalf("done should be closed after failed start")
	}
}

func TestService_UnregisteredOutboundBackend(t *testing.T) {
	pinned, err := router.NewTable(router.TopicPayWithdraw,
		router.Rail{Topic: router.TopicPayBakaiWithdraw, Backend: "bank", Match: []string{"bakai"}},
	)
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	cases := map[string][]router.Option{
		"bank": {router.WithTable(pinned)},
		"typo": {router.WithOutboundBackend("typo")},
	}

	for missing, opts := range cases {
		t.Run(missing, func(t *testing.T) {
			db := &fakeDB{}
			sys := inmemory.New()
			svc := core.New(core.Deps{
				DB:            db,
				Backends:      []core.NamedBackend{static("system", sys)},
				RouterOptions: opts,
			})

			err := svc.Start(t.Context())
			if !errors.Is(err, berr.ErrUnknownBackend) || !strings.Contains(err.Error(), core.StepBuses) {
				t.Fatalf("start err=%v", err)
			}

			if !strings.Contains(err.Error(), missing) {
				t.Fatalf("error should name %s: %v", missing, err)
			}

			if svc.State() != core.Failed {
				t.Fatalf("state=%s", svc.State())
			}

			if err := svc.Shutdown(t.Context()); err != nil {
				t.Fatalf("shutdown: %v", err)
			}

			if err := sys.Publish(t.Context(), "x", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrBackendClosed) {
				t.Fatalf("registered backend should be shut down, publish err=%v", err)
			}

			if _, shutdowns := db.counts(); shutdowns != 1 {
				t.Fatalf("database should be released")
			}
		})
	}
}

func TestService_PinnedOutboundBackendRegistered(t *testing.T) {
	pinned, err := router.NewTable(router.TopicPayWithdraw,
		router.Rail{Topic: router.TopicPayBakaiWithdraw, Backend: "bank", Match: []string{"bakai"}},
	)
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	sys, bank := inmemory.New(), inmemory.New()
	svc := core.New(core.Deps{
		Backends:      []core.NamedBackend{static("system", sys), static("bank", bank)},
		RouterOptions: []router.Option{router.WithTable(pinned)},
	})

	if err := svc.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	msg := cbus.Message{Topic: router.TopicLedgerWithdraw, Payload: []byte(`{"bank":"Bakai"}`)}
	if err := sys.Deliver(t.Context(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if n := len(bank.PublishedTo(router.TopicPayBakaiWithdraw)); n != 1 {
		t.Fatalf("bank publishes=%d", n)
	}

	if n := len(sys.PublishedTo(router.TopicPayBakaiWithdraw)); n != 0 {
		t.Fatalf("system publishes=%d", n)
	}
}

func TestService_ShutdownAttemptsEveryRelease(t *testing.T) {
	busErr := errors.New("broker close")
	dbErr := errors.New("db close")

	db := &fakeDB{shutdownErr: dbErr}
	sys := inmemory.New()
	svc := core.New(core.Deps{DB: db, Backends: []core.NamedBackend{
		static("system", sys),
		static("payments", failingClose{Backend: inmemory.New(), err: busErr}),
	}})

	if err := svc.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	err := svc.Shutdown(ctx)
	if !errors.Is(err, busErr) || !errors.Is(err, dbErr) || !errors.Is(err, berr.ErrShutdown) {
		t.Fatalf("shutdown err=%v", err)
	}

	if _, shutdowns := db.counts(); shutdowns != 1 {
		t.Fatalf("db shutdowns=%d", shutdowns)
	}

	if err := sys.Publish(t.Context(), "x", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrBackendClosed) {
		t.Fatalf("system backend should be shut down, publish err=%v", err)
	}

	if svc.State() != core.Stopped {
		t.Fatalf("state=%s", svc.State())
	}
}

func TestService_ConcurrentStart(t *testing.T) {
	db := &fakeDB{}
	svc := core.New(core.Deps{DB: db, Backends: []core.NamedBackend{static("system", inmemory.New())}})

	const callers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := svc.Start(t.Context())

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				ok++
			case errors.Is(err, berr.ErrInvalidState):
				rejected++
			default:
				t.Errorf("start: %v", err)
			}
		}()
	}

	wg.Wait()

	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	if ok != 1 || rejected != callers-1 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}

	if inits, _ := db.counts(); inits != 1 {
		t.Fatalf("db inits=%d", inits)
	}
}

func TestService_DuplicateBackend(t *testing.T) {
	svc := core.New(core.Deps{Backends: []core.NamedBackend{
		static("system", inmemory.New()),
		static("system", inmemory.New()),
	}})

	if err := svc.Start(t.Context()); !errors.Is(err, berr.ErrDuplicateBackend) {
		t.Fatalf("start err=%v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := map[core.State]string{
		core.Uninitialized:   "uninitialized",
		core.DatabaseReady:   "database_ready",
		core.BusesRegistered: "buses_registered",
		core.RoutesBound:     "routes_bound",
		core.Running:         "running",
		core.ShuttingDown:    "shutting_down",
		core.Stopped:         "stopped",
		core.Failed:          "failed",
		core.State(99):       "unknown",
	}

	for st, want := range cases {
		if st.String() != want {
			t.Fatalf("%d: got %s want %s", int(st), st.String(), want)
		}
	}
}
