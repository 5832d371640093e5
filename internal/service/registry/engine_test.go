package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/CuAuPro/switchyard/internal/docker"
	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/ports"
	"github.com/CuAuPro/switchyard/internal/repository"
	"github.com/CuAuPro/switchyard/internal/repository/memory"
)

var operator = domain.Actor{ID: "user-1", Role: domain.RoleOperator}

type fakeRuntime struct {
	mu       sync.Mutex
	states   map[string]docker.State
	started  []docker.RunSpec
	stops    int
	removes  int
	startErr error
	onStart  func()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{states: make(map[string]docker.State)}
}

func (f *fakeRuntime) EnsureRunning(_ context.Context, spec docker.RunSpec) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.started = append(f.started, spec)
	f.states[spec.Name] = docker.StateRunning
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if _, ok := f.states[name]; ok {
		f.states[name] = docker.StateStopped
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	delete(f.states, name)
	return nil
}

func (f *fakeRuntime) InspectState(_ context.Context, name string) (docker.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok {
		return docker.StateMissing, nil
	}
	return state, nil
}

func (f *fakeRuntime) set(name string, state docker.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = state
}

func (f *fakeRuntime) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started) + f.stops + f.removes
}

type recordingRouter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingRouter) Request(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

type recordingObserver struct {
	mu        sync.Mutex
	automated int
	manual    int
}

func (o *recordingObserver) ObserveSwitch(_, _, _ string, automated bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if automated {
		o.automated++
	} else {
		o.manual++
	}
}

type harness struct {
	engine   *Engine
	store    *memory.Repository
	runtime  *fakeRuntime
	router   *recordingRouter
	observer *recordingObserver
	bus      *events.Bus
}

func newHarness(t *testing.T, start, end int, opts ...func(*Config)) *harness {
	t.Helper()
	alloc, err := ports.New(start, end)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	alloc.WithBindTest(func(int) bool { return true })
	cfg := Config{RouterTargetHost: "http://localhost"}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    memory.New(),
		runtime:  newFakeRuntime(),
		router:   &recordingRouter{},
		observer: &recordingObserver{},
		bus:      events.NewBus(32, logger),
	}
	h.engine = New(h.store, h.runtime, alloc, h.bus, h.router, h.observer, logger, cfg)
	t.Cleanup(h.bus.Close)
	return h
}

func billingInput() RegisterInput {
	return RegisterInput{
		Name:           "billing",
		HealthEndpoint: "/health",
		Environments: []EnvironmentInput{
			{Label: "slot-a", DockerImage: "ghcr.io/acme/billing:1", AppPort: 4000},
			{Label: "slot-b", DockerImage: "ghcr.io/acme/billing:1", AppPort: 4000},
		},
	}
}

func (h *harness) register(t *testing.T) domain.ServiceDetail {
	t.Helper()
	detail, err := h.engine.Register(context.Background(), operator, billingInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return detail
}

func mustEnv(t *testing.T, detail domain.ServiceDetail, label string) domain.Environment {
	t.Helper()
	env, ok := detail.Environment(label)
	if !ok {
		t.Fatalf("environment %s missing", label)
	}
	return env
}

func expectKind(t *testing.T, err error, kind Kind, sentinel error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
	if sentinel != nil && !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
}

func TestRegisterCreatesPrimaryActiveSlotWithDistinctPorts(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)

	a := mustEnv(t, detail, domain.SlotA)
	b := mustEnv(t, detail, domain.SlotB)
	if a.Metadata.HostPort == 0 || a.Metadata.HostPort == b.Metadata.HostPort {
		t.Fatalf("expected distinct host ports, got %d and %d", a.Metadata.HostPort, b.Metadata.HostPort)
	}
	if !b.IsActive || b.WeightPercent != 100 {
		t.Fatalf("expected slot-b active at 100, got %+v", b)
	}
	if a.IsActive || a.WeightPercent != 0 {
		t.Fatalf("expected slot-a inactive at 0, got %+v", a)
	}
	if detail.ActiveTrafficID != b.ID {
		t.Fatalf("expected activeTrafficId %s, got %s", b.ID, detail.ActiveTrafficID)
	}
	if a.Metadata.ContainerName != "switchyard-billing-slot-a" {
		t.Fatalf("unexpected container name %q", a.Metadata.ContainerName)
	}
	if a.TargetURL != "http://localhost:4100" {
		t.Fatalf("unexpected target url %q", a.TargetURL)
	}
	if h.runtime.mutations() != 0 {
		t.Fatalf("expected no runtime calls without autostart")
	}
	if h.router.count() != 1 {
		t.Fatalf("expected one router publish, got %d", h.router.count())
	}
}

func TestRegisterUsesContainerTargetsOnNetwork(t *testing.T) {
	h := newHarness(t, 4100, 4199, func(c *Config) { c.DockerNetwork = "switchyard" })
	detail := h.register(t)
	if got := mustEnv(t, detail, domain.SlotB).TargetURL; got != "http://switchyard-billing-slot-b:4000" {
		t.Fatalf("unexpected target url %q", got)
	}
}

func TestRegisterRejectsViewer(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	_, err := h.engine.Register(context.Background(), domain.Actor{ID: "v", Role: domain.RoleViewer}, billingInput())
	expectKind(t, err, KindAuthorization, ErrInsufficientRole)
}

func TestRegisterRequiresBothSlots(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	in := billingInput()
	in.Environments = in.Environments[:1]
	_, err := h.engine.Register(context.Background(), operator, in)
	expectKind(t, err, KindValidation, ErrInvalidInput)

	in = billingInput()
	in.Environments[0].DockerImage = ""
	_, err = h.engine.Register(context.Background(), operator, in)
	expectKind(t, err, KindValidation, ErrMissingImage)
}

func TestRegisterAutostartProvisionsBothSlots(t *testing.T) {
	h := newHarness(t, 4100, 4199, func(c *Config) { c.DockerAutostart = true })
	detail := h.register(t)
	for _, env := range detail.Environments {
		if !env.Running() {
			t.Fatalf("expected %s running after autostart", env.Label)
		}
	}
	if len(h.runtime.started) != 2 {
		t.Fatalf("expected two containers started, got %d", len(h.runtime.started))
	}
	spec := h.runtime.started[0]
	if spec.Env["APP_COLOR"] != spec.Name[len(spec.Name)-6:] || spec.Env["PORT"] != "4000" {
		t.Fatalf("unexpected env %+v", spec.Env)
	}
}

func TestRegisterAutostartFailureKeepsService(t *testing.T) {
	h := newHarness(t, 4100, 4199, func(c *Config) { c.DockerAutostart = true })
	h.runtime.startErr = errors.New("image not found")
	detail, err := h.engine.Register(context.Background(), operator, billingInput())
	expectKind(t, err, KindRuntime, ErrRuntime)
	if detail.ID == "" {
		t.Fatalf("expected service to stay registered")
	}
	for _, env := range detail.Environments {
		if env.Running() {
			t.Fatalf("expected %s stopped", env.Label)
		}
	}
}

func TestReseedKeepsRunningHostPortAndResetsPrimary(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.engine.Switch(ctx, operator, SwitchInput{ServiceID: detail.ID, ToLabel: domain.SlotA}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	before := mustEnv(t, detail, domain.SlotA).Metadata.HostPort

	in := billingInput()
	in.Environments[1].DockerImage = "ghcr.io/acme/billing:2"
	again, err := h.engine.Register(ctx, operator, in)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again.ID != detail.ID {
		t.Fatalf("expected the same service to be updated")
	}
	a := mustEnv(t, again, domain.SlotA)
	b := mustEnv(t, again, domain.SlotB)
	if a.Metadata.HostPort != before || !a.Running() {
		t.Fatalf("expected running slot to keep port %d, got %+v", before, a.Metadata)
	}
	if !b.IsActive || a.IsActive || again.ActiveTrafficID != b.ID {
		t.Fatalf("expected primary slot active after reseed")
	}
	if b.DockerImage != "ghcr.io/acme/billing:2" {
		t.Fatalf("expected image updated, got %q", b.DockerImage)
	}
	if again.Activities[0].Type != domain.ActivityServiceReseeded {
		t.Fatalf("expected reseed activity, got %s", again.Activities[0].Type)
	}
}

func TestStartAlreadyRunningPerformsNoRuntimeCalls(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	calls := h.runtime.mutations()

	_, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA)
	expectKind(t, err, KindPrecondition, ErrAlreadyRunning)
	if h.runtime.mutations() != calls {
		t.Fatalf("expected no runtime mutations, got %d", h.runtime.mutations()-calls)
	}
}

func TestStartUnknownLabel(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	_, err := h.engine.Start(context.Background(), operator, detail.ID, "slot-c")
	expectKind(t, err, KindNotFound, ErrEnvNotFound)

	_, err = h.engine.Start(context.Background(), operator, "missing", domain.SlotA)
	expectKind(t, err, KindNotFound, ErrServiceNotFound)
}

func TestStartRuntimeFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	h.runtime.startErr = errors.New("boom")
	_, err := h.engine.Start(context.Background(), operator, detail.ID, domain.SlotA)
	expectKind(t, err, KindRuntime, ErrRuntime)

	got, err := h.engine.Get(context.Background(), detail.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a := mustEnv(t, got, domain.SlotA)
	if a.Running() || a.Metadata.HostPort != mustEnv(t, detail, domain.SlotA).Metadata.HostPort {
		t.Fatalf("expected slot untouched, got %+v", a.Metadata)
	}
}

func TestStartStopRoundTripReconciles(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()

	started, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !mustEnv(t, started, domain.SlotA).Running() {
		t.Fatalf("expected running after start")
	}
	spec := h.runtime.started[0]
	if spec.Env["APP_COLOR"] != domain.SlotA || spec.ContainerPort != 4000 || spec.HostPort != mustEnv(t, detail, domain.SlotA).Metadata.HostPort {
		t.Fatalf("unexpected run spec %+v", spec)
	}

	got, _ := h.engine.Get(ctx, detail.ID)
	if !mustEnv(t, got, domain.SlotA).Running() {
		t.Fatalf("expected reconciled running")
	}

	if _, err := h.engine.Stop(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, _ = h.engine.Get(ctx, detail.ID)
	if mustEnv(t, got, domain.SlotA).Running() {
		t.Fatalf("expected reconciled stopped")
	}

	calls := h.runtime.mutations()
	if _, err := h.engine.Stop(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if h.runtime.mutations() != calls {
		t.Fatalf("expected idempotent stop without runtime calls")
	}
}

func TestReadReconcilesOutOfBandChanges(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.runtime.set("switchyard-billing-slot-a", docker.StateStopped)
	h.runtime.set("switchyard-billing-slot-b", docker.StateRunning)

	list, err := h.engine.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v (%d)", err, len(list))
	}
	if mustEnv(t, list[0], domain.SlotA).Running() || !mustEnv(t, list[0], domain.SlotB).Running() {
		t.Fatalf("expected reconciled states, got %+v", list[0].Environments)
	}
	envs, _ := h.store.ListEnvironments(ctx, detail.ID)
	for _, env := range envs {
		if env.Label == domain.SlotB && !env.Running() {
			t.Fatalf("expected reconciled state persisted")
		}
	}
}

func TestStartFailsWhenPortRangeExhausted(t *testing.T) {
	h := newHarness(t, 4100, 4101)
	h.register(t)
	ctx := context.Background()

	svc := domain.Service{ID: "search", Name: "search", ActiveTrafficID: "search-b"}
	envs := []domain.Environment{
		{ID: "search-a", Label: domain.SlotA, DockerImage: "search:1", Metadata: domain.Metadata{AppPort: 4000, ContainerState: domain.ContainerStopped}},
		{ID: "search-b", Label: domain.SlotB, DockerImage: "search:1", IsActive: true, WeightPercent: 100, Metadata: domain.Metadata{AppPort: 4000, ContainerState: domain.ContainerStopped}},
	}
	if err := h.store.CreateService(ctx, &svc, envs); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := h.engine.Start(ctx, operator, "search", domain.SlotA)
	expectKind(t, err, KindResourceExhausted, ErrNoPortAvailable)
	if h.runtime.mutations() != 0 {
		t.Fatalf("expected no runtime calls")
	}
	got, _ := h.engine.Get(ctx, "search")
	a := mustEnv(t, got, domain.SlotA)
	if a.Running() || a.Metadata.HostPort != 0 {
		t.Fatalf("expected slot unchanged, got %+v", a.Metadata)
	}
}

// hookedStore lets a test run code between the engine's reads and writes.
type hookedStore struct {
	*memory.Repository
	mu        sync.Mutex
	afterList func()
	updateErr error
}

func (s *hookedStore) ListAllEnvironments(ctx context.Context) ([]domain.Environment, error) {
	envs, err := s.Repository.ListAllEnvironments(ctx)
	s.mu.Lock()
	hook := s.afterList
	s.afterList = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return envs, err
}

func (s *hookedStore) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Repository.UpdateEnvironment(ctx, env)
}

func newHookedEngine(t *testing.T, start, end int) (*Engine, *hookedStore, *fakeRuntime) {
	t.Helper()
	alloc, err := ports.New(start, end)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	alloc.WithBindTest(func(int) bool { return true })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(32, logger)
	t.Cleanup(bus.Close)
	store := &hookedStore{Repository: memory.New()}
	runtime := newFakeRuntime()
	engine := New(store, runtime, alloc, bus, nil, nil, logger, Config{RouterTargetHost: "http://localhost"})
	return engine, store, runtime
}

func seedStoppedSearch(t *testing.T, store *hookedStore) {
	t.Helper()
	svc := domain.Service{ID: "search", Name: "search", ActiveTrafficID: "search-b"}
	envs := []domain.Environment{
		{ID: "search-a", Label: domain.SlotA, DockerImage: "search:1", Metadata: domain.Metadata{AppPort: 4000, ContainerState: domain.ContainerStopped}},
		{ID: "search-b", Label: domain.SlotB, DockerImage: "search:1", IsActive: true, WeightPercent: 100, Metadata: domain.Metadata{AppPort: 4000, ContainerState: domain.ContainerStopped}},
	}
	if err := store.CreateService(context.Background(), &svc, envs); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStartAndConcurrentRegisterNeverShareHostPort(t *testing.T) {
	engine, store, _ := newHookedEngine(t, 4100, 4199)
	seedStoppedSearch(t, store)
	ctx := context.Background()

	type outcome struct {
		detail domain.ServiceDetail
		err    error
	}
	registered := make(chan outcome, 1)
	store.mu.Lock()
	store.afterList = func() {
		go func() {
			detail, err := engine.Register(ctx, operator, billingInput())
			registered <- outcome{detail, err}
		}()
		// Give the registration every chance to finish inside the window
		// between Start's snapshot and its reservation.
		select {
		case out := <-registered:
			registered <- out
		case <-time.After(100 * time.Millisecond):
		}
	}
	store.mu.Unlock()

	started, err := engine.Start(ctx, operator, "search", domain.SlotA)
	if err != nil {
		t.Fatalf("start: %v (kind %s)", err, KindOf(err))
	}
	var out outcome
	select {
	case out = <-registered:
	case <-time.After(2 * time.Second):
		t.Fatalf("register did not finish")
	}
	if out.err != nil {
		t.Fatalf("register: %v", out.err)
	}

	port := mustEnv(t, started, domain.SlotA).Metadata.HostPort
	for _, env := range out.detail.Environments {
		if env.Metadata.HostPort == port {
			t.Fatalf("host port %d handed to both search/slot-a and billing/%s", port, env.Label)
		}
	}
}

func TestStartHostPortConflictIsPreconditionAndRemovesContainer(t *testing.T) {
	engine, store, runtime := newHookedEngine(t, 4100, 4199)
	seedStoppedSearch(t, store)
	store.mu.Lock()
	store.updateErr = repository.ErrConflict
	store.mu.Unlock()

	_, err := engine.Start(context.Background(), operator, "search", domain.SlotA)
	expectKind(t, err, KindPrecondition, ErrHostPortTaken)

	state, _ := runtime.InspectState(context.Background(), domain.ContainerName("search", domain.SlotA))
	if state != docker.StateMissing {
		t.Fatalf("expected container removed, got %s", state)
	}
}

func TestStartPersistsAfterRequestIsCancelled(t *testing.T) {
	engine, store, runtime := newHookedEngine(t, 4100, 4199)
	seedStoppedSearch(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime.mu.Lock()
	runtime.onStart = cancel
	runtime.mu.Unlock()

	if _, err := engine.Start(ctx, operator, "search", domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	envs, err := store.ListEnvironments(context.Background(), "search")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, env := range envs {
		if env.Label == domain.SlotA && !env.Running() {
			t.Fatalf("expected slot-a recorded as running, got %+v", env.Metadata)
		}
	}
}

func TestSwitchToStoppedTargetKeepsActiveTraffic(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()

	_, err := h.engine.Switch(ctx, operator, SwitchInput{ServiceID: detail.ID, ToLabel: domain.SlotA})
	expectKind(t, err, KindPrecondition, ErrTargetNotRunning)

	got, _ := h.engine.Get(ctx, detail.ID)
	if got.ActiveTrafficID != detail.ActiveTrafficID {
		t.Fatalf("expected activeTrafficId unchanged")
	}
}

func TestSwitchPromotesTargetAndRecordsEvent(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	sub := h.bus.Subscribe()
	defer sub.Close()

	if _, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := h.engine.Switch(ctx, operator, SwitchInput{ServiceID: detail.ID, ToLabel: "SLOT-A", Reason: "release 2"})
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	a := mustEnv(t, got, domain.SlotA)
	b := mustEnv(t, got, domain.SlotB)
	if !a.IsActive || a.WeightPercent != 100 || b.IsActive || b.WeightPercent != 0 {
		t.Fatalf("unexpected slots after switch: a=%+v b=%+v", a, b)
	}
	if got.ActiveTrafficID != a.ID {
		t.Fatalf("expected activeTrafficId %s, got %s", a.ID, got.ActiveTrafficID)
	}
	switches, _ := h.store.ListSwitchEvents(ctx, detail.ID, 10)
	if len(switches) != 1 || switches[0].FromLabel != domain.SlotB || switches[0].ToLabel != domain.SlotA || switches[0].InitiatedBy != operator.ID {
		t.Fatalf("unexpected switch events %+v", switches)
	}
	if h.observer.manual != 1 {
		t.Fatalf("expected manual switch observed")
	}

	var sawSwitch bool
	for len(sub.C()) > 0 {
		if evt := <-sub.C(); evt.Type == events.ServiceSwitched {
			sawSwitch = true
		}
	}
	if !sawSwitch {
		t.Fatalf("expected service.switched event")
	}
}

func TestConfigureMetadataRequiresAllStopped(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	desc := "payments"
	_, err := h.engine.Configure(ctx, operator, ConfigureInput{ServiceID: detail.ID, Description: &desc})
	expectKind(t, err, KindPrecondition, ErrRequiresAllStopped)

	port := 5000
	_, err = h.engine.Configure(ctx, operator, ConfigureInput{ServiceID: detail.ID, Environments: []EnvironmentPatch{{Label: domain.SlotA, AppPort: &port}}})
	expectKind(t, err, KindPrecondition, ErrAppPortLocked)

	image := "ghcr.io/acme/billing:2"
	got, err := h.engine.Configure(ctx, operator, ConfigureInput{ServiceID: detail.ID, Environments: []EnvironmentPatch{{Label: domain.SlotA, DockerImage: &image}}})
	if err != nil {
		t.Fatalf("image edit while running: %v", err)
	}
	if mustEnv(t, got, domain.SlotA).DockerImage != image {
		t.Fatalf("expected image updated")
	}
}

func TestConfigureStoppedServiceUpdatesAndLogs(t *testing.T) {
	h := newHarness(t, 4100, 4199, func(c *Config) { c.DockerNetwork = "switchyard" })
	detail := h.register(t)
	desc := "payments"
	port := 8080
	got, err := h.engine.Configure(context.Background(), operator, ConfigureInput{
		ServiceID:    detail.ID,
		Description:  &desc,
		Environments: []EnvironmentPatch{{Label: domain.SlotB, AppPort: &port}},
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got.Description != desc {
		t.Fatalf("expected description updated")
	}
	b := mustEnv(t, got, domain.SlotB)
	if b.Metadata.AppPort != 8080 || b.TargetURL != "http://switchyard-billing-slot-b:8080" {
		t.Fatalf("unexpected slot after configure %+v", b)
	}
	var messages []string
	for _, a := range got.Activities {
		messages = append(messages, a.Message)
	}
	want := map[string]bool{"Updated description": false, "Updated slot-b slot (APP_PORT 4000 -> 8080)": false}
	for _, m := range messages {
		if _, ok := want[m]; ok {
			want[m] = true
		}
	}
	for m, seen := range want {
		if !seen {
			t.Fatalf("missing activity %q in %v", m, messages)
		}
	}
}

func TestDeployTargetsInactiveSlot(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()

	_, err := h.engine.Deploy(ctx, operator, DeployInput{ServiceID: detail.ID, Label: domain.SlotB, Version: "v2", DockerImage: "billing:2"})
	expectKind(t, err, KindPrecondition, ErrDeployActiveSlot)

	dep, err := h.engine.Deploy(ctx, operator, DeployInput{ServiceID: detail.ID, Label: domain.SlotA, Version: "v2", DockerImage: "billing:2", Metadata: map[string]any{"commit": "abc"}})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.Status != domain.DeploymentDeploying || dep.EnvironmentID != mustEnv(t, detail, domain.SlotA).ID {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	if h.runtime.mutations() != 0 {
		t.Fatalf("deploy must not touch containers")
	}
	got, _ := h.engine.Get(ctx, detail.ID)
	if len(got.Deployments) != 1 || got.Activities[0].Type != domain.ActivityDeploymentQueued {
		t.Fatalf("expected deployment and activity recorded")
	}
}

func TestDeleteRemovesContainersAndService(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, operator, detail.ID, domain.SlotA); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.Delete(ctx, operator, detail.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.runtime.removes < 2 {
		t.Fatalf("expected both containers removed, got %d", h.runtime.removes)
	}
	_, err := h.engine.Get(ctx, detail.ID)
	expectKind(t, err, KindNotFound, ErrServiceNotFound)
}

func TestRecordHealthPublishesEvent(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	sub := h.bus.Subscribe()
	defer sub.Close()

	latency := 42
	env, err := h.engine.RecordHealth(context.Background(), mustEnv(t, detail, domain.SlotA).ID, domain.StatusHealthy, &latency)
	if err != nil {
		t.Fatalf("record health: %v", err)
	}
	if env.Status != domain.StatusHealthy || env.LastLatencyMs == nil || *env.LastLatencyMs != 42 || env.LastCheckAt == nil {
		t.Fatalf("unexpected env %+v", env)
	}
	evt := <-sub.C()
	if evt.Type != events.EnvironmentHealth || evt.ServiceID != detail.ID {
		t.Fatalf("unexpected event %+v", evt)
	}

	_, err = h.engine.RecordHealth(context.Background(), "missing", domain.StatusHealthy, nil)
	expectKind(t, err, KindNotFound, ErrEnvNotFound)
}

func startBoth(t *testing.T, h *harness, id string) {
	t.Helper()
	for _, label := range domain.SlotLabels {
		if _, err := h.engine.Start(context.Background(), operator, id, label); err != nil {
			t.Fatalf("start %s: %v", label, err)
		}
	}
}

func TestFailoverSwitchesToHealthySlot(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	startBoth(t, h, detail.ID)
	a := mustEnv(t, detail, domain.SlotA)
	b := mustEnv(t, detail, domain.SlotB)

	if _, err := h.engine.RecordHealth(ctx, b.ID, domain.StatusUnhealthy, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := h.engine.RecordHealth(ctx, a.ID, domain.StatusHealthy, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	switched, err := h.engine.Failover(ctx, detail.ID, b.ID)
	if err != nil || !switched {
		t.Fatalf("expected failover, got %v %v", switched, err)
	}
	got, _ := h.engine.Get(ctx, detail.ID)
	if got.ActiveTrafficID != a.ID {
		t.Fatalf("expected traffic on slot-a")
	}
	switches, _ := h.store.ListSwitchEvents(ctx, detail.ID, 10)
	if len(switches) != 1 || switches[0].InitiatedBy != domain.SystemActor.ID || switches[0].ToLabel != domain.SlotA {
		t.Fatalf("unexpected switch events %+v", switches)
	}
	if h.observer.automated != 1 {
		t.Fatalf("expected automated switch observed")
	}

	switched, err = h.engine.Failover(ctx, detail.ID, b.ID)
	if err != nil || switched {
		t.Fatalf("expected stale failover to be ignored, got %v %v", switched, err)
	}
}

func TestFailoverRequiresHealthyAlternate(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	startBoth(t, h, detail.ID)
	b := mustEnv(t, detail, domain.SlotB)
	a := mustEnv(t, detail, domain.SlotA)
	h.engine.RecordHealth(ctx, b.ID, domain.StatusUnhealthy, nil)
	h.engine.RecordHealth(ctx, a.ID, domain.StatusDegraded, nil)

	switched, err := h.engine.Failover(ctx, detail.ID, b.ID)
	if err != nil || switched {
		t.Fatalf("expected no failover, got %v %v", switched, err)
	}
}

func TestConcurrentSwitchAndFailoverKeepOneActive(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	ctx := context.Background()
	startBoth(t, h, detail.ID)
	a := mustEnv(t, detail, domain.SlotA)
	b := mustEnv(t, detail, domain.SlotB)
	h.engine.RecordHealth(ctx, a.ID, domain.StatusHealthy, nil)
	h.engine.RecordHealth(ctx, b.ID, domain.StatusDegraded, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			label := domain.SlotA
			if i%2 == 0 {
				label = domain.SlotB
			}
			if _, err := h.engine.Switch(ctx, operator, SwitchInput{ServiceID: detail.ID, ToLabel: label}); err != nil {
				t.Errorf("switch: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Failover(ctx, detail.ID, b.ID); err != nil {
				t.Errorf("failover: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := h.engine.Get(ctx, detail.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	active := 0
	for _, env := range got.Environments {
		if env.IsActive {
			active++
			if got.ActiveTrafficID != env.ID {
				t.Fatalf("activeTrafficId %s does not match active slot %s", got.ActiveTrafficID, env.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active slot, got %d", active)
	}
}

func TestTopologyGroupsEnvironments(t *testing.T) {
	h := newHarness(t, 4100, 4199)
	detail := h.register(t)
	topo, err := h.engine.Topology(context.Background())
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if len(topo) != 1 || topo[0].ID != detail.ID || len(topo[0].Environments) != 2 {
		t.Fatalf("unexpected topology %+v", topo)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("expected internal kind for plain errors")
	}
	wrapped := errors.Join(errors.New("ctx"), fail(KindNotFound, "op", ErrServiceNotFound, "missing"))
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("expected not_found through wrapping")
	}
}
