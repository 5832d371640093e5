package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/service/registry"
)

const billingID = "0f8fad5b-d9cb-469f-a165-70867728950e"

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	key := r.Method + " " + r.URL.Path
	f.requests = append(f.requests, key)
	if f.bodies == nil {
		f.bodies = make(map[string][]byte)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r.Body)
	f.bodies[key] = buf.Bytes()
	f.mu.Unlock()

	if r.URL.Path != "/api/auth/login" && r.Header.Get("Authorization") != "Bearer tkn-1" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authentication failed"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch key {
	case "POST /api/auth/login":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "tkn-1",
			"user":  domain.User{ID: "u-1", Email: "ops@switchyard.dev", Role: domain.RoleOperator},
		})
	case "GET /api/services":
		_ = json.NewEncoder(w).Encode([]domain.ServiceDetail{billing()})
	case "GET /api/services/" + billingID, "POST /api/services", "POST /api/services/" + billingID + "/switch":
		_ = json.NewEncoder(w).Encode(billing())
	case "POST /api/services/" + billingID + "/environments/slot-a/start":
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"environment already running","kind":"precondition_failed"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

func (f *fakeAPI) body(t *testing.T, key string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.bodies[key]
	require.True(t, ok, "no request for %s", key)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func billing() domain.ServiceDetail {
	return domain.ServiceDetail{
		Service: domain.Service{ID: billingID, Name: "billing"},
		Environments: []domain.Environment{
			{Label: "slot-a", Status: domain.StatusHealthy, Metadata: domain.Metadata{HostPort: 4100, AppPort: 4000, ContainerState: domain.ContainerRunning}},
			{Label: "slot-b", IsActive: true, WeightPercent: 100, Status: domain.StatusDegraded, Metadata: domain.Metadata{HostPort: 4101, AppPort: 4000, ContainerState: domain.ContainerRunning}},
		},
	}
}

type harness struct {
	api    *fakeAPI
	server *httptest.Server
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &harness{api: api, server: srv, config: filepath.Join(t.TempDir(), "config.yaml")}
}

func (h *harness) loggedIn(t *testing.T) {
	t.Helper()
	require.NoError(t, saveConfig(h.config, cliConfig{APIURL: h.server.URL, Token: "tkn-1"}))
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(stdin), &out, &errOut)
	root := newRootCmd(a)
	root.SetArgs(append([]string{"--config", h.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestLoginStoresToken(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("s3cret-pass\n", "login", "--api", h.server.URL, "--email", "ops@switchyard.dev")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in as ops@switchyard.dev (operator)")

	cfg, err := loadConfig(h.config)
	require.NoError(t, err)
	assert.Equal(t, "tkn-1", cfg.Token)
	assert.Equal(t, h.server.URL, cfg.APIURL)
	assert.Equal(t, "s3cret-pass", h.api.body(t, "POST /api/auth/login")["password"])

	info, err := os.Stat(h.config)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCommandsRequireLogin(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "services", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestServicesListTable(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	out, err := h.run("", "services", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "billing")
	assert.Contains(t, out, "slot-a")
	assert.Contains(t, out, "4101")
}

func TestServicesGetJSON(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	out, err := h.run("", "-o", "json", "services", "get", billingID)
	require.NoError(t, err)

	var detail domain.ServiceDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	active, ok := detail.ActiveEnvironment()
	require.True(t, ok)
	assert.Equal(t, "slot-b", active.Label)
}

func TestSwitchResolvesServiceByName(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	_, err := h.run("", "switch", "billing", "slot-a", "--reason", "canary passed")
	require.NoError(t, err)

	body := h.api.body(t, "POST /api/services/"+billingID+"/switch")
	assert.Equal(t, "slot-a", body["toLabel"])
	assert.Equal(t, "canary passed", body["reason"])
}

func TestRegisterFromManifest(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	manifest := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`name: billing
healthEndpoint: /health
environments:
  - label: slot-a
    dockerImage: ghcr.io/acme/billing:1.4.0
    appPort: 8080
  - label: slot-b
    dockerImage: ghcr.io/acme/billing:1.4.0
    appPort: 8080
`), 0o644))

	_, err := h.run("", "register", "-f", manifest)
	require.NoError(t, err)

	var in registry.RegisterInput
	raw, _ := json.Marshal(h.api.body(t, "POST /api/services"))
	require.NoError(t, json.Unmarshal(raw, &in))
	assert.Equal(t, "billing", in.Name)
	require.Len(t, in.Environments, 2)
	assert.Equal(t, 8080, in.Environments[1].AppPort)
}

func TestRegisterRejectsUnknownManifestKeys(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	manifest := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("name: billing\nreplicas: 3\n"), 0o644))

	_, err := h.run("", "register", "-f", manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replicas")
}

func TestStartSurfacesAPIError(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	_, err := h.run("", "start", billingID, "slot-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment already running")
	assert.Contains(t, err.Error(), "precondition_failed")
}

func TestUnknownServiceName(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t)
	_, err := h.run("", "delete", "inventory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `service "inventory" not found`)
}

func TestInvalidOutputFlag(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "-o", "xml", "services", "list")
	require.Error(t, err)
}
