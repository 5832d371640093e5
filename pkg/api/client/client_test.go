package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/service/registry"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("localhost:4201/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.BaseURL() != "http://localhost:4201" {
		t.Fatalf("unexpected base %q", c.BaseURL())
	}
	c, _ = New("")
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("expected default base, got %q", c.BaseURL())
	}
}

func TestSwitchSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/services/svc-1/switch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tkn" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["toLabel"] != "slot-a" || body["reason"] != "canary ok" {
			t.Errorf("unexpected body %v", body)
		}
		fmt.Fprint(w, `{"id":"svc-1","name":"billing","environments":[{"label":"slot-a","isActive":true}]}`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("tkn"))
	detail, err := c.Switch(context.Background(), registry.SwitchInput{ServiceID: "svc-1", ToLabel: "slot-a", Reason: "canary ok"})
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	active, ok := detail.ActiveEnvironment()
	if !ok || active.Label != "slot-a" {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestAPIErrorCarriesKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"target environment not running","kind":"precondition_failed"}`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.StartEnvironment(context.Background(), "svc-1", "slot-a")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Kind != "precondition_failed" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("serviceId") != "svc-1" {
			t.Errorf("missing service filter: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, `data: {"type":"service.switched","serviceId":"svc-1","payload":{"toLabel":"slot-a"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"service.updated","serviceId":"svc-1","payload":{}}`+"\n\n")
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var got []events.Type
	err := c.StreamEvents(context.Background(), "svc-1", func(evt events.Event) error {
		got = append(got, evt.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 || got[0] != events.ServiceSwitched || got[1] != events.ServiceUpdated {
		t.Fatalf("unexpected events %v", got)
	}
}
