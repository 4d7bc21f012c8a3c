package nodectl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(NodeStatus{
			Condition: "healthy",
			Plugins: []PluginStatus{{
				Name:    "env-sensor",
				Enabled: true,
				Instance: &PluginInstance{
					ID:     "inst-1",
					Plugin: "env-sensor",
					State:  "running",
					PID:    4242,
				},
			}},
			GeneratedAt: time.Now().UTC(),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Condition != "healthy" {
		t.Fatalf("condition = %s", status.Condition)
	}
	if len(status.Plugins) != 1 || status.Plugins[0].Instance.PID != 4242 {
		t.Fatalf("plugins = %+v", status.Plugins)
	}
}

func TestSendCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/plugins/env-sensor/commands" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Action != "restart" || req.GraceSeconds != 15 {
			t.Fatalf("request = %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(CommandAck{
			Plugin: "env-sensor",
			Action: "restart",
			Reason: "restart initiated",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	ack, err := client.SendCommand(context.Background(), "env-sensor",
		CommandRequest{Action: "restart", GraceSeconds: 15})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if ack.Reason != "restart initiated" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestEventsPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Fatalf("limit = %q", r.URL.Query().Get("limit"))
		}
		_ = json.NewEncoder(w).Encode([]Event{{Kind: "lifecycle", Event: "started"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	events, err := client.Events(context.Background(), 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Event != "started" {
		t.Fatalf("events = %+v", events)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "NOT_FOUND", Message: "unknown plugin ghost"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.SendCommand(context.Background(), "ghost", CommandRequest{Action: "start"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}
