package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"NodeController/sdk/go/nodectl"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(nodectl.NodeStatus{
			Condition: "healthy",
			Plugins: []nodectl.PluginStatus{{
				Name:    "env-sensor",
				Enabled: true,
				Instance: &nodectl.PluginInstance{
					ID:     "demo-instance",
					Plugin: "env-sensor",
					State:  "running",
					PID:    4242,
				},
			}},
			GeneratedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("/api/v1/plugins/env-sensor/commands", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(nodectl.CommandAck{
			Plugin: "env-sensor",
			Action: "restart",
			Reason: "restart initiated",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := nodectl.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("node is %s with %d plugin(s)\n", status.Condition, len(status.Plugins))

	ack, err := client.SendCommand(ctx, "env-sensor", nodectl.CommandRequest{Action: "restart", GraceSeconds: 10})
	if err != nil {
		panic(err)
	}
	fmt.Printf("command acknowledged: %s\n", ack.Reason)
}
