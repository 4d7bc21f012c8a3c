// Package metrics keeps in-process counters for the node controller and
// renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type pluginKey struct {
	plugin string
}

type commandKey struct {
	action  string
	outcome string
}

type collector struct {
	mu             sync.Mutex
	restarts       map[pluginKey]uint64
	crashes        map[pluginKey]uint64
	eventDrops     map[pluginKey]uint64
	relayDrops     map[pluginKey]uint64
	relayEnqueued  map[pluginKey]uint64
	commands       map[commandKey]uint64
	transportRetry uint64
	transportFail  uint64
	transportSent  uint64
}

var nodeCollector = &collector{
	restarts:      make(map[pluginKey]uint64),
	crashes:       make(map[pluginKey]uint64),
	eventDrops:    make(map[pluginKey]uint64),
	relayDrops:    make(map[pluginKey]uint64),
	relayEnqueued: make(map[pluginKey]uint64),
	commands:      make(map[commandKey]uint64),
}

// IncPluginRestart counts a scheduled restart for a plugin.
func IncPluginRestart(plugin string) {
	nodeCollector.inc(nodeCollector.restarts, plugin)
}

// IncPluginCrash counts an abnormal exit for a plugin.
func IncPluginCrash(plugin string) {
	nodeCollector.inc(nodeCollector.crashes, plugin)
}

// IncEventDrop counts a lifecycle event discarded because the consumer
// fell behind.
func IncEventDrop(plugin string) {
	nodeCollector.inc(nodeCollector.eventDrops, plugin)
}

// IncRelayDrop counts a message dropped by relay backpressure.
func IncRelayDrop(plugin string) {
	nodeCollector.inc(nodeCollector.relayDrops, plugin)
}

// IncRelayEnqueued counts a message accepted by the relay.
func IncRelayEnqueued(plugin string) {
	nodeCollector.inc(nodeCollector.relayEnqueued, plugin)
}

// IncTransportRetry counts one upstream publish retry.
func IncTransportRetry() {
	nodeCollector.mu.Lock()
	nodeCollector.transportRetry++
	nodeCollector.mu.Unlock()
}

// IncTransportFailure counts one exhausted upstream publish.
func IncTransportFailure() {
	nodeCollector.mu.Lock()
	nodeCollector.transportFail++
	nodeCollector.mu.Unlock()
}

// IncTransportSent counts one acknowledged upstream publish.
func IncTransportSent() {
	nodeCollector.mu.Lock()
	nodeCollector.transportSent++
	nodeCollector.mu.Unlock()
}

// ObserveCommand counts an external command by action and outcome.
func ObserveCommand(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	nodeCollector.mu.Lock()
	nodeCollector.commands[commandKey{action: action, outcome: outcome}]++
	nodeCollector.mu.Unlock()
}

func (c *collector) inc(m map[pluginKey]uint64, plugin string) {
	c.mu.Lock()
	m[pluginKey{plugin: plugin}]++
	c.mu.Unlock()
}

// Handler exposes the collected metrics over HTTP.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, nodeCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	writePluginCounter(&builder, "nodectl_plugin_restarts_total",
		"Total restarts scheduled per plugin.", c.restarts)
	writePluginCounter(&builder, "nodectl_plugin_crashes_total",
		"Total abnormal exits per plugin.", c.crashes)
	writePluginCounter(&builder, "nodectl_lifecycle_events_dropped_total",
		"Total lifecycle events discarded because the consumer fell behind.", c.eventDrops)
	writePluginCounter(&builder, "nodectl_relay_dropped_total",
		"Total relay messages dropped by backpressure per plugin.", c.relayDrops)
	writePluginCounter(&builder, "nodectl_relay_enqueued_total",
		"Total relay messages accepted per plugin.", c.relayEnqueued)

	builder.WriteString("# HELP nodectl_commands_total External commands processed by action and outcome.\n")
	builder.WriteString("# TYPE nodectl_commands_total counter\n")
	cmds := make([]commandKey, 0, len(c.commands))
	for key := range c.commands {
		cmds = append(cmds, key)
	}
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].action == cmds[j].action {
			return cmds[i].outcome < cmds[j].outcome
		}
		return cmds[i].action < cmds[j].action
	})
	for _, key := range cmds {
		builder.WriteString(fmt.Sprintf("nodectl_commands_total{action=%s,outcome=%s} %d\n",
			quote(key.action), quote(key.outcome), c.commands[key]))
	}

	builder.WriteString("# HELP nodectl_transport_retries_total Upstream publish retries.\n")
	builder.WriteString("# TYPE nodectl_transport_retries_total counter\n")
	builder.WriteString(fmt.Sprintf("nodectl_transport_retries_total %d\n", c.transportRetry))
	builder.WriteString("# HELP nodectl_transport_failures_total Upstream publishes abandoned after the retry ceiling.\n")
	builder.WriteString("# TYPE nodectl_transport_failures_total counter\n")
	builder.WriteString(fmt.Sprintf("nodectl_transport_failures_total %d\n", c.transportFail))
	builder.WriteString("# HELP nodectl_transport_sent_total Upstream publishes acknowledged by the transport.\n")
	builder.WriteString("# TYPE nodectl_transport_sent_total counter\n")
	builder.WriteString(fmt.Sprintf("nodectl_transport_sent_total %d\n", c.transportSent))

	return builder.String()
}

func writePluginCounter(builder *strings.Builder, name, help string, values map[pluginKey]uint64) {
	builder.WriteString("# HELP " + name + " " + help + "\n")
	builder.WriteString("# TYPE " + name + " counter\n")
	keys := make([]pluginKey, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].plugin < keys[j].plugin })
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{plugin=%s} %d\n", name, quote(key.plugin), values[key]))
	}
}

func quote(value string) string {
	return strconv.Quote(value)
}
