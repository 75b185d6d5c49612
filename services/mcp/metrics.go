package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "mcp",
		Name:      "calls_total",
		Help:      "Tool calls issued to the MCP server.",
	})

	reinitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "mcp",
		Name:      "handshakes_total",
		Help:      "Initialize handshakes performed, including recoveries.",
	})

	errorPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "mcp",
		Name:      "error_payloads_total",
		Help:      "JSON-RPC error objects received from the MCP server.",
	})
)
