// Package gateway is the transport layer of support-gateway.
//
// It exposes the REST API consumed by the automation bridge, the web chat
// widget, and operator consoles, plus the websocket endpoints that carry
// real-time envelopes. All session policy lives in the coordinator; the
// gateway translates HTTP and websocket traffic into coordinator calls and
// maps typed errors back to statuses.
package gateway
