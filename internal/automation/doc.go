// Package automation integrates with the upstream workflow engine that
// generates automated replies. The gateway never calls LLMs directly; it
// forwards messages and lifecycle events to the bridge as JSON webhooks
// and receives generated replies back over the HTTP API.
package automation
