package daemon

import "encoding/json"

// DataResponse is the envelope for every successful JSON response.
type DataResponse struct {
	Data any `json:"data"`
}

// ErrorResponse is the envelope for every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned by GET /v1/status. Detail holds the role's own
// status: p2pnet.Status for a node, rendezvous.Status for the server.
type StatusResponse struct {
	Role          string `json:"role"`
	Version       string `json:"version"`
	UptimeSeconds int    `json:"uptime_seconds"`
	Healthy       bool   `json:"healthy"`
	HealthError   string `json:"health_error,omitempty"`
	Detail        any    `json:"detail"`
}

// RawStatus is StatusResponse as seen by a client that decodes Detail
// itself once it knows the role.
type RawStatus struct {
	Role          string          `json:"role"`
	Version       string          `json:"version"`
	UptimeSeconds int             `json:"uptime_seconds"`
	Healthy       bool            `json:"healthy"`
	HealthError   string          `json:"health_error,omitempty"`
	Detail        json.RawMessage `json:"detail"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
