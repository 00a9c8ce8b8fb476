package events

import "time"

// RenderEvent records the outcome of one coordinator decision: a cache hit,
// a background refresh, a blocking render, or an error. One is emitted per
// HTTP front request that reaches the render coordinator.
type RenderEvent struct {
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Site       string `json:"site"`
	Path       string `json:"path"`
	DeviceType string `json:"device_type"`
	Type       string `json:"type"`

	// Source is the freshness tier that produced the response: fresh,
	// stale-revalidating, updated, updating, or error.
	Source     string `json:"source"`
	StatusCode int    `json:"status_code"`

	ServeTime  float64 `json:"serve_time"`            // seconds, end to end
	RenderTime float64 `json:"render_time,omitempty"` // seconds, worker-reported

	CacheAge int `json:"cache_age,omitempty"` // seconds since renderedAt

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	InstanceID string    `json:"instance_id"`
}
