package types

// RequestInfo captures the outbound half of an audited exchange.
type RequestInfo struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ResponseInfo captures the inbound half of an audited exchange.
// A network-level failure with no response is recorded with Status 0.
type ResponseInfo struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Body       string `json:"body"`
}

// RequestRecord is one logical request/response exchange in a session's
// audit trail. The trail is append-only and ordered.
type RequestRecord struct {
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Request   RequestInfo  `json:"request"`
	Response  ResponseInfo `json:"response"`
}
