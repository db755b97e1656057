package domain

import "encoding/json"

// DeliverRequest is the JSON body accepted by the delivery endpoint.
type DeliverRequest struct {
	UserID    string          `json:"userId"`
	Source    string          `json:"source,omitempty"`
	Target    string          `json:"target,omitempty"`
	Targets   []string        `json:"targets,omitempty"`
	Route     string          `json:"route,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Await     bool            `json:"await,omitempty"`
	TimeoutMS int             `json:"timeoutMs,omitempty"`
}

// ErrorResponse is the JSON body returned for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
