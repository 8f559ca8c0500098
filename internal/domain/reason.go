package domain

import "encoding/json"

// NoReasonGiven is the sentinel recorded when a rejection or termination
// carries no reason.
const NoReasonGiven = "not specified"

// Reason is an optional machine-readable explanation attached to
// proposal rejections and agreement terminations. Only Message is
// required; Extra carries free-form key/value codes.
type Reason struct {
	Message string            `json:"message"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// ReasonString stringifies an optional reason for persistence. A nil
// reason yields the NoReasonGiven sentinel; a reason that cannot be
// serialized falls back to its message.
func ReasonString(r *Reason) string {
	if r == nil {
		return NoReasonGiven
	}
	b, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(b)
}
