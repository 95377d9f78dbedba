// Package events fans out request lifecycle notifications to internal
// observers.
package events

import "time"

// Type tags an Event.
type Type string

const (
	TypeStarted   Type = "started"
	TypeTextDelta Type = "text_delta"
	TypeCompleted Type = "completed"
	TypeError     Type = "error"
)

// Event is one lifecycle notification. Which fields are set depends on Type:
//
//	started:    RequestID, Model, Caller
//	text_delta: RequestID, Text
//	completed:  RequestID, Model, InputTokens, OutputTokens, Cost, CacheHit
//	error:      RequestID, Message; Model and Retrying for a failed attempt
//	            that is followed by another one
type Event struct {
	Type      Type      `json:"type"`
	RequestID string    `json:"request_id"`
	Model     string    `json:"model,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`

	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	CacheHit     bool    `json:"cache_hit,omitempty"`

	Retrying bool `json:"retrying,omitempty"`
}

func Started(requestID, model, caller string) Event {
	return Event{Type: TypeStarted, RequestID: requestID, Model: model, Caller: caller, Time: time.Now()}
}

func TextDelta(requestID, text string) Event {
	return Event{Type: TypeTextDelta, RequestID: requestID, Text: text, Time: time.Now()}
}

func Completed(requestID, model string, inputTokens, outputTokens int64, cost float64, cacheHit bool) Event {
	return Event{
		Type:         TypeCompleted,
		RequestID:    requestID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		CacheHit:     cacheHit,
		Time:         time.Now(),
	}
}

func Failed(requestID, message string) Event {
	return Event{Type: TypeError, RequestID: requestID, Message: message, Time: time.Now()}
}

// AttemptFailed reports an upstream attempt on model that failed before the
// request moved on to its next candidate. It is not terminal.
func AttemptFailed(requestID, model, message string) Event {
	return Event{Type: TypeError, RequestID: requestID, Model: model, Message: message, Retrying: true, Time: time.Now()}
}

// Terminal reports whether e ends a request's event sequence.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || (e.Type == TypeError && !e.Retrying)
}
