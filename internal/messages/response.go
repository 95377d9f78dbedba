package messages

import (
	"encoding/json"
	"io"
)

// Response is the non-streaming Messages API response.
type Response struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Model        string  `json:"model"`
	Content      []Block `json:"content"`
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// NewResponse builds a single-text-block response.
func NewResponse(id, model, text, stopReason string, u Usage) Response {
	return Response{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []Block{{Type: "text", Text: text}},
		StopReason: stopReason,
		Usage:      u,
	}
}

// SSE event names, in the order a well-formed stream emits them.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventPing              = "ping"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// WriteTo writes e in text/event-stream framing.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, part := range [][]byte{[]byte("event: "), []byte(e.Name), []byte("\ndata: "), e.Data, []byte("\n\n")} {
		m, err := w.Write(part)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func event(name string, v any) Event {
	data, _ := json.Marshal(v)
	return Event{Name: name, Data: data}
}

// MessageStart opens a stream. Output tokens are reported as zero here and
// finalized by MessageDelta.
func MessageStart(id, model string, u Usage) Event {
	u.OutputTokens = 0
	msg := Response{ID: id, Type: "message", Role: "assistant", Model: model, Content: []Block{}, Usage: u}
	return event(EventMessageStart, struct {
		Type    string   `json:"type"`
		Message Response `json:"message"`
	}{EventMessageStart, msg})
}

func ContentBlockStart() Event {
	return event(EventContentBlockStart, map[string]any{
		"type":          EventContentBlockStart,
		"index":         0,
		"content_block": Block{Type: "text", Text: ""},
	})
}

func Ping() Event {
	return event(EventPing, map[string]string{"type": EventPing})
}

func TextDelta(text string) Event {
	return event(EventContentBlockDelta, map[string]any{
		"type":  EventContentBlockDelta,
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

func ContentBlockStop() Event {
	return event(EventContentBlockStop, map[string]any{"type": EventContentBlockStop, "index": 0})
}

func MessageDelta(stopReason string, outputTokens int) Event {
	return event(EventMessageDelta, map[string]any{
		"type":  EventMessageDelta,
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outputTokens},
	})
}

func MessageStop() Event {
	return event(EventMessageStop, map[string]string{"type": EventMessageStop})
}

func Error(errType, message string) Event {
	return event(EventError, map[string]any{
		"type":  EventError,
		"error": map[string]string{"type": errType, "message": message},
	})
}

// Replay renders a completed response as a full event stream, used for
// cache hits and coalesced followers.
func Replay(r Response) []Event {
	var text string
	if len(r.Content) > 0 {
		text = r.Content[0].Text
	}
	evs := []Event{
		MessageStart(r.ID, r.Model, r.Usage),
		ContentBlockStart(),
		Ping(),
	}
	if text != "" {
		evs = append(evs, TextDelta(text))
	}
	return append(evs,
		ContentBlockStop(),
		MessageDelta(r.StopReason, r.Usage.OutputTokens),
		MessageStop(),
	)
}
