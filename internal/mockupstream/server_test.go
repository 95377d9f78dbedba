package mockupstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestAnthropic_StreamScript(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.AnthropicHandler())
	defer srv.Close()

	s.Enqueue(Script{Text: "hello there", Usage: Usage{Input: 7, Output: 2, CacheRead: 3}})

	status, body := post(t, srv.URL+"/v1/messages", `{"model":"claude-sonnet-4","stream":true}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, want := range []string{
		"event: message_start",
		`"cache_read_input_tokens":3`,
		`"text":"hello "`,
		`"text":"there"`,
		`"output_tokens":2`,
		"event: message_stop",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q", want)
		}
	}
	if s.Calls() != 1 || s.CallsFor("claude-sonnet-4") != 1 {
		t.Fatalf("calls = %d", s.Calls())
	}
}

func TestAnthropic_ErrorAndModelRule(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.AnthropicHandler())
	defer srv.Close()

	s.On("claude-opus-4", Script{Status: http.StatusServiceUnavailable, ErrorType: "overloaded_error"})

	for i := 0; i < 2; i++ {
		status, body := post(t, srv.URL+"/v1/messages", `{"model":"claude-opus-4","stream":true}`)
		if status != http.StatusServiceUnavailable || !strings.Contains(body, "overloaded_error") {
			t.Fatalf("status=%d body=%s", status, body)
		}
	}
	status, _ := post(t, srv.URL+"/v1/messages", `{"model":"claude-haiku-4","stream":true}`)
	if status != http.StatusOK {
		t.Fatalf("default script status = %d", status)
	}
}

func TestAnthropic_Disconnect(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.AnthropicHandler())
	defer srv.Close()

	s.Enqueue(Script{Text: "one two three four", DisconnectAfter: 2})
	_, body := post(t, srv.URL+"/v1/messages", `{"model":"m","stream":true}`)
	if strings.Contains(body, "message_stop") || strings.Contains(body, "three") {
		t.Fatalf("stream should stop after two deltas: %s", body)
	}
}

func TestAnthropic_RecordsKey(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.AnthropicHandler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("x-api-key", "sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := s.Received()
	if len(got) != 1 || got[0].APIKey != "sk-test" || got[0].Stream {
		t.Fatalf("received = %+v", got)
	}
}

func TestOpenAI_StreamWithUsage(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.OpenAIHandler())
	defer srv.Close()

	s.Enqueue(Script{Text: "hi", Usage: Usage{Input: 4, Output: 1}})
	_, body := post(t, srv.URL+"/v1/chat/completions",
		`{"model":"llama3","stream":true,"stream_options":{"include_usage":true}}`)

	for _, want := range []string{`"content":"hi"`, `"finish_reason":"stop"`, `"completion_tokens":1`, "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q", want)
		}
	}
}

func TestDefaultScriptErrorRate(t *testing.T) {
	s := New(Config{ErrorRate: 1})
	srv := httptest.NewServer(s.AnthropicHandler())
	defer srv.Close()

	status, _ := post(t, srv.URL+"/v1/messages", `{"model":"m","stream":true}`)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
}
