// Package upstream opens provider streams and turns their chunks into
// lifecycle events while reconstructing the full response.
package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
	"github.com/nulpointcorp/llm-costproxy/internal/routing"
)

// ErrDisconnected reports an upstream stream that ended before completing.
// Providers wrap it when the body ends without a terminal event.
var ErrDisconnected = providers.ErrTruncated

// Result is a fully received upstream response.
type Result struct {
	Route      string
	Model      string
	Completion providers.Completion
	Duration   time.Duration
}

type Streamer struct {
	source ProviderSource
}

func NewStreamer(source ProviderSource) *Streamer {
	return &Streamer{source: source}
}

// Open prepares a stream of req against route. Nothing is sent upstream
// until the first call to Next. The caller must Close the stream.
//
// When the route names its own credential the client's key is not
// forwarded.
func (s *Streamer) Open(ctx context.Context, route routing.Route, req *providers.Request) *Stream {
	r := *req
	if route.CredentialRef != "" {
		r.APIKey = ""
	}
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return &Stream{
		ctx:    ctx,
		cancel: cancel,
		source: s.source,
		route:  route,
		req:    &r,
		start:  time.Now(),
	}
}

// Stream is a lazy, finite, non-restartable sequence of events. The last
// event is either Completed or Error; after it Next returns false.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	source ProviderSource
	route  routing.Route
	req    *providers.Request
	start  time.Time

	ch      <-chan providers.Chunk
	opened  bool
	started bool
	done    bool
	pending *events.Event

	cur    events.Event
	err    error
	result *Result

	text       strings.Builder
	completion providers.Completion
}

// Next advances to the next event.
func (s *Stream) Next() bool {
	if s.pending != nil {
		s.cur, s.pending = *s.pending, nil
		return true
	}
	if s.done {
		return false
	}
	if !s.opened {
		s.opened = true
		p, err := s.source.For(s.ctx, s.route)
		if err != nil {
			return s.fail(err)
		}
		ch, err := p.Stream(s.ctx, s.req)
		if err != nil {
			return s.fail(err)
		}
		s.ch = ch
	}

	for {
		var c providers.Chunk
		var ok bool
		select {
		case c, ok = <-s.ch:
		case <-s.ctx.Done():
			return s.fail(s.ctx.Err())
		}
		if !ok {
			return s.fail(ErrDisconnected)
		}

		switch c.Type {
		case providers.ChunkStart:
			if c.ID != "" {
				s.completion.ID = c.ID
			}
			if c.Model != "" {
				s.completion.Model = c.Model
			}
			mergeUsage(&s.completion.Usage, c.Usage)
			if !s.started {
				return s.emitStarted()
			}

		case providers.ChunkText:
			if c.Text == "" {
				continue
			}
			s.text.WriteString(c.Text)
			delta := events.TextDelta(s.req.RequestID, c.Text)
			if !s.started {
				s.pending = &delta
				return s.emitStarted()
			}
			s.cur = delta
			return true

		case providers.ChunkUsage:
			mergeUsage(&s.completion.Usage, c.Usage)
			if c.StopReason != "" {
				s.completion.StopReason = c.StopReason
			}

		case providers.ChunkDone:
			s.finish()
			if !s.started {
				done := s.cur
				s.pending = &done
				return s.emitStarted()
			}
			return true

		case providers.ChunkError:
			err := c.Err
			if err == nil {
				err = ErrDisconnected
			}
			return s.fail(err)
		}
	}
}

func (s *Stream) emitStarted() bool {
	s.started = true
	s.cur = events.Started(s.req.RequestID, s.req.Model, "")
	return true
}

func (s *Stream) finish() {
	s.done = true
	s.cancel()

	c := s.completion
	c.Text = s.text.String()
	if c.ID == "" {
		c.ID = "msg_" + s.req.RequestID
	}
	if c.Model == "" {
		c.Model = s.req.Model
	}
	if c.StopReason == "" {
		c.StopReason = "end_turn"
	}
	if c.Usage.OutputTokens == 0 {
		c.Usage.OutputTokens = providers.EstimateTokens(c.Text)
	}

	s.result = &Result{
		Route:      s.route.Name,
		Model:      s.req.Model,
		Completion: c,
		Duration:   time.Since(s.start),
	}
	s.cur = events.Completed(s.req.RequestID, s.req.Model,
		int64(c.Usage.InputTokens), int64(c.Usage.OutputTokens), 0, false)
}

func (s *Stream) fail(err error) bool {
	s.done = true
	s.err = err
	s.cancel()
	s.cur = events.Failed(s.req.RequestID, err.Error())
	s.cur.Model = s.req.Model
	return true
}

// Event returns the event produced by the last call to Next.
func (s *Stream) Event() events.Event { return s.cur }

// Err returns the terminal failure, if any.
func (s *Stream) Err() error { return s.err }

// Result returns the reconstructed response. It is nil unless the stream
// completed.
func (s *Stream) Result() *Result { return s.result }

// Started reports whether the upstream produced any output.
func (s *Stream) Started() bool { return s.started }

// Close releases the upstream connection. It is safe to call at any time.
func (s *Stream) Close() {
	s.cancel()
	if s.ch == nil {
		return
	}
	// Drain so the provider goroutine can exit.
	go func(ch <-chan providers.Chunk) {
		for range ch {
		}
	}(s.ch)
	s.ch = nil
}

// mergeUsage overwrites dst fields with the non-zero fields of src.
// Providers report input usage at start and output usage at the end.
func mergeUsage(dst *providers.Usage, src providers.Usage) {
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.CacheReadTokens > 0 {
		dst.CacheReadTokens = src.CacheReadTokens
	}
	if src.CacheWriteTokens > 0 {
		dst.CacheWriteTokens = src.CacheWriteTokens
	}
}
