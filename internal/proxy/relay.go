package proxy

import (
	"bufio"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/messages"
	"github.com/nulpointcorp/llm-costproxy/internal/upstream"
	"github.com/nulpointcorp/llm-costproxy/pkg/apierr"
)

// relay turns a leader's upstream events into Messages API stream frames.
//
// ready is closed once the response can be committed: at the first text
// delta, or when the flight ends. Before that, failed attempts stay hidden
// so a fallback can take over and a total failure can still be reported
// with a status code. Once text has been sent, a failed attempt ends the
// client stream with an error frame; the flight itself carries on for its
// followers.
//
// All methods except the reads after ready are called from the flight
// goroutine.
type relay struct {
	id   string
	gone <-chan struct{}

	out       chan messages.Event
	ready     chan struct{}
	readyOnce sync.Once
	outOnce   sync.Once

	// Valid to read once ready is closed.
	started bool
	model   string
	err     error

	attemptModel string
	broken       bool
}

func newRelay(requestID, model string, leaderGone <-chan struct{}) *relay {
	return &relay{
		id:           "msg_" + requestID,
		gone:         leaderGone,
		out:          make(chan messages.Event, relayBuffer),
		ready:        make(chan struct{}),
		attemptModel: model,
	}
}

func (r *relay) observe(e events.Event) {
	if r.broken {
		return
	}
	switch e.Type {
	case events.TypeStarted:
		if e.Model != "" {
			r.attemptModel = e.Model
		}
	case events.TypeTextDelta:
		if !r.started {
			r.begin(r.attemptModel)
		}
		r.send(messages.TextDelta(e.Text))
	case events.TypeError:
		if r.started {
			r.send(messages.Error(apierr.TypeAPI, e.Message))
			r.stop()
		}
	}
}

// finish ends the stream with the flight's outcome.
func (r *relay) finish(res *upstream.Result, err error) {
	defer r.stop()
	if r.broken {
		return
	}
	if err != nil {
		if !r.started {
			r.err = err
			r.markReady()
			return
		}
		_, errType := apierr.Classify(err)
		r.send(messages.Error(errType, err.Error()))
		return
	}
	if !r.started {
		r.begin(res.Model)
	}
	c := res.Completion
	r.send(
		messages.ContentBlockStop(),
		messages.MessageDelta(c.StopReason, c.Usage.OutputTokens),
		messages.MessageStop(),
	)
}

func (r *relay) begin(model string) {
	r.started = true
	r.model = model
	r.markReady()
	r.send(
		messages.MessageStart(r.id, model, messages.Usage{}),
		messages.ContentBlockStart(),
		messages.Ping(),
	)
}

func (r *relay) send(evs ...messages.Event) {
	for _, ev := range evs {
		if r.broken {
			return
		}
		select {
		case r.out <- ev:
		case <-r.gone:
			r.broken = true
		}
	}
}

func (r *relay) markReady() { r.readyOnce.Do(func() { close(r.ready) }) }

func (r *relay) stop() {
	r.broken = true
	r.markReady()
	r.outOnce.Do(func() { close(r.out) })
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
}

// startSSE commits an event stream. fn runs on its own goroutine and must
// not touch ctx.
func startSSE(ctx *fasthttp.RequestCtx, fn func(w *bufio.Writer)) {
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(fn)
}
