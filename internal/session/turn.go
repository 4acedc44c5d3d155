package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// errNoFinalAnswer marks a stream that ended before yielding an answer.
var errNoFinalAnswer = errors.New("turn stream ended without a final answer")

// Turn is the event stream of one in-flight turn. Events are pulled
// with Recv; each pulled event has already been folded into the
// session's history, so the caller only renders. A turn is finite and
// not restartable: after the final answer (or a failure) Recv returns
// io.EOF (or the failure) forever.
type Turn struct {
	s      *Session
	cancel context.CancelFunc

	// Streaming turns decode from the response body; the tee capture
	// accumulates the complete body for the audit record.
	dec     *Decoder
	body    io.ReadCloser
	tee     io.Reader
	capture *bytes.Buffer

	// Non-streaming turns serve pre-decoded events.
	queued []types.TurnEvent

	reqInfo    types.RequestInfo
	respStatus int
	respText   string
	// respBody holds the full body for non-streaming turns.
	respBody string

	finished bool
	err      error
}

// newStreamingTurn wraps an open response body in a decoding turn.
func newStreamingTurn(s *Session, reqInfo types.RequestInfo, resp *http.Response) *Turn {
	capture := &bytes.Buffer{}
	tee := io.TeeReader(resp.Body, capture)
	return &Turn{
		s:          s,
		dec:        NewDecoder(tee),
		body:       resp.Body,
		tee:        tee,
		capture:    capture,
		reqInfo:    reqInfo,
		respStatus: resp.StatusCode,
		respText:   http.StatusText(resp.StatusCode),
	}
}

// newBufferedTurn serves events decoded from an already-read response.
func newBufferedTurn(s *Session, reqInfo types.RequestInfo, resp *http.Response, body string, events []types.TurnEvent) *Turn {
	return &Turn{
		s:          s,
		queued:     events,
		reqInfo:    reqInfo,
		respStatus: resp.StatusCode,
		respText:   http.StatusText(resp.StatusCode),
		respBody:   body,
	}
}

// Recv returns the next turn event. io.EOF signals normal completion
// after exactly one final answer; any other error is the turn's
// failure, already reflected in history and the audit trail.
func (t *Turn) Recv() (types.TurnEvent, error) {
	if t.finished {
		if t.err != nil {
			return types.TurnEvent{}, t.err
		}
		return types.TurnEvent{}, io.EOF
	}

	if t.dec == nil {
		return t.recvBuffered()
	}
	return t.recvStream()
}

func (t *Turn) recvBuffered() (types.TurnEvent, error) {
	if len(t.queued) == 0 {
		t.fail(errNoFinalAnswer)
		return types.TurnEvent{}, t.err
	}

	ev := t.queued[0]
	t.queued = t.queued[1:]
	t.s.applyEvent(ev)

	if ev.Type == types.TurnFinalAnswer {
		t.finishSuccess()
	}
	return ev, nil
}

func (t *Turn) recvStream() (types.TurnEvent, error) {
	ev, err := t.dec.Next()
	if err == io.EOF {
		t.fail(errNoFinalAnswer)
		return types.TurnEvent{}, t.err
	}
	if err != nil {
		t.fail(err)
		return types.TurnEvent{}, t.err
	}

	t.s.applyEvent(ev)

	if ev.Type == types.TurnFinalAnswer {
		// Drain the remainder so the audit record holds the complete
		// body; anything after the final answer is not decoded.
		io.Copy(io.Discard, t.tee) //nolint:errcheck
		t.finishSuccess()
	}
	return ev, nil
}

// finishSuccess records the coherent exchange and releases the turn.
func (t *Turn) finishSuccess() {
	t.s.audit.Record(t.reqInfo, types.ResponseInfo{
		Status:     t.respStatus,
		StatusText: t.respText,
		Body:       t.responseBody(),
	})
	t.close(nil)
}

// fail appends the model-role error message, records the exchange as it
// stood, and releases the turn. The error is surfaced on this and every
// subsequent Recv.
func (t *Turn) fail(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = types.NewHTTPError(http.StatusRequestTimeout, "turn timed out")
	}

	t.s.appendTurnError(err)
	t.s.audit.Record(t.reqInfo, types.ResponseInfo{
		Status:     t.respStatus,
		StatusText: t.respText,
		Body:       t.responseBody(),
	})
	t.close(err)
}

func (t *Turn) responseBody() string {
	if t.capture != nil {
		return t.capture.String()
	}
	return t.respBody
}

func (t *Turn) close(err error) {
	t.finished = true
	t.err = err
	if t.body != nil {
		t.body.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.s.releaseTurn()
}
