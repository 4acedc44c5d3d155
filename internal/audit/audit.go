// Package audit records the raw request/response exchanges of a session.
//
// Every turn and session-creation call appends exactly one record, even
// when the call fails: protocol failures keep the server's status code,
// and transport failures are recorded synthetically with status 0 so the
// trail always explains what happened.
package audit

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Recorder keeps the ordered, append-only audit trail for one session.
type Recorder struct {
	mu      sync.Mutex
	records []types.RequestRecord
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one completed exchange.
func (r *Recorder) Record(req types.RequestInfo, resp types.ResponseInfo) {
	r.append(req, resp)
}

// RecordError appends a record for a failed exchange. An HTTPError keeps
// its status code; a transport failure with no response records status 0.
func (r *Recorder) RecordError(req types.RequestInfo, err error) {
	status := 0
	var httpErr *types.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Status
	}

	r.append(req, types.ResponseInfo{
		Status:     status,
		StatusText: "Error",
		Body:       err.Error(),
	})
}

func (r *Recorder) append(req types.RequestInfo, resp types.ResponseInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, types.RequestRecord{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Request:   req,
		Response:  resp,
	})
}

// Records returns a snapshot of the trail in append order.
func (r *Recorder) Records() []types.RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.RequestRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of recorded exchanges.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
