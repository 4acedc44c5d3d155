package session

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Decoder incrementally decodes a turn response stream into events.
//
// The wire framing is one JSON value, or one JSON array of values, per
// newline-terminated line. Network chunk boundaries do not align with
// line boundaries, so a carry-over buffer holds the trailing incomplete
// fragment between reads; events are only ever emitted from completed
// lines, in line order and in array order within a line.
type Decoder struct {
	r       io.Reader
	readBuf []byte
	carry   string
	pending []types.TurnEvent
	eof     bool
}

// NewDecoder creates a decoder that pulls from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       r,
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next decoded event. It returns io.EOF once the
// stream and any buffered residual are exhausted. A read failure on the
// underlying stream is returned as-is; malformed lines are logged and
// skipped, never surfaced.
func (d *Decoder) Next() (types.TurnEvent, error) {
	for len(d.pending) == 0 {
		if d.eof {
			return types.TurnEvent{}, io.EOF
		}
		if err := d.fill(); err != nil {
			return types.TurnEvent{}, err
		}
	}

	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

// fill performs one read, splits the accumulated text on newlines, and
// decodes every complete line. The final fragment stays in the carry
// buffer; at end of stream a non-empty residual is decoded as a last
// line.
func (d *Decoder) fill() error {
	n, err := d.r.Read(d.readBuf)
	if n > 0 {
		d.carry += string(d.readBuf[:n])
		lines := strings.Split(d.carry, "\n")
		d.carry = lines[len(lines)-1]
		for _, line := range lines[:len(lines)-1] {
			d.decodeLine(line)
		}
	}

	if err == io.EOF {
		d.eof = true
		if strings.TrimSpace(d.carry) != "" {
			d.decodeLine(d.carry)
		}
		d.carry = ""
		return nil
	}
	return err
}

// decodeLine parses one complete line as a JSON value or array of
// values and queues the resulting events.
func (d *Decoder) decodeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	trimmed := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(trimmed, "[") {
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(line), &elems); err != nil {
			logging.Warn().Err(err).Msg("skipping unparseable stream line")
			return
		}
		for _, elem := range elems {
			d.decodeValue(elem)
		}
		return
	}

	d.decodeValue(json.RawMessage(line))
}

// protoPart is one part of a protocol event's content.
type protoPart struct {
	Text         *string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response"`
	} `json:"functionResponse,omitempty"`
}

// protoEvent is one protocol event as sent by the agent backend.
type protoEvent struct {
	Content struct {
		Role  string      `json:"role"`
		Parts []protoPart `json:"parts"`
	} `json:"content"`
	Error string `json:"error,omitempty"`
}

// decodeValue converts one protocol event into zero or more turn
// events. Unparseable values are logged and skipped.
func (d *Decoder) decodeValue(raw json.RawMessage) {
	var ev protoEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		logging.Warn().Err(err).Msg("skipping unparseable stream event")
		return
	}

	if ev.Error != "" {
		d.pending = append(d.pending, types.TurnEvent{
			Type:    types.TurnError,
			Content: ev.Error,
		})
		return
	}

	switch ev.Content.Role {
	case "tool":
		for _, part := range ev.Content.Parts {
			if part.FunctionResponse == nil {
				continue
			}
			d.pending = append(d.pending, types.TurnEvent{
				Type:     types.TurnToolResult,
				Name:     part.FunctionResponse.Name,
				Content:  compactJSON(part.FunctionResponse.Response),
				Response: part.FunctionResponse.Response,
			})
		}
	case "model":
		for _, part := range ev.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				d.pending = append(d.pending, types.TurnEvent{
					Type: types.TurnToolCall,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			case part.Text != nil:
				d.pending = append(d.pending, types.TurnEvent{
					Type:    types.TurnFinalAnswer,
					Content: reformatToolReport(*part.Text),
				})
			}
		}
	}
}

// compactJSON renders raw JSON as a compact string for display.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// compactArgs renders tool call arguments as a compact JSON object.
func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}

// toolReportMarker recognizes final answers of the form
// "... the X tool reported: <results>".
const toolReportMarker = " tool reported:"

// reformatToolReport normalizes a tool-report answer into an intro
// sentence and a results block. Text without the marker passes through
// unchanged; this is presentation, not protocol.
func reformatToolReport(text string) string {
	idx := strings.Index(text, toolReportMarker)
	if idx < 0 {
		return text
	}

	intro := strings.TrimSpace(text[:idx+len(toolReportMarker)])
	results := strings.TrimSpace(text[idx+len(toolReportMarker):])
	if results == "" {
		return text
	}
	return intro + "\n\nHere are the results:\n" + results
}
