package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// nativeDriver speaks the management API's turn protocol: no session
// handshake, one POST per turn to a fixed endpoint. Files travel over
// the upload side-channel and are referenced by filename in the turn
// request.
type nativeDriver struct {
	baseURL string
}

// nativeTurnRequest is the run_turn request payload.
type nativeTurnRequest struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt"`
	Filename  string `json:"filename,omitempty"`
}

// nativeTurnResponse is the non-streaming run_turn response payload.
type nativeTurnResponse struct {
	Response string            `json:"response"`
	Events   []json.RawMessage `json:"events,omitempty"`
}

func (d *nativeDriver) create(ctx context.Context, s *Session) error {
	// Native sessions have no creation handshake.
	return nil
}

func (d *nativeDriver) runTurn(ctx context.Context, s *Session, prompt string, file *Attachment) (*Turn, error) {
	payload := nativeTurnRequest{AgentName: s.agent.ID, Prompt: prompt}

	if file != nil {
		filename, err := d.upload(ctx, s, file)
		if err != nil {
			s.appendTurnError(err)
			return nil, err
		}
		payload.Filename = filename
	}

	url := d.baseURL + "/run_turn"
	resp, reqInfo, err := postJSON(ctx, s.client, url, payload)
	if err != nil {
		err = fmt.Errorf("failed to run turn: %w", err)
		s.appendTurnError(err)
		s.audit.RecordError(reqInfo, err)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := readBody(resp)
		s.audit.Record(reqInfo, types.ResponseInfo{
			Status:     resp.StatusCode,
			StatusText: resp.Status,
			Body:       body,
		})
		httpErr := types.NewHTTPError(resp.StatusCode, "failed to run turn: "+resp.Status)
		s.appendTurnError(httpErr)
		return nil, httpErr
	}

	if isStreaming(resp) {
		return newStreamingTurn(s, reqInfo, resp), nil
	}

	body := readBody(resp)
	events, err := decodeNativeBody(body)
	if err != nil {
		s.audit.Record(reqInfo, types.ResponseInfo{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Body:       body,
		})
		s.appendTurnError(err)
		return nil, err
	}
	return newBufferedTurn(s, reqInfo, resp, body, events), nil
}

// decodeNativeBody parses a single-object turn response into the event
// sequence: any embedded protocol events first, then the final answer.
func decodeNativeBody(body string) ([]types.TurnEvent, error) {
	var parsed nativeTurnResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode turn response: %w", err)
	}

	dec := &Decoder{}
	for _, raw := range parsed.Events {
		dec.decodeValue(raw)
	}

	events := dec.pending
	events = append(events, types.TurnEvent{
		Type:    types.TurnFinalAnswer,
		Content: reformatToolReport(parsed.Response),
	})
	return events, nil
}

// uploadResponse is the upload side-channel response payload.
type uploadResponse struct {
	Filename string `json:"filename"`
}

// upload posts the attachment as multipart form data and returns the
// server-assigned filename. The exchange gets its own audit record.
func (d *nativeDriver) upload(ctx context.Context, s *Session, file *Attachment) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	url := d.baseURL + "/upload"
	reqInfo := types.RequestInfo{
		Method:  http.MethodPost,
		URL:     url,
		Headers: map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:    fmt.Sprintf("<multipart file %q, %d bytes>", file.Name, len(file.Data)),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to upload file: %w", err)
		s.audit.RecordError(reqInfo, err)
		return "", err
	}
	body := readBody(resp)
	s.audit.Record(reqInfo, types.ResponseInfo{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       body,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", types.NewHTTPError(resp.StatusCode, "failed to upload file: "+resp.Status)
	}

	var parsed uploadResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return parsed.Filename, nil
}
