package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// remoteDriver speaks the remote-protocol agents' own API: an explicit
// session-creation handshake against the agent's URL, then turns posted
// to its /run endpoint. Files are embedded inline in the message
// payload as base64 data.
type remoteDriver struct{}

// errNoAgentURL is returned when the agent has not been assigned a URL
// yet, which means it is not running.
var errNoAgentURL = errors.New("agent URL is not available")

// remoteMessagePart is one part of a remote turn message.
type remoteMessagePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *remoteInlineData `json:"inlineData,omitempty"`
}

// remoteInlineData is an inline file attachment.
type remoteInlineData struct {
	MimeType    string `json:"mimeType"`
	Data        string `json:"data"`
	DisplayName string `json:"displayName"`
}

// remoteTurnRequest is the /run request payload.
type remoteTurnRequest struct {
	App       string `json:"app"`
	User      string `json:"user"`
	SessionID string `json:"sessionId"`
	Message   struct {
		Parts []remoteMessagePart `json:"parts"`
	} `json:"message"`
}

func (d *remoteDriver) create(ctx context.Context, s *Session) error {
	if s.agent.URL == "" {
		return errNoAgentURL
	}

	url := fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s",
		strings.TrimRight(s.agent.URL, "/"), s.agent.Name, s.userID, s.id)

	resp, reqInfo, err := postJSON(ctx, s.client, url, struct{}{})
	if err != nil {
		err = fmt.Errorf("failed to create session: %w", err)
		s.audit.RecordError(reqInfo, err)
		return err
	}
	body := readBody(resp)
	s.audit.Record(reqInfo, types.ResponseInfo{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       body,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewHTTPError(resp.StatusCode, "failed to create session: "+resp.Status)
	}
	return nil
}

func (d *remoteDriver) runTurn(ctx context.Context, s *Session, prompt string, file *Attachment) (*Turn, error) {
	if s.agent.URL == "" {
		s.appendTurnError(errNoAgentURL)
		return nil, errNoAgentURL
	}

	payload := remoteTurnRequest{
		App:       s.agent.Name,
		User:      s.userID,
		SessionID: s.id,
	}
	payload.Message.Parts = append(payload.Message.Parts, remoteMessagePart{Text: prompt})
	if file != nil {
		payload.Message.Parts = append(payload.Message.Parts, remoteMessagePart{
			InlineData: &remoteInlineData{
				MimeType:    file.MimeType,
				Data:        base64.StdEncoding.EncodeToString(file.Data),
				DisplayName: file.Name,
			},
		})
	}

	url := strings.TrimRight(s.agent.URL, "/") + "/run"
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

	// The remote protocol streams NDJSON, or returns one JSON array on
	// a single line; the decoder handles both framings.
	return newStreamingTurn(s, reqInfo, resp), nil
}
