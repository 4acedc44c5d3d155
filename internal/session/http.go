package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// postJSON issues a JSON POST and returns the response together with
// the request description used for audit records. The caller owns the
// response body.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, types.RequestInfo, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.RequestInfo{}, fmt.Errorf("failed to encode request: %w", err)
	}

	reqInfo := types.RequestInfo{
		Method:  http.MethodPost,
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    string(body),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, reqInfo, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, reqInfo, err
	}
	return resp, reqInfo, nil
}

// readBody drains and closes a response body, tolerating read errors:
// whatever arrived is still useful for audit records.
func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

// isStreaming reports whether a turn response uses NDJSON framing.
func isStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return ct == "application/x-ndjson" || ct == "application/ndjson"
}
