package plivo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.plivo.com/v1"

// client is a thin Plivo REST API client covering the call-control surface
// the gateway drives: create call, hangup, speak, audio stream.
type client struct {
	authID     string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

func newClient(authID, authToken, baseURL string, httpClient *http.Client) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &client{
		authID:     authID,
		authToken:  authToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// createCallParams mirror Plivo's outbound call API.
type createCallParams struct {
	From         string `json:"from"`
	To           string `json:"to"`
	AnswerURL    string `json:"answer_url"`
	AnswerMethod string `json:"answer_method,omitempty"`
	HangupURL    string `json:"hangup_url,omitempty"`
	RingURL      string `json:"ring_url,omitempty"`
}

// createCallResponse carries the provisional request UUID; the final call
// UUID arrives only in the first webhook.
type createCallResponse struct {
	RequestUUID string `json:"request_uuid"`
	Message     string `json:"message"`
	APIID       string `json:"api_id"`
}

func (c *client) createCall(ctx context.Context, params createCallParams) (*createCallResponse, error) {
	var out createCallResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/Account/%s/Call/", c.baseURL, c.authID), params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) hangupCall(ctx context.Context, callUUID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/Account/%s/Call/%s/", c.baseURL, c.authID, callUUID), nil, nil)
}

type speakParams struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// speak injects synthesized speech into the live call.
func (c *client) speak(ctx context.Context, callUUID string, params speakParams) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/Account/%s/Call/%s/Speak/", c.baseURL, c.authID, callUUID), params, nil)
}

type streamParams struct {
	ServiceURL    string `json:"service_url"`
	Bidirectional bool   `json:"bidirectional"`
	AudioTrack    string `json:"audio_track,omitempty"`
}

// startStream bridges the call's audio to a websocket service.
func (c *client) startStream(ctx context.Context, callUUID string, params streamParams) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/Account/%s/Call/%s/Stream/", c.baseURL, c.authID, callUUID), params, nil)
}

// stopStream tears down every audio stream on the call.
func (c *client) stopStream(ctx context.Context, callUUID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/Account/%s/Call/%s/Stream/", c.baseURL, c.authID, callUUID), nil, nil)
}

// apiError represents a Plivo API error payload.
type apiError struct {
	StatusCode int
	ErrorText  string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("plivo error (HTTP %d): %s", e.StatusCode, e.ErrorText)
}

func (c *client) do(ctx context.Context, method, endpoint string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling plivo request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.authID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.ErrorText == "" {
			apiErr.ErrorText = string(data)
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to parse plivo response: %w", err)
		}
	}
	return nil
}
