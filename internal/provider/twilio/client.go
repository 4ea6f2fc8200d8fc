package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// client is a thin Twilio REST API client. It covers only the call-control
// surface this gateway needs; no SDK dependency.
type client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

func newClient(accountSID, authToken, baseURL string, httpClient *http.Client) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// apiCall is the subset of Twilio's call resource the gateway reads.
type apiCall struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

// makeCallParams are parameters for creating an outbound call.
type makeCallParams struct {
	To                  string
	From                string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string
}

// makeCall initiates an outbound call.
func (c *client) makeCall(ctx context.Context, params makeCallParams) (*apiCall, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
	}
	for _, event := range params.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}

	var out apiCall
	if err := c.post(ctx, endpoint, data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// updateCall modifies an in-progress call with new inline TwiML or a status
// change ("completed" hangs up).
func (c *client) updateCall(ctx context.Context, callSID string, data url.Values) (*apiCall, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	var out apiCall
	if err := c.post(ctx, endpoint, data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) hangupCall(ctx context.Context, callSID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	_, err := c.updateCall(ctx, callSID, data)
	return err
}

// apiError represents a Twilio API error payload.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return fmt.Errorf("twilio error: %s", string(body))
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse twilio response: %w", err)
		}
	}
	return nil
}
