package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds the error body read from a failed response.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int    // Code is the HTTP status code
	Message string // Message is the server error message, if any
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(ctx context.Context, path string, result any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode %s:\n%w", path, err)
	}

	return nil
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func (c *Client) httpPostJSON(ctx context.Context, path string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, path, jsonBytes)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s:\n%w", path, err)
	}

	return nil
}

// do sends one request and returns the body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	url := "http://" + c.nodeAddr + path

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&apiErr)

		return nil, fmt.Errorf("%s %s:\n%w", method, path, &StatusError{Code: resp.StatusCode, Message: apiErr.Error})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", path, err)
	}

	return data, nil
}
