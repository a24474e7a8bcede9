package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotFound is returned when the node answers 404.
var ErrNotFound = errors.New("not found")

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %w", url, statusError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpPostBytes posts a binary body and decodes the JSON response.
func httpPostBytes(url string, body []byte, result any) error {
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %w", url, statusError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// statusError turns a non-200 response into an error carrying the server's message.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if body.Error == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
}
