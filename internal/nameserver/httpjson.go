package nameserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func jsonEncode(value any) (io.ReadCloser, error) {
	buf := &bytes.Buffer{}
	err := json.NewEncoder(buf).Encode(value)
	return io.NopCloser(buf), err
}

func jsonDecode(value io.ReadCloser, output any) error {
	defer value.Close()
	return json.NewDecoder(value).Decode(output)
}

type JsonClient struct {
	http.Client
	CsrfToken string
}

// DoJSON sends req with an optional JSON body and decodes an optional JSON
// response. Answers with status >= 400 are returned as *ProviderError.
func (jc *JsonClient) DoJSON(req *http.Request, requestBody any, responseBody any) error {
	// Marshall request body if provided
	if requestBody != nil {
		encodedBody, err := jsonEncode(requestBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Body = encodedBody
		req.Header.Set("Content-Type", "application/json")
	}

	// Request json response
	req.Header.Set("Accept", "application/json")

	if jc.CsrfToken != "" {
		req.Header.Set("X-CSRF-TOKEN", jc.CsrfToken)
	}

	// Send request
	resp, err := jc.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return &ProviderError{Status: resp.StatusCode}
		}
		return &ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	// Unmarshall response body if an output struct is provided
	if responseBody != nil {
		if err := jsonDecode(resp.Body, responseBody); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	} else {
		resp.Body.Close()
	}

	return nil
}

func (jc *JsonClient) send(ctx context.Context, method, url string, requestBody any, responseBody any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return jc.DoJSON(req, requestBody, responseBody)
}

func (jc *JsonClient) GetJSON(ctx context.Context, url string, responseBody any) error {
	return jc.send(ctx, "GET", url, nil, responseBody)
}

func (jc *JsonClient) PostJSON(ctx context.Context, url string, requestBody any, responseBody any) error {
	return jc.send(ctx, "POST", url, requestBody, responseBody)
}

func (jc *JsonClient) PutJSON(ctx context.Context, url string, requestBody any, responseBody any) error {
	return jc.send(ctx, "PUT", url, requestBody, responseBody)
}

func (jc *JsonClient) PatchJSON(ctx context.Context, url string, requestBody any, responseBody any) error {
	return jc.send(ctx, "PATCH", url, requestBody, responseBody)
}

func (jc *JsonClient) DeleteJSON(ctx context.Context, url string, requestBody any, responseBody any) error {
	return jc.send(ctx, "DELETE", url, requestBody, responseBody)
}
