package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

type httpRequest struct {
	client   *http.Client
	method   string
	baseUrl  string
	endpoint string
	headers  map[string]string
	json     interface{}
}

func (r *httpRequest) Header(key, value string) *httpRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpRequest) Auth(token string) *httpRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpRequest) Json(data interface{}) *httpRequest {
	r.json = data
	return r
}

// Do sends the request and decodes a json response into result if it is not
// nil. Non 200 responses are returned as a *ResponseError.
func (r *httpRequest) Do(ctx context.Context, result interface{}) error {
	fullEndpoint, err := url.JoinPath(r.baseUrl, r.endpoint)
	if err != nil {
		return fmt.Errorf("error formatting url for endpoint %v: %w", r.endpoint, err)
	}

	var body io.Reader
	if r.json != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(r.json); err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, r.method, fullEndpoint, body)
	if err != nil {
		return fmt.Errorf("error creating %v request for endpoint %v: %w", r.method, r.endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	start := time.Now()

	res, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request to endpoint %v: %w", r.method, r.endpoint, err)
	}
	defer res.Body.Close()

	slog.Debug("model bazaar client", "method", r.method, "endpoint", r.endpoint, "status", res.StatusCode, "duration", time.Since(start).String())

	if res.StatusCode != http.StatusOK {
		content, _ := io.ReadAll(res.Body)
		return &ResponseError{Method: r.method, Endpoint: r.endpoint, StatusCode: res.StatusCode, Content: string(content)}
	}

	if result != nil {
		if err := json.NewDecoder(res.Body).Decode(result); err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}
	return nil
}

type ResponseError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Content    string
}

func (e *ResponseError) Error() string {
	if e.Content == "" {
		return fmt.Sprintf("%v request to endpoint %v returned status %d", e.Method, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%v request to endpoint %v returned status %d, content '%v'", e.Method, e.Endpoint, e.StatusCode, e.Content)
}

type BaseClient struct {
	baseUrl   string
	authToken string
	client    *http.Client
}

func NewBaseClient(baseUrl string, authToken string) BaseClient {
	return BaseClient{baseUrl: baseUrl, authToken: authToken, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *BaseClient) newRequest(method, endpoint string) *httpRequest {
	r := &httpRequest{client: c.client, method: method, baseUrl: c.baseUrl, endpoint: endpoint}
	if c.authToken != "" {
		r.Auth(c.authToken)
	}
	return r
}

func (c *BaseClient) Get(endpoint string) *httpRequest {
	return c.newRequest("GET", endpoint)
}

func (c *BaseClient) Post(endpoint string) *httpRequest {
	return c.newRequest("POST", endpoint)
}
