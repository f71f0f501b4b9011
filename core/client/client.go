// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy access to a REST api, either over HTTP or in-process

Instead of marshalling HTTP, a client created with NewWithRouter talks directly to the mux
router. This is how the unit tests exercise the devhub REST api, while the device uses a
client created with NewWithURL to talk to the real IoT hub.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to url. Paths passed to the
// request functions are appended to url; an empty url lets callers pass absolute URLs.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithHTTPClient returns a new client that uses httpClient for network requests
func (c Client) WithHTTPClient(httpClient *http.Client) Client {
	c.httpClient = httpClient
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// do executes r either against the router or over the network and returns the status and body
func (c Client) do(r *http.Request, headers map[string]string) (int, http.Header, []byte, error) {
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range headers {
		r.Header.Set(key, value)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, res.Header, nil, err
	}
	return res.StatusCode, res.Header, resBody, nil
}

func decodeResult(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func statusError(method, path string, status int, resBody []byte) error {
	return fmt.Errorf("%s %s returned status code %d: %s", method, path, status, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	r, err := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(r, nil)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, statusError(http.MethodGet, path, status, resBody)
	}
	return status, decodeResult(resBody, result)
}

// RawPostWithHeader posts body to path. body can be []byte or anything that marshals to JSON.
// Expects http.StatusOK, http.StatusCreated, http.StatusAccepted or http.StatusNoContent as
// response, otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPostWithHeader(path string, headers map[string]string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
		}
	}

	r, err := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewReader(j))
	if err != nil {
		return http.StatusBadRequest, err
	}
	r.Header.Set("Content-Type", "application/json")
	status, _, resBody, err := c.do(r, headers)
	if err != nil {
		return status, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
	default:
		return status, statusError(http.MethodPost, path, status, resBody)
	}
	return status, decodeResult(resBody, result)
}

// RawPost posts body to path. See RawPostWithHeader.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.RawPostWithHeader(path, nil, body, result)
}

// RawPutStream streams body to path with a PUT request. Expects http.StatusOK,
// http.StatusCreated or http.StatusNoContent as response. size may be -1 when unknown.
func (c Client) RawPutStream(path string, headers map[string]string, body io.Reader, size int64) (int, error) {
	r, err := http.NewRequestWithContext(c.Context(), http.MethodPut, c.url+path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if size >= 0 {
		r.ContentLength = size
	}
	status, _, resBody, err := c.do(r, headers)
	if err != nil {
		return status, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return status, nil
	}
	return status, statusError(http.MethodPut, path, status, resBody)
}

// RawGetBlob gets the raw content of path. Expects http.StatusOK as response.
func (c Client) RawGetBlob(path string, blob *[]byte) (int, error) {
	return c.RawGet(path, blob)
}
