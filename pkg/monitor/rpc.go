// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
)

// APIError is the JSON-RPC error object returned by the monitor.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s (%d)", e.Message, e.Data, e.Code)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	Auth    *string     `json:"auth,omitempty"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *APIError       `json:"error"`
	ID      int64           `json:"id"`
}

var requestID atomic.Int64

// Do issues one JSON-RPC call and decodes the result into result when
// it is non-nil.
func (client *Client) Do(ctx context.Context, method string, params, result interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := client.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return Error.Wrap(json.Unmarshal(raw, result))
}

// Get fetches objects of the given kind via {kind}.get.
func (client *Client) Get(ctx context.Context, kind string, params map[string]interface{}) (objects []map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.Do(ctx, kind+".get", params, &objects)
	return objects, err
}

// Create issues {kind}.create and returns the id result object.
func (client *Client) Create(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.Do(ctx, kind+".create", object, &result)
	return result, err
}

// Update issues {kind}.update and returns the id result object.
func (client *Client) Update(ctx context.Context, kind string, object interface{}) (result map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.Do(ctx, kind+".update", object, &result)
	return result, err
}

// Delete issues {kind}.delete with a list of ids.
func (client *Client) Delete(ctx context.Context, kind string, ids []string) (result map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.Do(ctx, kind+".delete", ids, &result)
	return result, err
}

// Export runs configuration.export and returns the document text.
func (client *Client) Export(ctx context.Context, params map[string]interface{}) (document string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.Do(ctx, "configuration.export", params, &document)
	return document, err
}

// Import runs configuration.import; the monitor answers with a bare
// boolean.
func (client *Client) Import(ctx context.Context, params map[string]interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	var accepted bool
	if err := client.Do(ctx, "configuration.import", params, &accepted); err != nil {
		return err
	}
	if !accepted {
		return Error.New("configuration import rejected")
	}
	return nil
}

// unauthenticated lists the methods the monitor requires to be called
// without an auth parameter.
func unauthenticated(method string) bool {
	return method == "apiinfo.version" || method == "user.login"
}

func (client *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	request := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      requestID.Add(1),
	}
	if auth := client.currentAuth(); auth != "" && !unauthenticated(method) {
		request.Auth = &auth
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.url, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("%s: non-success http status %d: %s", method, resp.StatusCode, payload)
	}

	var response rpcResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, Error.New("%s: malformed response: %v", method, err)
	}
	if response.Error != nil {
		return nil, Error.Wrap(response.Error)
	}
	return response.Result, nil
}

// toString renders the id-ish values the monitor hands back, which
// arrive as strings or JSON numbers depending on release.
func toString(value interface{}) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatInt(int64(typed), 10)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}
