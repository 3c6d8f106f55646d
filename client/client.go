// client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "clsync/internal/errors"
	shared "clsync/shared/types"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
	}
}

// do sends body as JSON and decodes the response into out when it is not
// nil. Error responses are decoded into *errors.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any, want int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr apperrors.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Type == "" {
			return fmt.Errorf("unexpected status: %s", resp.Status)
		}
		apiErr.Code = resp.StatusCode
		return &apiErr
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) (*shared.Health, error) {
	var h shared.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h, http.StatusOK); err != nil {
		return nil, err
	}
	return &h, nil
}

// Changelist operations
func (c *Client) Lists(ctx context.Context) ([]shared.ChangeList, error) {
	var lists []shared.ChangeList
	err := c.do(ctx, http.MethodGet, "/api/changelists", nil, &lists, http.StatusOK)
	return lists, err
}

func (c *Client) CreateList(ctx context.Context, name, comment string) (*shared.ChangeList, error) {
	var l shared.ChangeList
	req := shared.CreateListRequest{Name: name, Comment: comment}
	if err := c.do(ctx, http.MethodPost, "/api/changelists", req, &l, http.StatusCreated); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) UpdateList(ctx context.Context, name string, req shared.UpdateListRequest) (*shared.ChangeList, error) {
	var l shared.ChangeList
	if err := c.do(ctx, http.MethodPatch, "/api/changelists/"+url.PathEscape(name), req, &l, http.StatusOK); err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteList returns the default list with the changes it received.
func (c *Client) DeleteList(ctx context.Context, name string) (*shared.ChangeList, error) {
	var l shared.ChangeList
	if err := c.do(ctx, http.MethodDelete, "/api/changelists/"+url.PathEscape(name), nil, &l, http.StatusOK); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) SetDefault(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/changelists/"+url.PathEscape(name)+"/default", nil, nil, http.StatusOK)
}

// Change operations
func (c *Client) Status(ctx context.Context) (*shared.Status, error) {
	var st shared.Status
	if err := c.do(ctx, http.MethodGet, "/api/changes", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Move(ctx context.Context, paths []string, target string) ([]shared.Move, error) {
	var moves []shared.Move
	err := c.do(ctx, http.MethodPost, "/api/changes/move", shared.MoveRequest{Paths: paths, Target: target}, &moves, http.StatusOK)
	return moves, err
}

func (c *Client) MarkDirty(ctx context.Context, paths []string) error {
	return c.do(ctx, http.MethodPost, "/api/dirty", shared.DirtyRequest{Paths: paths}, nil, http.StatusAccepted)
}

// Refresh forces a rescan and waits for it.
func (c *Client) Refresh(ctx context.Context) (*shared.Status, error) {
	var st shared.Status
	if err := c.do(ctx, http.MethodPost, "/api/refresh?wait=true", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Base(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	err := c.do(ctx, http.MethodGet, "/api/base?path="+url.QueryEscape(path), nil, &content, http.StatusOK)
	return content, err
}
