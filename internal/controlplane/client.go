package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/version"
)

const HeaderVersion = "X-Deskbridge-Version"

var ErrUnreachable = errors.New("control plane unreachable")

// APIError is a non-2xx reply from the control plane.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to a running daemon's control plane.
type Client struct {
	client *req.Client
}

func NewClient(baseURL, token string) *Client {
	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderVersion, version.Version).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)
	if token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	return &Client{client: c}
}

func handleAPIError(res *req.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnreachable, err)
	}
	if res.IsErrorState() {
		apiErr := &APIError{Status: res.StatusCode}
		if e, ok := res.ErrorResult().(*ErrorResponse); ok && e != nil {
			apiErr.Code, apiErr.Message = e.Code, e.Error
		}
		if apiErr.Code == "" {
			apiErr.Code, apiErr.Message = ErrCodeInternal, res.Status
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		SetErrorResult(&ErrorResponse{}).
		Get("/v1/status")
	if err := handleAPIError(res, err, "status"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusRaw returns the status document undecoded, for printing.
func (c *Client) StatusRaw(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		SetErrorResult(&ErrorResponse{}).
		Get("/v1/status")
	if err := handleAPIError(res, err, "status"); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Sync(ctx context.Context, body SyncRequest) (*SyncResponse, error) {
	var resp SyncResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&resp).
		SetErrorResult(&ErrorResponse{}).
		Post("/v1/sync")
	if err := handleAPIError(res, err, "sync"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Conflicts(ctx context.Context) (*ConflictsResponse, error) {
	var resp ConflictsResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&resp).
		SetErrorResult(&ErrorResponse{}).
		Get("/v1/conflicts")
	if err := handleAPIError(res, err, "conflicts"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Resolve(ctx context.Context, body ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&resp).
		SetErrorResult(&ErrorResponse{}).
		Post("/v1/conflicts/resolve")
	if err := handleAPIError(res, err, "resolve"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessage(ctx context.Context, body MessageRequest) (*MessageResponse, error) {
	var resp MessageResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&resp).
		SetErrorResult(&ErrorResponse{}).
		Post("/v1/messages")
	if err := handleAPIError(res, err, "send message"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Notify is SendMessage for a notification.
func (c *Client) Notify(ctx context.Context, n bridgemsg.Notification) (*MessageResponse, error) {
	return c.SendMessage(ctx, MessageRequest{
		Type:    string(bridgemsg.KindNotification),
		Title:   n.Title,
		Message: n.Message,
		Level:   n.Level,
		Actions: n.Actions,
	})
}
