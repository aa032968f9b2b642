package api

import (
	"context"
	"time"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
)

// OperationStatus represents the status of an asynchronous server operation
type OperationStatus string

const (
	OperationStatusInProgress OperationStatus = "in-progress"
	OperationStatusSuccess    OperationStatus = "success"
	OperationStatusFailed     OperationStatus = "failed"
)

// Operation is the body returned when polling an operation href
type Operation struct {
	Status OperationStatus `json:"status"`
}

// OperationPoller polls asynchronous deletes and moves until they finish
type OperationPoller struct {
	client       *Client
	pollInterval time.Duration
	timeout      time.Duration
}

// NewOperationPoller creates a new operation poller
func NewOperationPoller(client *Client, pollInterval, timeout time.Duration) *OperationPoller {
	return &OperationPoller{
		client:       client,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Wait blocks until the operation behind link succeeds, fails or times out.
// A nil link means the server completed synchronously.
func (p *OperationPoller) Wait(ctx context.Context, link *Link) error {
	if link == nil || link.Href == "" {
		return nil
	}

	deadline := time.Now().Add(p.timeout)
	for time.Now().Before(deadline) {
		var op Operation
		err := p.client.GetJSON(ctx, link.Href, RequestOptions{
			RequestType: types.RequestTypeGetByID,
		}, &op)
		if err != nil {
			return err
		}

		switch op.Status {
		case OperationStatusSuccess:
			return nil
		case OperationStatusFailed:
			return utils.NewAppError(utils.NewCLIError(utils.ErrCodeTaskFailed,
				"Remote operation failed").
				WithContext("operation", link.Href).
				Build())
		}

		if err := p.client.sleep(ctx, p.pollInterval); err != nil {
			return err
		}
	}

	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeTimeout,
		"Operation polling timed out").
		WithContext("operation", link.Href).
		WithContext("timeout", p.timeout.String()).
		Build())
}

// ClassifyOperationError classifies operation errors
func ClassifyOperationError(err error) string {
	switch utils.CodeOf(err) {
	case utils.ErrCodeTimeout:
		return "expired"
	case utils.ErrCodeNetworkError, utils.ErrCodeRateLimited:
		return "retryable"
	case utils.ErrCodeUnknown:
		return "unknown"
	default:
		return "fatal"
	}
}
