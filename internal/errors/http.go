package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"google.golang.org/api/googleapi"
)

// diskErrorBody is the JSON error envelope returned by the disk API
type diskErrorBody struct {
	Message     string `json:"message"`
	Description string `json:"description"`
	Error       string `json:"error"`
}

// DiskReason extracts the machine error name (e.g. "DiskNotFoundError") from
// an API error body, or "" when the body is not a disk error envelope.
func DiskReason(apiErr *googleapi.Error) string {
	var body diskErrorBody
	if err := json.Unmarshal([]byte(apiErr.Body), &body); err != nil {
		return ""
	}
	return body.Error
}

func diskMessage(apiErr *googleapi.Error) string {
	var body diskErrorBody
	if err := json.Unmarshal([]byte(apiErr.Body), &body); err == nil {
		if body.Description != "" {
			return body.Description
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return fmt.Sprintf("HTTP %d", apiErr.Code)
}

// ClassifyHTTPError converts a transport or API failure into an AppError.
// The original error stays reachable through errors.As.
func ClassifyHTTPError(service string, err error, retryable bool, reqCtx *types.RequestContext, logger logging.Logger) error {
	var apiErr *googleapi.Error
	if !stderrors.As(err, &apiErr) {
		logger.Error("Non-API error",
			logging.F("error", err.Error()),
			logging.F("traceId", reqCtx.TraceID),
		)
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeNetworkError, err.Error()).
			WithRetryable(true).
			WithContext("traceId", reqCtx.TraceID).
			WithContext("service", service).
			Build(), err)
	}

	var code string
	switch apiErr.Code {
	case 400:
		code = utils.ErrCodeInvalidArgument
	case 401:
		code = utils.ErrCodeAuthExpired
	case 403:
		code = utils.ErrCodePermissionDenied
	case 404:
		code = utils.ErrCodeNotFound
	case 409:
		code = utils.ErrCodeConflict
	case 413, 507:
		code = utils.ErrCodeQuotaExceeded
	case 423:
		code = utils.ErrCodeHTTPNonRetryable
	case 429:
		code = utils.ErrCodeRateLimited
	case 500, 502, 503, 504:
		code = utils.ErrCodeNetworkError
	default:
		code = utils.ErrCodeHTTPNonRetryable
	}

	reason := DiskReason(apiErr)
	message := diskMessage(apiErr)

	logger.Error("API error classified",
		logging.F("httpStatus", apiErr.Code),
		logging.F("errorCode", code),
		logging.F("reason", reason),
		logging.F("retryable", retryable),
		logging.F("message", message),
		logging.F("traceId", reqCtx.TraceID),
		logging.F("service", service),
	)

	builder := utils.NewCLIError(code, message).
		WithHTTPStatus(apiErr.Code).
		WithRetryable(retryable).
		WithContext("traceId", reqCtx.TraceID).
		WithContext("requestType", string(reqCtx.RequestType)).
		WithContext("service", service)

	if reqCtx.Path != "" {
		builder.WithContext("path", reqCtx.Path)
	}
	if reason != "" {
		builder.WithContext("reason", reason)
	}

	switch code {
	case utils.ErrCodeAuthExpired:
		builder.WithContext("suggestedAction", "run 'ydsync auth login' to store a fresh token")
	case utils.ErrCodeNotFound:
		builder.WithContext("suggestedAction", "verify the remote path exists and the token can reach it")
	case utils.ErrCodeQuotaExceeded:
		builder.WithContext("suggestedAction", "free up space on the disk or raise the quota")
	case utils.ErrCodeRateLimited:
		builder.WithContext("suggestedAction", "rate limit exceeded, retrying with backoff")
	}

	if apiErr.Code >= 500 && apiErr.Code <= 504 {
		builder.WithContext("serverError", true)
	}

	return utils.WrapAppError(builder.Build(), apiErr)
}
