package storage

import (
	"context"
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"

	qatrack_errors "qatrack/pkg/errors"
)

// classifyCode tags a backend error by its S3 error code and HTTP status.
func classifyCode(op, code string, status int, err error) error {
	switch code {
	case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return qatrack_errors.SessionState(err, "%s rejected by storage backend (%s)", op, code)
	case "NoSuchKey", "NotFound":
		return &qatrack_errors.Error{
			Kind:    qatrack_errors.KindNotFound,
			Code:    qatrack_errors.CodeNotFound,
			Message: op + ": object not found",
			Err:     err,
		}
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "NoSuchBucket",
		"AuthorizationHeaderMalformed", "InvalidBucketName", "PermanentRedirect":
		return qatrack_errors.BackendUnavailable(err, false, "%s: storage backend misconfigured (%s)", op, code)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
		return qatrack_errors.BackendUnavailable(err, true, "%s: storage backend busy (%s)", op, code)
	}
	if status == http.StatusNotFound {
		return &qatrack_errors.Error{
			Kind:    qatrack_errors.KindNotFound,
			Code:    qatrack_errors.CodeNotFound,
			Message: op + ": object not found",
			Err:     err,
		}
	}
	transient := status == 0 || status >= 500 || status == http.StatusTooManyRequests
	return qatrack_errors.BackendUnavailable(err, transient, "%s failed", op)
}

func classifyS3(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return qatrack_errors.BackendUnavailable(err, false, "%s interrupted", op)
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyCode(op, apiErr.ErrorCode(), status, err)
	}
	return classifyCode(op, "", status, err)
}

func classifyMinio(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return qatrack_errors.BackendUnavailable(err, false, "%s interrupted", op)
	}
	resp := minio.ToErrorResponse(err)
	return classifyCode(op, resp.Code, resp.StatusCode, err)
}
