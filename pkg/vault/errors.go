package vault

import (
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
)

var (
	// ErrRetry marks transient cluster states; the bootstrap is run again.
	ErrRetry = errors.New("retry")
	// ErrSafeExit stops the bootstrap without failing the process.
	ErrSafeExit = errors.New("safe exit")
)

func retryf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrRetry)
}

func statusCode(err error) int {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
