package mirror

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

// メトリクスのoutcomeラベル。
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// IsRetryable はエラーが一時的なもの（タイムアウト、429、5xx）かを返す。
// このパッケージ自身は再試行しない。判断は呼び出し元に委ねる。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if isTimeout(err) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	return false
}

// IsNotFound はリソースが存在しないことを示すエラーかを返す。
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}

// IsUnauthorized はクレデンシャルが無効になったことを示すエラーかを返す。
func IsUnauthorized(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case isTimeout(err):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
