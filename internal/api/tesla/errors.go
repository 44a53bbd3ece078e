package tesla

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 网关错误分类，向上层暴露固定的领域错误集合
var (
	ErrVehicleUnavailable   = errors.New("vehicle unavailable")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotSupported         = errors.New("not supported")
	ErrRateLimited          = errors.New("rate limited")
	ErrTransient            = errors.New("transient failure")
	ErrBadRequest           = errors.New("bad request")
	ErrWakeTimeout          = errors.New("wake up timeout")
	ErrNeedsReauthorization = errors.New("needs reauthorization")
	ErrAlreadySet           = errors.New("already set")
)

// classifyStatus 把 HTTP 状态码映射到领域错误
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusRequestTimeout:
		// 车辆休眠时 vehicle_data 返回 408
		return ErrVehicleUnavailable
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusPreconditionFailed && strings.Contains(strings.ToLower(string(body)), "not supported"):
		return ErrNotSupported
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return fmt.Errorf("%w: status=%d body=%s", ErrTransient, status, truncate(body))
	case status >= 400:
		return fmt.Errorf("%w: status=%d body=%s", ErrBadRequest, status, truncate(body))
	}
	return nil
}

// IsRetryableTransient 是否为可重试的瞬时错误
func IsRetryableTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
