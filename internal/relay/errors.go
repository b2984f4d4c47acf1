package relay

import (
	"errors"

	"github.com/capitalize-ai/chatrelay/internal/llm"
)

var errorCodeMessages = map[int]string{
	401: "[API] 提供错误的API密钥 | Incorrect API key provided",
	403: "[API] 服务器拒绝访问，请稍后再试 | Server refused to access, please try again later",
	429: "[API] 请求过于频繁，请稍后再试 | Too many requests, please try again later",
	500: "[API] 服务器繁忙，请稍后再试 | Internal Server Error",
	502: "[API] 错误的网关 | Bad Gateway",
	503: "[API] 服务器繁忙，请稍后再试 | Server is busy, please try again later",
	504: "[API] 网关超时 | Gateway Time-out",
}

// TimeoutMessage is shown when a turn exceeds its wall-clock budget.
const TimeoutMessage = "[API] 请求超时，请稍后再试 | Request timed out, please try again later"

// StatusMessage returns the curated message for an upstream status code.
func StatusMessage(code int) (string, bool) {
	msg, ok := errorCodeMessages[code]
	return msg, ok
}

// UserMessage maps an upstream failure to the text shown to the user. Codes
// without a curated message fall back to the raw error.
func UserMessage(err error) string {
	var upErr *llm.UpstreamError
	if errors.As(err, &upErr) {
		if msg, ok := StatusMessage(upErr.StatusCode); ok {
			return msg
		}
	}
	return err.Error()
}
