package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kbflow/internal/util"
)

// ErrorType is the coarse failure class recorded in logs and the llm audit table.
type ErrorType string

const (
	ErrorQuota     ErrorType = "quota"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
	ErrorContext   ErrorType = "context"
)

// StatusError is a non-2xx reply from a provider endpoint.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Code, body)
}

// Unwrap maps the status onto the util provider sentinels so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	body := strings.ToLower(e.Body)
	switch {
	case strings.Contains(body, "insufficient_quota") || strings.Contains(body, "quota") || e.Code == http.StatusPaymentRequired:
		return util.ErrQuotaExhausted
	case e.Code == http.StatusTooManyRequests:
		return util.ErrRateLimited
	case e.Code == http.StatusRequestEntityTooLarge || strings.Contains(body, "context_length") || strings.Contains(body, "too long"):
		return util.ErrContextTooLong
	case e.Code >= 500 || e.Code == http.StatusRequestTimeout:
		return util.ErrTransient
	default:
		return util.ErrPermanent
	}
}

// ClassifyError buckets a provider failure. Typed errors win; anything else
// falls back to matching well-known phrases in the message.
func ClassifyError(err error) ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, util.ErrQuotaExhausted):
		return ErrorQuota
	case errors.Is(err, util.ErrRateLimited):
		return ErrorRate
	case errors.Is(err, util.ErrContextTooLong):
		return ErrorContext
	case errors.Is(err, util.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ErrorTransient
	case errors.Is(err, util.ErrPermanent):
		return ErrorPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return ErrorPermanent
}

var messageRules = []struct {
	kind    ErrorType
	needles []string
}{
	{ErrorQuota, []string{"quota", "credit"}},
	{ErrorRate, []string{"rate limit", "429", "too many requests"}},
	{ErrorContext, []string{"context length", "too long"}},
	{ErrorTransient, []string{"timeout", "temporarily", "unavailable", "connection refused", "503", "502"}},
}
