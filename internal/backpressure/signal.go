// Package backpressure turns admission decisions into response metadata:
// status, retry hint, advisory headers and the rejection payload. Every
// function here is pure; the same Decision always yields the same Response.
package backpressure

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/3xpluto/quotagate/internal/admission"
	"github.com/3xpluto/quotagate/internal/window"
)

const (
	HeaderPlan           = "X-RateLimit-Plan"
	HeaderAction         = "X-RateLimit-Action"
	HeaderLimitShort     = "X-RateLimit-Limit-Short"
	HeaderLimitLong      = "X-RateLimit-Limit-Long"
	HeaderRemainingShort = "X-RateLimit-Remaining-Short"
	HeaderRemainingLong  = "X-RateLimit-Remaining-Long"
	HeaderReset          = "X-RateLimit-Reset"
	HeaderRetryAfter     = "Retry-After"

	Unlimited = "unlimited"
	Unknown   = "unknown"
)

// Rejection is the machine-readable 429 payload.
type Rejection struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	Plan              string `json:"plan"`
	Action            string `json:"action"`
	LimitWindow       string `json:"limitWindow"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

type Response struct {
	Status            int
	RetryAfterSeconds int
	Headers           http.Header
	// Body is nil when the request may proceed.
	Body *Rejection
}

// Signal translates d. On allow the status is 200 and the caller passes the
// request through; the headers are advisory either way.
func Signal(d admission.Decision) Response {
	h := http.Header{}
	h.Set(HeaderPlan, d.Plan)
	h.Set(HeaderAction, d.Action)
	h.Set(HeaderLimitShort, limitValue(d, d.Short))
	h.Set(HeaderLimitLong, limitValue(d, d.Long))
	h.Set(HeaderRemainingShort, remainingValue(d, d.Short))
	h.Set(HeaderRemainingLong, remainingValue(d, d.Long))

	if d.Allowed {
		return Response{Status: http.StatusOK, Headers: h}
	}

	retry := RetryAfter(d)
	h.Set(HeaderRetryAfter, strconv.Itoa(retry))
	h.Set(HeaderReset, strconv.FormatInt(d.At.Add(time.Duration(retry)*time.Second).Unix(), 10))

	return Response{
		Status:            http.StatusTooManyRequests,
		RetryAfterSeconds: retry,
		Headers:           h,
		Body: &Rejection{
			Error:             "quota_exceeded",
			Message:           fmt.Sprintf("%s quota exceeded for action %q on plan %q", windowName(d.Violated), d.Action, d.Plan),
			Plan:              d.Plan,
			Action:            d.Action,
			LimitWindow:       string(d.Violated),
			RetryAfterSeconds: retry,
		},
	}
}

// RetryAfter is the retry hint in whole seconds for a rejected decision:
// the short window's length, or the time until the long window's UTC day
// rolls over (at least 1).
func RetryAfter(d admission.Decision) int {
	switch d.Violated {
	case window.Short:
		return int(window.Short.Length() / time.Second)
	case window.Long:
		left := window.UntilRollover(d.At, window.Long)
		secs := int((left + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return secs
	default:
		return 0
	}
}

func limitValue(d admission.Decision, w admission.WindowState) string {
	if d.Unlimited || !w.Enforced {
		return Unlimited
	}
	return strconv.FormatInt(w.Limit, 10)
}

func remainingValue(d admission.Decision, w admission.WindowState) string {
	switch {
	case d.Unlimited || !w.Enforced:
		return Unlimited
	case !w.Evaluated:
		return Unknown
	default:
		return strconv.FormatInt(w.Remaining, 10)
	}
}

func windowName(k window.Kind) string {
	switch k {
	case window.Short:
		return "per-minute"
	case window.Long:
		return "daily"
	default:
		return string(k)
	}
}
