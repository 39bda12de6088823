// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/respond"
	"github.com/taibuivan/aegis/internal/ratelimit"
)

// # Response Headers

// setSecurityHeaders applies the baseline hardening headers.
func setSecurityHeaders(header http.Header, secure bool) {
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Frame-Options", "DENY")
	header.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	header.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	header.Set("Cache-Control", "no-store")
	if secure {
		header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func setRateLimitHeaders(header http.Header, decision ratelimit.Decision) {
	header.Set(constants.HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	header.Set(constants.HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
	header.Set(constants.HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

// setExpiryHeaders advises a refresh when remaining is under threshold.
func setExpiryHeaders(header http.Header, remaining, threshold time.Duration) {
	if remaining <= 0 || remaining >= threshold {
		return
	}
	header.Set(constants.HeaderTokenExpiresIn, strconv.Itoa(int(remaining.Seconds())))
	header.Set(constants.HeaderTokenRefreshAdvised, "true")
}

// rateLimitBody is the 429 payload.
type rateLimitBody struct {
	Error rateLimitError `json:"error"`
}

type rateLimitError struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

func writeRateLimited(writer http.ResponseWriter, decision ratelimit.Decision) {
	retryAfter := max(decision.RetryAfter, 1)

	header := writer.Header()
	header.Set(constants.HeaderRetryAfter, strconv.Itoa(retryAfter))
	header.Set(constants.HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	header.Set(constants.HeaderRateLimitRemaining, "0")
	header.Set(constants.HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))

	respond.JSON(writer, http.StatusTooManyRequests, rateLimitBody{
		Error: rateLimitError{
			Message:    constants.MessageRateLimited,
			Code:       constants.CodeRateLimited,
			RetryAfter: retryAfter,
		},
	})
}
