// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/taibuivan/aegis/internal/platform/constants"
)

// ErrMalformedCredentials is returned when a credential header is present
// but does not carry a well-formed token.
var ErrMalformedCredentials = errors.New("malformed credentials")

// # Token Extraction

/*
ExtractToken finds the bearer token carried by a request.

Sources, in order:
  - Authorization: "Bearer <token>" (exact scheme spelling, one space)
  - X-Auth-Token: "<token>"
  - Sec-WebSocket-Protocol entry "token.<token>", upgrade requests only

A source that is present but malformed fails the request; it is never
skipped in favour of the next one.

Returns:
  - string: The token, empty when no source is present
  - error: ErrMalformedCredentials
*/
func ExtractToken(request *http.Request) (string, error) {

	// 1. Authorization header
	if values, present := request.Header[constants.HeaderAuthorization]; present {
		if len(values) != 1 {
			return "", ErrMalformedCredentials
		}
		token, ok := strings.CutPrefix(values[0], constants.BearerScheme+" ")
		if !ok || !validToken(token) {
			return "", ErrMalformedCredentials
		}
		return token, nil
	}

	// 2. Alternate header
	if values, present := request.Header[constants.HeaderXAuthToken]; present {
		if len(values) != 1 || !validToken(values[0]) {
			return "", ErrMalformedCredentials
		}
		return values[0], nil
	}

	// 3. Subprotocol, only on upgrade requests
	if !isWebSocketUpgrade(request) {
		return "", nil
	}
	for _, value := range request.Header.Values(constants.HeaderSecWebSocketProto) {
		for _, entry := range strings.Split(value, ",") {
			token, ok := strings.CutPrefix(strings.TrimSpace(entry), constants.WebSocketTokenPrefix)
			if !ok {
				continue
			}
			if !validToken(token) {
				return "", ErrMalformedCredentials
			}
			return token, nil
		}
	}

	return "", nil
}

func isWebSocketUpgrade(request *http.Request) bool {
	return strings.EqualFold(request.Header.Get(constants.HeaderUpgrade), "websocket")
}

// validToken accepts the RFC 6750 b64token charset, with '=' padding only
// at the end.
func validToken(token string) bool {
	if token == "" {
		return false
	}
	padding := false
	for index := 0; index < len(token); index++ {
		char := token[index]
		switch {
		case char == '=':
			padding = true
		case padding:
			return false
		case char >= 'A' && char <= 'Z', char >= 'a' && char <= 'z', char >= '0' && char <= '9':
		case char == '-', char == '.', char == '_', char == '~', char == '+', char == '/':
		default:
			return false
		}
	}
	return token[0] != '='
}
