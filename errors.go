// Copyright (c) 2014, Markover Inc.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/poptip/eio

package eio

import (
	"encoding/json"
	"net/http"
)

// Protocol error codes. The numeric values are fixed by the protocol
// and shared with every compatible client.
const (
	errorTransportUnknown   = 0
	errorUnknownSID         = 1
	errorBadHandshakeMethod = 2
	errorBadRequest         = 3
	errorForbidden          = 4
)

var errorMessage = map[int]string{
	errorTransportUnknown:   "Transport unknown",
	errorUnknownSID:         "Session ID unknown",
	errorBadHandshakeMethod: "Bad handshake method",
	errorBadRequest:         "Bad request",
	errorForbidden:          "Forbidden",
}

// serverError sends a JSON-encoded protocol error for the given code.
// Every code maps to a 400 except errorForbidden, which is a bare 403
// with no CORS headers. The 400 path echoes the request Origin so
// browser clients can read the error body cross-origin.
func serverError(w http.ResponseWriter, r *http.Request, code int) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if code == errorForbidden {
		w.WriteHeader(http.StatusForbidden)
	} else {
		if origin := r.Header.Get("Origin"); len(origin) > 0 {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.WriteHeader(http.StatusBadRequest)
	}

	msg := struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{
		Code:    code,
		Message: errorMessage[code],
	}
	return json.NewEncoder(w).Encode(msg)
}
