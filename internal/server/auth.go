// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const realm = "fwota"

type basicAuth struct {
	user     string
	password string
	hashed   bool
}

// newBasicAuth accepts the password either in plaintext or as a bcrypt hash
func newBasicAuth(user, password string) *basicAuth {
	return &basicAuth{
		user:     user,
		password: password,
		hashed:   strings.HasPrefix(password, "$2"),
	}
}

func (a *basicAuth) check(user, password string) bool {
	userOk := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	var passOk bool
	if a.hashed {
		passOk = bcrypt.CompareHashAndPassword([]byte(a.password), []byte(password)) == nil
	} else {
		passOk = subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	}
	return userOk && passOk
}

func (a *basicAuth) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !a.check(user, password) {
			if ok {
				slog.Warn("rejected credentials", "user", user, "remote", r.RemoteAddr, "path", r.URL.Path)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
