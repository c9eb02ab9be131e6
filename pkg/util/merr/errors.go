// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady = newPassportError("service not ready", 1, true) // This indicates the service is still starting up
	ErrServiceStopping = newPassportError("service is stopping", 2, false)
	ErrServiceInternal = newPassportError("service internal error", 3, false)

	// User account related
	ErrUserNotFound      = newPassportError("user not found", 100, false)
	ErrUserAlreadyExist  = newPassportError("user already exists", 101, false)
	ErrUserWrongPassword = newPassportError("incorrect password", 102, false)
	ErrUserEmptyField    = newPassportError("user id and password must not be empty", 103, false)

	// Session related
	ErrSessionNotFound     = newPassportError("session not found", 200, false)
	ErrSessionNotLoggedIn  = newPassportError("no user logged in on this session", 201, false)
	ErrSessionAlreadyBound = newPassportError("session already has a user logged in", 202, false)
	ErrSessionConflict     = newPassportError("user already logged in on another session", 203, false)
	ErrSessionDuplicateID  = newPassportError("session id already registered", 204, false)
	ErrSessionClosed       = newPassportError("session closed", 205, false)
	ErrSessionQueueFull    = newPassportError("session send queue full", 206, true)

	// Login conflict resolution related
	ErrLoginCancelled = newPassportError("login cancelled", 300, false)

	// IO related
	ErrIoFailed = newPassportError("IO failed", 1001, false)

	// Parameter related
	ErrParameterInvalid  = newPassportError("invalid parameter", 1100, false)
	ErrParameterMissing  = newPassportError("missing parameter", 1101, false)
	ErrParameterTooLarge = newPassportError("parameter too large", 1102, false)

	// Protocol related
	ErrUnknownCommand = newPassportError("unknown command", 1200, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to passportError
	errUnexpected = newPassportError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*passportError)

func WithDetail(detail string) errorOption {
	return func(err *passportError) {
		err.detail = detail
	}
}

type passportError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newPassportError(msg string, code int32, retriable bool, options ...errorOption) passportError {
	err := passportError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e passportError) code() int32 {
	return e.errCode
}

func (e passportError) Error() string {
	return e.msg
}

func (e passportError) Detail() string {
	return e.detail
}

func (e passportError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(passportError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
