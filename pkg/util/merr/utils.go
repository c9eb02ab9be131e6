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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case passportError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := err.(passportError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// Service related

func WrapErrServiceNotReady(stage string, msg ...string) error {
	err := wrapFields(ErrServiceNotReady, value("stage", stage))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceStopping(msg ...string) error {
	var err error = ErrServiceStopping
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(msg string, args ...any) error {
	msg = fmt.Sprintf(msg, args...)
	err := errors.Wrap(ErrServiceInternal, msg)
	return err
}

// User account related

func WrapErrUserNotFound(user any, msg ...string) error {
	err := wrapFields(ErrUserNotFound, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUserAlreadyExist(user any, msg ...string) error {
	err := wrapFields(ErrUserAlreadyExist, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUserWrongPassword(user any, msg ...string) error {
	err := wrapFields(ErrUserWrongPassword, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUserEmptyField(msg ...string) error {
	var err error = ErrUserEmptyField
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session related

func WrapErrSessionNotFound(sessionID any, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionNotLoggedIn(sessionID any, msg ...string) error {
	err := wrapFields(ErrSessionNotLoggedIn, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionAlreadyBound(sessionID any, user any, msg ...string) error {
	err := wrapFields(ErrSessionAlreadyBound,
		value("session", sessionID),
		value("user", user),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionConflict(user any, existingSessionID any, msg ...string) error {
	err := wrapFields(ErrSessionConflict,
		value("user", user),
		value("existingSession", existingSessionID),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionDuplicateID(sessionID any, msg ...string) error {
	err := wrapFields(ErrSessionDuplicateID, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionClosed(sessionID any, msg ...string) error {
	err := wrapFields(ErrSessionClosed, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionQueueFull(sessionID any, msg ...string) error {
	err := wrapFields(ErrSessionQueueFull, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrLoginCancelled(user any, msg ...string) error {
	err := wrapFields(ErrLoginCancelled, value("user", user))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// IO related

func WrapErrIoFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoFailed, err.Error(), value("key", key))
}

// Parameter related

func WrapErrParameterInvalidMsg(fmtStr string, args ...any) error {
	return wrapFieldsWithDesc(ErrParameterInvalid, fmt.Sprintf(fmtStr, args...))
}

func WrapErrParameterMissing(param any, msg ...string) error {
	err := wrapFields(ErrParameterMissing, value("missing_param", param))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterTooLarge(name string, msg ...string) error {
	err := wrapFields(ErrParameterTooLarge, value("message", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Protocol related

func WrapErrUnknownCommand(command any, msg ...string) error {
	err := wrapFields(ErrUnknownCommand, value("command", command))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err passportError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err passportError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
