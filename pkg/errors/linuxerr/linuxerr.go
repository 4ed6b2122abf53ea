// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"),;
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains the error codes returned by the submission
// engine, exported as error interface pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/host1x/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct (these are *errors.Error) they are
// not directly comparable, but the Errno method returns a number such that
// unix.Errno(EPERM.Errno()) == unix.EPERM is true.
var (
	noError   *errors.Error = nil
	EPERM                   = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                  = errors.New(unix.ENOENT, "no such file or directory")
	EINTR                   = errors.New(unix.EINTR, "interrupted system call")
	EIO                     = errors.New(unix.EIO, "I/O error")
	E2BIG                   = errors.New(unix.E2BIG, "argument list too long")
	EBADF                   = errors.New(unix.EBADF, "bad file number")
	EAGAIN                  = errors.New(unix.EAGAIN, "try again")
	ENOMEM                  = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                  = errors.New(unix.EFAULT, "bad address")
	EBUSY                   = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                  = errors.New(unix.EEXIST, "file exists")
	ENODEV                  = errors.New(unix.ENODEV, "no such device")
	EINVAL                  = errors.New(unix.EINVAL, "invalid argument")
	ENOTTY                  = errors.New(unix.ENOTTY, "not a typewriter")
	ENOSPC                  = errors.New(unix.ENOSPC, "no space left on device")
	EDEADLK                 = errors.New(unix.EDEADLK, "resource deadlock would occur")
	EOPNOTSUPP              = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")
	ETIMEDOUT               = errors.New(unix.ETIMEDOUT, "connection timed out")
	EALREADY                = errors.New(unix.EALREADY, "operation already in progress")
	ECANCELED               = errors.New(unix.ECANCELED, "operation Canceled")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
	EDEADLOCK   = EDEADLK
)

var errorTable = map[unix.Errno]*errors.Error{
	unix.EPERM:      EPERM,
	unix.ENOENT:     ENOENT,
	unix.EINTR:      EINTR,
	unix.EIO:        EIO,
	unix.E2BIG:      E2BIG,
	unix.EBADF:      EBADF,
	unix.EAGAIN:     EAGAIN,
	unix.ENOMEM:     ENOMEM,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EEXIST:     EEXIST,
	unix.ENODEV:     ENODEV,
	unix.EINVAL:     EINVAL,
	unix.ENOTTY:     ENOTTY,
	unix.ENOSPC:     ENOSPC,
	unix.EDEADLK:    EDEADLK,
	unix.EOPNOTSUPP: EOPNOTSUPP,
	unix.ETIMEDOUT:  ETIMEDOUT,
	unix.EALREADY:   EALREADY,
	unix.ECANCELED:  ECANCELED,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos outside of the
// engine's vocabulary are returned as the unix.Errno itself.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorTable[err]; ok {
		return e
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// ToErrno converts err to the negative status code returned across the ioctl
// boundary. Wrapped errors are unwrapped; anything that does not carry an
// errno is reported as EIO.
func ToErrno(err error) int {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return -int(e.Errno())
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}

// Is reports whether err, or any error it wraps, is e.
func Is(err error, e *errors.Error) bool {
	if err == nil {
		return e == noError
	}
	if goerrors.Is(err, e) {
		return true
	}
	var inner *errors.Error
	if goerrors.As(err, &inner) {
		return inner.Errno() == e.Errno()
	}
	var errno unix.Errno
	return goerrors.As(err, &errno) && errno == e.Errno()
}
