// Package linuxerr defines the POSIX errno-shaped errors that cross the
// 9P boundary. Handlers compare against these sentinels with errors.Is
// and the dispatcher (internal/dispatch) turns them into RERROR replies
// carrying the numeric code.
package linuxerr

import "fmt"

// E is an error with a POSIX errno attached, so it can be reported to a
// 9P client as {errnum, ename} without losing the Go error chain.
type E struct {
	Errno uint32
	Name  string
}

func (e E) Error() string { return e.Name }

// Ecode returns the numeric POSIX error code, the shape go9p's
// srv.Req.RespondError expects from an error that wants a specific
// Rerror.Errornum rather than the generic EIO.
func (e E) Ecode() uint32 { return e.Errno }

func new(errno uint32, name string) E { return E{Errno: errno, Name: name} }

// Numeric values match Linux asm-generic/errno-base.h / errno.h, which is
// what 9P2000.u clients expect in Rerror.Errornum.
var (
	EPERM    = new(1, "operation not permitted")
	ENOENT   = new(2, "no such file or directory")
	EIO      = new(5, "input/output error")
	EBADF    = new(9, "bad file descriptor")
	EAGAIN   = new(11, "resource temporarily unavailable")
	ENOMEM   = new(12, "cannot allocate memory")
	EACCES   = new(13, "permission denied")
	EBUSY    = new(16, "device or resource busy")
	EEXIST   = new(17, "file exists")
	ENOTDIR  = new(20, "not a directory")
	EISDIR   = new(21, "is a directory")
	EINVAL   = new(22, "invalid argument")
	EMFILE   = new(24, "too many open files")
	EFBIG    = new(27, "file too large")
	ENOSPC   = new(28, "no space left on device")
	ENOTEMPTY = new(39, "directory not empty")
	EMSGSIZE = new(90, "message too long")
	ESTALE   = new(116, "stale file handle")
	ENOSYS   = new(38, "function not implemented")
)

// Is reports whether err unwraps to an E with the same errno as target.
// Convenience over errors.As + field comparison at every call site.
func Is(err error, target E) bool {
	var e E
	if as, ok := err.(E); ok {
		e = as
	} else if u, ok := err.(interface{ Unwrap() error }); ok {
		return Is(u.Unwrap(), target)
	} else {
		return false
	}
	return e.Errno == target.Errno
}

// Errorf builds a non-sentinel formatted error, used for conditions that
// are real bugs or environment failures rather than client-facing POSIX
// errors.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
