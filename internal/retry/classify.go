package retry

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Classification is the retry policy verdict for one error.
type Classification struct {
	Category       Category
	Code           string
	Message        string
	Retryable      bool
	SuggestedDelay time.Duration
	Reason         string
}

// Classify inspects err and decides whether a retry can help. Typed codes
// are consulted before message substrings so wrapped causes win over
// whatever text ended up around them.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	msg := err.Error()

	// Handlers that already know the category short-circuit inference.
	var je *JobError
	if errors.As(err, &je) {
		cls := verdict(je.Category, je.Code, msg, "explicitly categorized")
		if je.Retryable != nil {
			cls.Retryable = *je.Retryable
		}
		return cls
	}

	// HTTP statuses carried by transport errors.
	var hs interface{ HTTPStatus() int }
	if errors.As(err, &hs) {
		code := hs.HTTPStatus()
		switch {
		case code == 429:
			return verdict(CategoryRateLimit, "429", msg, "http 429")
		case code == 401 || code == 403:
			return verdict(CategoryPermission, strconv.Itoa(code), msg, "http auth status")
		case code == 404:
			return verdict(CategoryNotFound, "404", msg, "http 404")
		case code == 408:
			return verdict(CategoryTimeout, "408", msg, "http request timeout")
		case code >= 500:
			return verdict(CategoryTransientIO, strconv.Itoa(code), msg, "http 5xx")
		}
	}

	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return verdict(CategoryCancelled, "CANCELLED", msg, "cooperative cancel")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return verdict(CategoryTimeout, "DEADLINE_EXCEEDED", msg, "deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return verdict(CategoryTimeout, "NET_TIMEOUT", msg, "network timeout")
	}
	if errors.Is(err, exec.ErrNotFound) {
		return verdict(CategorySpawnFailure, "ENOENT", msg, "executable not found")
	}

	// Spawn errors surface as path errors on fork/exec or chdir. A chdir
	// failure means the working directory is gone; retrying cannot fix that.
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Op {
		case "chdir", "getwd":
			return Classification{
				Category:  CategorySpawnFailure,
				Code:      "ENOENT",
				Message:   msg,
				Retryable: false,
				Reason:    "working directory is gone",
			}
		case "fork/exec", "exec":
			return verdict(CategorySpawnFailure, errnoCode(pathErr.Err), msg, "process spawn failed")
		}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM:
			return verdict(CategoryPermission, errnoCode(errno), msg, "os permission error")
		case syscall.ENOENT:
			if mentionsCwd(msg) {
				return Classification{
					Category:  CategorySpawnFailure,
					Code:      "ENOENT",
					Message:   msg,
					Retryable: false,
					Reason:    "working directory is gone",
				}
			}
			return verdict(CategoryNotFound, "ENOENT", msg, "os missing path")
		case syscall.ETIMEDOUT:
			return verdict(CategoryTimeout, "ETIMEDOUT", msg, "os timeout")
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.EPIPE, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return verdict(CategoryTransientIO, errnoCode(errno), msg, "os network error")
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return verdict(CategoryNotFound, "ENOENT", msg, "missing path")
	}
	if errors.Is(err, fs.ErrPermission) {
		return verdict(CategoryPermission, "EACCES", msg, "permission error")
	}

	return classifyMessage(msg)
}

func classifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	switch {
	case has("rate limit", "too many requests", "quota exceeded", "429"):
		return verdict(CategoryRateLimit, "", msg, "message mentions rate limiting")
	case has("timed out", "timeout", "deadline exceeded"):
		return verdict(CategoryTimeout, "", msg, "message mentions timeout")
	case has("uv_cwd", "getcwd", "current working directory"):
		return Classification{
			Category:  CategorySpawnFailure,
			Code:      "ENOENT",
			Message:   msg,
			Retryable: false,
			Reason:    "working directory is gone",
		}
	case has("executable file not found", "fork/exec", "cannot spawn", "spawn"):
		return verdict(CategorySpawnFailure, "", msg, "message mentions spawn failure")
	case has("connection reset", "connection refused", "broken pipe",
		"network is unreachable", "socket hang up", "unexpected eof"):
		return verdict(CategoryTransientIO, "", msg, "message mentions network failure")
	case has("permission denied", "unauthorized", "forbidden", "access denied",
		"authentication failed", "401", "403"):
		return verdict(CategoryPermission, "", msg, "message mentions permissions")
	case has("no such file", "not found", "does not exist", "404"):
		return verdict(CategoryNotFound, "", msg, "message mentions missing target")
	case has("invalid", "missing required", "is required", "malformed", "validation"):
		return verdict(CategoryValidation, "", msg, "message mentions bad input")
	default:
		return verdict(CategoryUnknown, "", msg, "unclassified")
	}
}

func mentionsCwd(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "uv_cwd") ||
		strings.Contains(lower, "getcwd") ||
		strings.Contains(lower, "chdir") ||
		strings.Contains(lower, "current working directory")
}

func verdict(cat Category, code, msg, reason string) Classification {
	retryable, delay := policyFor(cat)
	return Classification{
		Category:       cat,
		Code:           code,
		Message:        msg,
		Retryable:      retryable,
		SuggestedDelay: delay,
		Reason:         reason,
	}
}

func policyFor(cat Category) (retryable bool, delay time.Duration) {
	switch cat {
	case CategoryTimeout:
		return true, 10 * time.Second
	case CategoryRateLimit:
		return true, 30 * time.Second
	case CategoryTransientIO, CategorySpawnFailure, CategoryUnknown:
		return true, 5 * time.Second
	default:
		return false, 0
	}
}

func errnoCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES:
			return "EACCES"
		case syscall.EPERM:
			return "EPERM"
		case syscall.ENOENT:
			return "ENOENT"
		case syscall.ETIMEDOUT:
			return "ETIMEDOUT"
		case syscall.ECONNRESET:
			return "ECONNRESET"
		case syscall.ECONNREFUSED:
			return "ECONNREFUSED"
		case syscall.ECONNABORTED:
			return "ECONNABORTED"
		case syscall.EPIPE:
			return "EPIPE"
		case syscall.ENETUNREACH:
			return "ENETUNREACH"
		case syscall.EHOSTUNREACH:
			return "EHOSTUNREACH"
		}
	}
	return ""
}
