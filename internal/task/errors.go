package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
)

// Code is a normalized error code stored on failed tasks and returned to callers.
type Code string

const (
	CodeInvalidParams        Code = "INVALID_PARAMS"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeReconcileOrphan      Code = "RECONCILE_ORPHAN"
	CodeReconcileCheckFailed Code = "RECONCILE_CHECK_FAILED"
	CodeEnqueueFailed        Code = "ENQUEUE_FAILED"
	CodeWatchdogTimeout      Code = "WATCHDOG_TIMEOUT"
	CodeTaskCancelled        Code = "TASK_CANCELLED"
	CodeSensitiveContent     Code = "SENSITIVE_CONTENT"
	CodeRateLimit            Code = "RATE_LIMIT"
	CodeGenerationTimeout    Code = "GENERATION_TIMEOUT"
	CodeGenerationFailed     Code = "GENERATION_FAILED"
	CodeNetworkError         Code = "NETWORK_ERROR"
	CodeExternalError        Code = "EXTERNAL_ERROR"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeForbidden            Code = "FORBIDDEN"
	CodeConflict             Code = "CONFLICT"
	CodeInternal             Code = "INTERNAL_ERROR"
)

type codeInfo struct {
	message   string
	retryable bool
}

var codeTable = map[Code]codeInfo{
	CodeInvalidParams:        {"Invalid parameters", false},
	CodeInsufficientBalance:  {"Insufficient balance", false},
	CodeReconcileOrphan:      {"Task backing job disappeared", false},
	CodeReconcileCheckFailed: {"Could not verify the existing task; retry the request", true},
	CodeEnqueueFailed:        {"Failed to enqueue task", true},
	CodeWatchdogTimeout:      {"Task heartbeat timeout", true},
	CodeTaskCancelled:        {"Task cancelled by user", false},
	CodeSensitiveContent:     {"Sensitive content detected", false},
	CodeRateLimit:            {"Rate limit exceeded", true},
	CodeGenerationTimeout:    {"Generation timed out", true},
	CodeGenerationFailed:     {"Generation failed", true},
	CodeNetworkError:         {"Network request failed", true},
	CodeExternalError:        {"External service failed", true},
	CodeUnauthorized:         {"Unauthorized", false},
	CodeNotFound:             {"Resource not found", false},
	CodeForbidden:            {"Forbidden", false},
	CodeConflict:             {"Conflict", false},
	CodeInternal:             {"Internal server error", false},
}

// Known reports whether c is one of the normalized codes.
func (c Code) Known() bool {
	_, ok := codeTable[c]
	return ok
}

// Retryable reports the default retry hint for the code.
func (c Code) Retryable() bool {
	return codeTable[c].retryable
}

const (
	maxErrorCodeLen    = 80
	maxErrorMessageLen = 2000
)

var (
	ErrNotFound             = errors.New("task: not found")
	ErrForbidden            = errors.New("task: caller does not own task")
	ErrDedupeConflict       = errors.New("task: dedupe key held by another active task")
	ErrReconcileCheckFailed = errors.New("task: reconcile check failed")
	ErrInvalidParams        = errors.New("task: invalid params")
	ErrRateLimited          = errors.New("task: rate limited")
	ErrClaimHeld            = errors.New("task: processing under a live heartbeat")
)

// Error is a normalized failure: a code, a human message, and whether a retry could help.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	Err       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the code's default message and retry hint when msg is empty.
func NewError(code Code, msg string, cause error) *Error {
	info, ok := codeTable[code]
	if !ok {
		info = codeTable[CodeInternal]
	}
	if strings.TrimSpace(msg) == "" {
		msg = info.message
	}
	return &Error{Code: code, Message: msg, Retryable: info.retryable, Err: cause}
}

// Normalize maps any error onto a task Error.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	var ib *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &ib):
		e := NewError(CodeInsufficientBalance, err.Error(), err)
		e.Details = map[string]any{"required": ib.Required.String(), "available": ib.Available.String()}
		return e
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return NewError(CodeInsufficientBalance, err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeGenerationTimeout, err.Error(), err)
	case errors.Is(err, ErrNotFound):
		return NewError(CodeNotFound, err.Error(), err)
	case errors.Is(err, ErrForbidden):
		return NewError(CodeForbidden, err.Error(), err)
	case errors.Is(err, ErrReconcileCheckFailed):
		return NewError(CodeReconcileCheckFailed, err.Error(), err)
	case errors.Is(err, ErrInvalidParams):
		return NewError(CodeInvalidParams, err.Error(), err)
	case errors.Is(err, ErrRateLimited):
		return NewError(CodeRateLimit, err.Error(), err)
	}

	msg := strings.TrimSpace(err.Error())
	if code, ok := inferCode(msg); ok {
		return NewError(code, msg, err)
	}
	return NewError(CodeInternal, msg, err)
}

// keywordRules match whole words or word sequences of the lowercased message, so
// "401" matches "status 401" but not an id that happens to contain it.
var keywordRules = []struct {
	code     Code
	keywords []string
}{
	{CodeTaskCancelled, []string{"task cancelled", "canceled by user", "cancelled by user"}},
	{CodeUnauthorized, []string{"unauthorized", "not authenticated", "401"}},
	{CodeForbidden, []string{"forbidden", "permission denied", "403"}},
	{CodeNotFound, []string{"not found", "missing record"}},
	{CodeInvalidParams, []string{"invalid", "missing required", "is required", "bad request"}},
	{CodeRateLimit, []string{"quota", "rate limit", "resource_exhausted", "throttle", "throttled", "429"}},
	{CodeInsufficientBalance, []string{"insufficient balance", "balance is not enough", "insufficient credits", "402"}},
	{CodeSensitiveContent, []string{"sensitive", "unsafe", "safety", "blocked", "prohibited", "policy_violation", "moderation"}},
	{CodeGenerationTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeExternalError, []string{"503", "unavailable", "overloaded", "upstream error"}},
	{CodeNetworkError, []string{"network", "connection reset", "connection refused", "no such host", "unexpected eof", "broken pipe"}},
	{CodeConflict, []string{"conflict", "already exists", "duplicate"}},
}

func inferCode(msg string) (Code, bool) {
	for _, word := range strings.Fields(msg) {
		c := Code(strings.Trim(word, ":,.;()[]\"'"))
		if c.Known() && strings.ToUpper(string(c)) == string(c) {
			return c, true
		}
	}
	words := splitWords(msg)
	for _, rule := range keywordRules {
		if rule.code == CodeSensitiveContent && containsPhrase(words, []string{"case", "sensitive"}) {
			continue
		}
		for _, kw := range rule.keywords {
			if containsPhrase(words, strings.Fields(kw)) {
				return rule.code, true
			}
		}
	}
	return "", false
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		if slices.Equal(words[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// Fields returns the code and message as stored on the task row, truncated to the
// column limits.
func (e *Error) Fields() (code, message string) {
	return truncate(string(e.Code), maxErrorCodeLen), truncate(e.Message, maxErrorMessageLen)
}
