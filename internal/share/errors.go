package share

import (
	"errors"
	"fmt"
)

// Failure codes surfaced on failed jobs.
const (
	CodeChallengeDetected       = "challenge_detected"
	CodeAuthRefreshUnavailable  = "auth_refresh_unavailable"
	CodeAuthRefreshFailed       = "auth_refresh_failed"
	CodeAuthRefreshUnsuccessful = "auth_refresh_unsuccessful"
	CodeExecution               = "execution_error"
)

var (
	ErrChallenge        = errors.New("CAPTCHA or 2FA challenge detected")
	ErrNoRefreshURL     = errors.New("session expired and no refresh endpoint configured")
	ErrRefreshNoCookies = errors.New("refresh response carried no credentials")
	ErrStillLoggedOut   = errors.New("authentication refresh unsuccessful")
)

// Error is a job-fatal execution failure.
type Error struct {
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the operator-facing text without the code prefix.
func (e *Error) Message() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Msg
}

func fail(code, msg string, err error) *Error { return &Error{Code: code, Msg: msg, Err: err} }

// CodeOf returns the failure code of err, or CodeExecution for anything
// that is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeExecution
}

// MessageOf returns the operator-facing text for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}
