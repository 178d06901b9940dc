package util

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，控制器据此映射 HTTP 状态码
type ErrorKind string

const (
	KindUnauthorized       ErrorKind = "unauthorized"
	KindForbidden          ErrorKind = "forbidden"
	KindNotFound           ErrorKind = "not_found"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindInvalid            ErrorKind = "invalid"
	KindConflict           ErrorKind = "conflict"
	KindTransient          ErrorKind = "transient"
)

type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func PreconditionFailed(message string, err error) *AppError {
	return NewError(KindPreconditionFailed, message, err)
}

func NotFoundError(message string, err error) *AppError {
	return NewError(KindNotFound, message, err)
}

func InvalidError(message string) *AppError {
	return NewError(KindInvalid, message, nil)
}

func TransientError(message string, err error) *AppError {
	return NewError(KindTransient, message, err)
}

func ForbiddenError(message string) *AppError {
	return NewError(KindForbidden, message, ErrPermissionDenied)
}

// KindOf 取出错误分类，未分类的错误按 transient 处理
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials):
		return KindUnauthorized
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrInvalidSignature):
		return KindForbidden
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrCourseNotFound),
		errors.Is(err, ErrLessonNotFound), errors.Is(err, ErrEnrollmentNotFound),
		errors.Is(err, ErrCertificateNotFound):
		return KindNotFound
	case errors.Is(err, ErrProgressIncomplete):
		return KindPreconditionFailed
	case errors.Is(err, ErrInvalidTransition):
		return KindConflict
	}
	return KindTransient
}
