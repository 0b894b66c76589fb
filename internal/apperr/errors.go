package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类，对外接口按分类返回
type Kind string

const (
	NotFound           Kind = "NotFound"
	Conflict           Kind = "Conflict"
	InvalidInput       Kind = "InvalidInput"
	PersistenceFailure Kind = "PersistenceFailure"
)

// Error 领域错误
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按分类匹配，errors.Is(err, apperr.New(apperr.NotFound, "")) 成立即为同类错误
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf 返回错误链上第一个领域错误的分类，未分类的错误视为持久化失败
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return PersistenceFailure
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
