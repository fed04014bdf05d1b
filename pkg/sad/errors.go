package sad

import (
	"errors"
	"fmt"
)

// 校验错误分类
var (
	ErrBadKeyLength           = errors.New("bad key length")
	ErrUnsupportedCombination = errors.New("unsupported algorithm combination")
	ErrBadAddressFamily       = errors.New("bad address family")
)

// ErrDuplicateSpiTuple (spi, protocol, tunnel_dst) 已被其他 sad_id 占用
var ErrDuplicateSpiTuple = errors.New("duplicate spi tuple")

// ErrNotFound sad_id 不存在
var ErrNotFound = errors.New("sa not found")

// ErrClosed DB 已关闭
var ErrClosed = errors.New("sad closed")

// ValidationError 候选 SA 未通过校验。Kind 为上面三个分类之一。
type ValidationError struct {
	Kind   error
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Kind)
	}
	return fmt.Sprintf("invalid %s: %v: %s", e.Field, e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalid(kind error, field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// ConflictError 入站分发键冲突
type ConflictError struct {
	Tuple    SpiTuple
	SadID    uint32 // 请求的 id
	Existing uint32 // 已占用该键的 id
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sad_id %d: %v already used by sad_id %d", e.SadID, e.Tuple, e.Existing)
}

func (e *ConflictError) Unwrap() error { return ErrDuplicateSpiTuple }

// NotFoundError
type NotFoundError struct {
	SadID uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sad_id %d: %v", e.SadID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
