// Package xerrors 提供 deadletter 各组件共用的错误处理工具。
//
// 约定：
//   - 组件级哨兵错误定义在各包的 errors.go 中，使用 xerrors.New 创建
//   - 跨层传递时使用 Wrap/Wrapf 追加上下文，保留错误链以便 errors.Is/As 判断
//   - 需要机器可读错误码时使用 WithCode，日志与 HTTP 层通过 GetCode 提取
package xerrors

import (
	"errors"
	"fmt"
	"strings"
)

// 通用哨兵错误
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrClosed       = errors.New("closed")
)

// Wrap 用上下文信息包装错误，err 为 nil 时返回 nil。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 用格式化的上下文信息包装错误。
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CodedError 携带机器可读错误码的错误。
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return "[" + e.Code + "]"
	}
	return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// WithCode 给错误附加错误码。
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// Coder 由自带错误码的错误类型实现（例如 dlq.Error）。
type Coder interface {
	ErrorCode() string
}

// GetCode 沿错误链提取第一个错误码，找不到时返回空串。
func GetCode(err error) string {
	for err != nil {
		switch e := err.(type) {
		case *CodedError:
			return e.Code
		case Coder:
			if c := e.ErrorCode(); c != "" {
				return c
			}
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// Must 在 err 不为 nil 时 panic，仅用于初始化阶段。
func Must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("must: %v", err))
	}
	return v
}

// Collector 收集批量操作中的错误并统计成功数。
//
// 非并发安全，批量循环内按顺序调用 Collect。
type Collector struct {
	errs      []error
	succeeded int
}

// Collect 记录一次结果：err 为 nil 计为成功。
func (c *Collector) Collect(err error) {
	if err == nil {
		c.succeeded++
		return
	}
	c.errs = append(c.errs, err)
}

// Succeeded 返回成功次数。
func (c *Collector) Succeeded() int { return c.succeeded }

// Failed 返回失败次数。
func (c *Collector) Failed() int { return len(c.errs) }

// Errs 返回收集到的错误副本。
func (c *Collector) Errs() []error {
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

// Err 合并所有错误，无错误时返回 nil。
func (c *Collector) Err() error {
	return Combine(c.errs...)
}

// MultiError 多个错误的组合。
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return "no errors"
	case 1:
		return m.Errors[0].Error()
	}
	parts := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errors), strings.Join(parts, "; "))
}

func (m *MultiError) Unwrap() []error { return m.Errors }

// Combine 合并多个错误，忽略 nil；只有一个时原样返回。
func Combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &MultiError{Errors: nonNil}
	}
}

// 标准库函数再导出
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)
