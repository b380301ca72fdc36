// Package xerrors 提供带类型、错误码与调用栈的增强型错误，并支持向 gRPC / HTTP 状态码的映射。
package xerrors

import (
	"fmt"
	"net/http"
	"runtime"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorType 错误的大类
type ErrorType uint

const (
	ErrUnknown ErrorType = iota
	ErrInternal
	ErrInvalidArg
	ErrNotFound
	ErrAlreadyExists
	ErrPermissionDenied
	ErrUnauthenticated
	ErrDeadlineExceeded
	ErrUnavailable
	ErrLimitExceeded
	ErrUnimplemented
)

// Error 增强型错误结构
type Error struct {
	Type    ErrorType      `json:"type"`
	Code    int            `json:"code"`    // 业务自定义错误码
	Message string         `json:"message"` // 对外展示的友好消息
	Detail  string         `json:"detail"`  // 对内调试的详细信息
	Cause   error          `json:"-"`       // 原始错误
	Stack   []string       `json:"stack"`   // 堆栈追踪
	Context map[string]any `json:"context"` // 上下文数据 (节点 ID, 交易 ID 等)
}

// Error 实现 error 接口
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %d: %s", e.Type.String(), e.Code, e.Message)
	if e.Detail != "" {
		msg += " - " + e.Detail
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (Cause: %v)", e.Cause)
	}
	return msg
}

// Unwrap 实现 Go 1.13 解包接口
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按类型与错误码判等，使 errors.Is 可以匹配由哨兵派生的新错误实例。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

func (t ErrorType) String() string {
	names := [...]string{
		"Unknown", "Internal", "InvalidArg", "NotFound", "AlreadyExists",
		"PermissionDenied", "Unauthenticated", "DeadlineExceeded", "Unavailable", "LimitExceeded",
		"Unimplemented",
	}
	if int(t) >= len(names) {
		return "Unknown"
	}
	return names[t]
}

// --- 核心构造函数 ---

// New 创建新错误并自动捕获堆栈
func New(errType ErrorType, code int, message string, detail string, cause error) *Error {
	e := &Error{
		Type:    errType,
		Code:    code,
		Message: message,
		Detail:  detail,
		Cause:   cause,
		Context: make(map[string]any),
	}
	e.captureStack()
	return e
}

// captureStack 捕获当前调用栈 (深度限制 10 层)
func (e *Error) captureStack() {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // 跳过 captureStack, New 和上层构造函数
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		// 仅保留关键路径信息：文件名:行号 (函数名)
		e.Stack = append(e.Stack, fmt.Sprintf("%s:%d (%s)", frame.File, frame.Line, frame.Function))
		if !more || len(e.Stack) >= depth {
			break
		}
	}
}

// Newf 以哨兵错误为模板派生一个新实例，附带格式化的详细信息与当前堆栈。
// 哨兵本身不会被修改。
func Newf(sentinel *Error, format string, args ...any) *Error {
	e := &Error{
		Type:    sentinel.Type,
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Detail:  fmt.Sprintf(format, args...),
		Context: make(map[string]any),
	}
	e.captureStack()
	return e
}

// --- 链式 API ---

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithCause 设置原始错误。
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// --- 快捷构造工具 ---

func Internal(msg string, cause error) *Error {
	return New(ErrInternal, 500, msg, "", cause)
}

func InvalidArg(msg string) *Error {
	return New(ErrInvalidArg, 400, msg, "", nil)
}

func NotFound(msg string) *Error {
	return New(ErrNotFound, 404, msg, "", nil)
}

// Unimplemented 构造未实现错误。
func Unimplemented(msg string) *Error {
	return New(ErrUnimplemented, 501, msg, "", nil)
}

// Wrap 包装现有错误并捕获堆栈
func Wrap(err error, errType ErrorType, msg string) *Error {
	if err == nil {
		return nil
	}
	// 如果已经是 *Error 类型，则保留其类型与错误码，仅包装一层消息
	if e, ok := FromError(err); ok {
		return New(e.Type, e.Code, msg, e.Detail, err)
	}
	return New(errType, int(errType), msg, "", err)
}

// WrapInternal 快速包装内部错误
func WrapInternal(err error, msg string) *Error {
	return Wrap(err, ErrInternal, msg)
}

// --- 协议转换 ---

// HTTPStatus 自动映射 HTTP 状态码
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrInvalidArg:
		return http.StatusBadRequest
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyExists:
		return http.StatusConflict
	case ErrLimitExceeded:
		return http.StatusTooManyRequests
	case ErrDeadlineExceeded:
		return http.StatusGatewayTimeout
	case ErrUnimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode 自动映射 gRPC 状态码
func (e *Error) GRPCCode() codes.Code {
	switch e.Type {
	case ErrInvalidArg:
		return codes.InvalidArgument
	case ErrUnauthenticated:
		return codes.Unauthenticated
	case ErrPermissionDenied:
		return codes.PermissionDenied
	case ErrNotFound:
		return codes.NotFound
	case ErrAlreadyExists:
		return codes.AlreadyExists
	case ErrLimitExceeded:
		return codes.ResourceExhausted
	case ErrDeadlineExceeded:
		return codes.DeadlineExceeded
	case ErrUnavailable:
		return codes.Unavailable
	case ErrUnimplemented:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// ToGRPCStatus 将 Error 转换为 gRPC Status
func (e *Error) ToGRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Message)
}

// FromError 尝试转换
func FromError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	e, ok := err.(*Error)
	return e, ok
}
