package handler

import (
	"errors"
	"fmt"
	"net/http"
)

// Error 是带 HTTP 状态码的处理失败，连接适配层据此生成错误响应
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 包装 err 为指定状态码的失败
func NewError(status int, err error) *Error { return &Error{Status: status, Err: err} }

// Errorf 以格式化消息构造失败
func Errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Err: fmt.Errorf(format, args...)}
}

// ErrorResponse 把任意处理失败转换为响应。
// *Error 保留其状态码（非 4xx/5xx 时按 500 处理），其他错误一律 500，
// 500 不回显内部错误文本。
func ErrorResponse(err error) *Response {
	var he *Error
	if errors.As(err, &he) && he.Status >= 400 && he.Status <= 599 {
		if he.Status >= 500 {
			return Text(he.Status, http.StatusText(he.Status)+"\n")
		}
		return Text(he.Status, he.Error()+"\n")
	}
	return Text(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)+"\n")
}
