// Package errors 审计流水线的分类错误
//
// 每个外部调用返回值或分类错误 (连接 / 解码 / 不存在 / 配置 / 去重 / 提交)，
// 调用方按 Kind 显式决定恢复策略，而不是统一吞掉异常。
package errors

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 错误分类
type Kind string

const (
	KindConnectivity Kind = "CONNECTIVITY"
	KindDecode       Kind = "DECODE"
	KindNotFound     Kind = "NOT_FOUND"
	KindConfig       Kind = "CONFIG"
	KindDedup        Kind = "DEDUP"
	KindSubmission   Kind = "SUBMISSION"
	KindInternal     Kind = "INTERNAL"
)

// Error 分类错误
type Error struct {
	Code     string            `json:"code"`
	Kind     Kind              `json:"kind"`
	Message  string            `json:"message"`
	GRPCCode codes.Code        `json:"-"`
	Cause    error             `json:"-"`
	Details  map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按 Code 比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:     e.Code,
		Kind:     e.Kind,
		Message:  e.Message,
		GRPCCode: e.GRPCCode,
		Cause:    e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// New 创建新错误
func New(kind Kind, code, message string, grpcCode codes.Code) *Error {
	return &Error{
		Code:     code,
		Kind:     kind,
		Message:  message,
		GRPCCode: grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Wrapf 包装错误并添加信息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	return newErr
}

// 错误码
var (
	ErrInternal = New(KindInternal, "INTERNAL_ERROR", "内部错误", codes.Internal)

	// 外部读取
	ErrRPCUnreachable = New(KindConnectivity, "RPC_UNREACHABLE", "RPC 不可达", codes.Unavailable)
	ErrRPCTimeout     = New(KindConnectivity, "RPC_TIMEOUT", "RPC 超时", codes.DeadlineExceeded)
	ErrNodeProbe      = New(KindConnectivity, "NODE_PROBE_FAILED", "节点探测失败", codes.Unavailable)
	ErrPayloadDecode  = New(KindDecode, "PAYLOAD_DECODE_ERROR", "元数据解析失败", codes.DataLoss)
	ErrFieldMissing   = New(KindDecode, "FIELD_MISSING", "字段缺失", codes.DataLoss)
	ErrTokenNotFound  = New(KindNotFound, "TOKEN_NOT_FOUND", "参与者不存在", codes.NotFound)

	// 配置
	ErrInvalidConfig   = New(KindConfig, "INVALID_CONFIG", "配置无效", codes.InvalidArgument)
	ErrMissingKey      = New(KindConfig, "MISSING_SIGNING_KEY", "发送模式需要签名私钥", codes.FailedPrecondition)
	ErrInvalidAddress  = New(KindConfig, "INVALID_ADDRESS", "合约地址无效", codes.InvalidArgument)
	ErrInvalidRegistry = New(KindConfig, "INVALID_REGISTRY", "节点注册表无效", codes.InvalidArgument)
	ErrInvalidDate     = New(KindConfig, "INVALID_DATE", "业务日期无效", codes.InvalidArgument)

	// 去重
	ErrDedupUnavailable = New(KindDedup, "DEDUP_UNAVAILABLE", "无法确认链上是否已记录", codes.Unavailable)
	ErrAlreadyRecorded  = New(KindDedup, "ALREADY_RECORDED", "该日期已上链", codes.AlreadyExists)

	// 提交
	ErrTxRejected     = New(KindSubmission, "TX_REJECTED", "交易被拒绝", codes.Aborted)
	ErrTxFailed       = New(KindSubmission, "TX_FAILED", "交易执行失败", codes.Aborted)
	ErrReceiptTimeout = New(KindSubmission, "RECEIPT_TIMEOUT", "等待回执超时", codes.DeadlineExceeded)
	ErrSignerBusy     = New(KindSubmission, "SIGNER_BUSY", "签名账户被占用", codes.ResourceExhausted)
	ErrInvalidPayload = New(KindSubmission, "PAYLOAD_INVALID", "批量数据无效", codes.InvalidArgument)
)

// KindOf 获取错误分类，非分类错误视为 INTERNAL
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误分类
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Is 判断错误码
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "UNKNOWN"
}

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(e.GRPCCode, e.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
