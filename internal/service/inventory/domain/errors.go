package domain

import (
	"errors"
	"fmt"
)

// 这里的错误分为两类：
//   - 业务结果类错误（库存不足、SKU/上下文不存在、状态机拒绝、参数不合法），
//     它们是高频、符合预期的分支，调用方必须据此做业务判断；
//   - 传输类错误（ErrStoreUnavailable），表示存储本身不可用，
//     永远不和库存不足混为一谈。
var (
	// ErrContextNotFound 的文案是对外契约的一部分，不要改动。
	ErrContextNotFound = errors.New("Order reservation context not found")

	// ErrStoreUnavailable 标记存储连接层面的失败。
	ErrStoreUnavailable = errors.New("inventory store unavailable")
)

// SKUNotFoundError 表示批量校验中碰到了未初始化的 SKU。
type SKUNotFoundError struct {
	SKU string
}

func (e *SKUNotFoundError) Error() string {
	return fmt.Sprintf("SKU %s not found", e.SKU)
}

// InsufficientStockError 表示批量校验中某个 SKU 库存不足。
// 整批请求都会被拒绝，错误里记录第一个不满足的条目。
type InsufficientStockError struct {
	SKU       string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock for SKU %s. Available: %d, Requested: %d", e.SKU, e.Available, e.Requested)
}

// InvalidStateError 表示对一个已处于终态的上下文重复 commit/release。
type InvalidStateError struct {
	Status ContextStatus
}

func NewInvalidStateError(status ContextStatus) *InvalidStateError {
	return &InvalidStateError{Status: status}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("Order reservation is not active (status: %s)", e.Status)
}

// ValidationError 表示请求在进入存储之前就被判定为不合法。
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsBusinessError 报告一个错误是否属于业务结果类。
// 调用方用它区分"需要分支处理的业务结论"和"应该报警的基础设施故障"。
func IsBusinessError(err error) bool {
	var (
		notFound     *SKUNotFoundError
		insufficient *InsufficientStockError
		invalidState *InvalidStateError
		validation   *ValidationError
	)
	return errors.As(err, &notFound) ||
		errors.As(err, &insufficient) ||
		errors.As(err, &invalidState) ||
		errors.As(err, &validation) ||
		errors.Is(err, ErrContextNotFound)
}
