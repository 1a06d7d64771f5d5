// Package apperr 定义了核心流程的错误分类。
// 编排器根据错误类型决定重试策略与呈现给用户的文案。
package apperr

import (
	"errors"
	"fmt"
)

// ExtractionError 表示文档损坏或无法解析，不可重试。
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("文档解析失败: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbeddingError 表示远程向量化调用失败，最多重试一次。
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("向量化调用失败: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ModelCallError 表示远程生成调用失败。RateLimited 为真时重试前需要退避。
type ModelCallError struct {
	Err         error
	RateLimited bool
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("模型调用失败: %v", e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// StoreError 表示持久化失败，当前轮次终止。
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("持久化失败: %v", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRateLimited 判断错误链中是否存在被限流的模型调用错误。
func IsRateLimited(err error) bool {
	var mce *ModelCallError
	return errors.As(err, &mce) && mce.RateLimited
}
