// Package storage 定义存储层领域错误
//
// 派发账本（SQLite）和 Agent 注册中心（etcd）把底层错误
// 转换为这些领域错误，调用方用 errors.Is 判断。
package storage

import "errors"

var (
	// ErrNotFound 记录不存在
	// 替代 sql.ErrNoRows / 未注册的 Agent
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 状态冲突（条件更新未命中，如已派发的条目再标记失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")
)
