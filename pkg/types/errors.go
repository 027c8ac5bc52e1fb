package types

import (
	"errors"
	"fmt"
)

// 錯誤分類，呼叫者以 errors.Is 比對
var (
	ErrValidation              = errors.New("validation error")                       // 請求格式錯誤
	ErrUnschedulable           = errors.New("demand exceeds cluster capacity")        // 沒有節點容量放得下
	ErrDuplicateNode           = errors.New("node already registered")                // 節點 ID 或端點重複
	ErrInvariantViolation      = errors.New("resource accounting invariant violated") // 帳本不一致
	ErrDispatchTimeout         = errors.New("dispatch timed out")                     // Start / Await 逾時
	ErrDispatchRejected        = errors.New("dispatch rejected")                      // 派發池或節點拒絕
	ErrRemoteExecution         = errors.New("remote execution failed")                // 節點回報執行失敗
	ErrProvisioningUnavailable = errors.New("provisioning unavailable")               // 供應服務不可用

	ErrTaskNotFound      = errors.New("task not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNodeBusy          = errors.New("node holds reservations")
)

// ValidationError 請求欄位格式錯誤
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvariantViolationError 單一節點上的資源帳本不一致
type InvariantViolationError struct {
	NodeID NodeID
	Key    string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on node %s (reservation %s): %s", e.NodeID, e.Key, e.Reason)
}

func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}
