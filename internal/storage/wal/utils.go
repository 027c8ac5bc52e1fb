package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"fmt"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 用途：NewWAL 時取得 last_seq 以繼續編號
//
// 回傳：
//
//	最後一個事件；檔案為空時回傳 ErrEmptyWAL
//	尾端損毀時同時回傳最後一個好事件與錯誤
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式與校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq gap %d -> %d", ErrCorruptedWAL, lastSeq, e.Seq)
		}
		lastSeq = e.Seq
		return nil
	})
}
