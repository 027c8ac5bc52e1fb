package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務記錄事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復任務存儲
// 3. 支援日誌旋轉（快照後清空，舊段 gzip 壓縮保存）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options WAL 選項
type Options struct {
	SyncOnAppend  bool          // 每次追加都 fsync
	BufferSize    int           // 非同步模式下緩衝多少事件後 flush
	FlushInterval time.Duration // 非同步模式下最長 flush 間隔
	KeepSegments  bool          // 旋轉後保留壓縮的舊段
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	opts    Options
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	last, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = last.Seq
	case errors.Is(err, ErrEmptyWAL):
	default:
		// 損毀的尾端不阻止開啟，Replay 時會再次回報
		log.Warn("WAL tail unreadable, continuing from last good event", "path", path, "error", err)
		if last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個任務記錄事件
//
// 行為：
// - 自動遞增 seq
// - 序列化完整任務記錄並計算 checksum
// - SyncOnAppend 時立即寫入並 fsync，否則批次寫入
//
// 回傳：
//
//	分配的 seq，錯誤（如果寫入失敗）
func (w *WAL) Append(eventType EventType, task *types.Task) (uint64, error) {
	record, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal task %s: %w", task.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		TaskID:    task.ID,
		Timestamp: time.Now().UnixMilli(),
		Record:    record,
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝事件寫入並 fsync
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 最後一行被截斷（寫入中崩潰）時記錄警告並停止，其餘錯誤立即回傳
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil && !errors.Is(err, ErrWALClosed) {
		return err
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		var event Event
		offset := decoder.InputOffset()
		err := decoder.Decode(&event)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn("WAL ends with a torn record, ignoring it", "path", path, "afterSeq", lastSeq, "offset", offset)
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}

// Rotate 旋轉日誌檔案
//
// 快照寫入成功後呼叫：舊段壓縮為 <path>.<timestamp>.gz（KeepSegments 時）
// 新檔案 seq 從 0 開始
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}
	if w.opts.KeepSegments {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			log.Warn("Failed to compress rotated WAL segment", "path", backupPath, "error", err)
		} else {
			os.Remove(backupPath)
		}
	} else {
		os.Remove(backupPath)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if w.closed {
		return ErrWALClosed
	}
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// compressWALFile 將旋轉出的舊段壓縮為 gzip
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
