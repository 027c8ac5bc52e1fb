// ============================================================================
// SuperVM 檔案存儲 - WAL + 快照組合後端
// ============================================================================
//
// Package: internal/storage/filestore
// 文件: filestore.go
// 功能: 以 WAL 記錄每次任務變更，定期快照後旋轉 WAL
//
// 崩潰恢復流程:
//   1. snapshot.Load() - 載入最新快照
//   2. wal.Replay()    - 重放快照後的事件（每個事件帶完整記錄，後者覆蓋前者）
//
// 冪等性:
//   快照寫入成功但 WAL 旋轉前崩潰時，WAL 中的事件會再次覆蓋相同記錄
//   結果與快照一致
//
// ============================================================================

package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/supervm/internal/snapshot"
	"github.com/ChuLiYu/supervm/internal/storage"
	"github.com/ChuLiYu/supervm/internal/storage/wal"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// Config 檔案後端配置
type Config struct {
	WALPath      string
	SnapshotPath string
	WAL          wal.Options
	KeepBackups  int // 保留的舊快照數量
}

// Store WAL + snapshot 後端
type Store struct {
	wal  *wal.WAL
	snap *snapshot.Manager
	cfg  Config
}

var _ storage.Backend = (*Store)(nil)

// Open 開啟（或建立）WAL 與快照檔
func Open(cfg Config) (*Store, error) {
	if cfg.WALPath == "" || cfg.SnapshotPath == "" {
		return nil, fmt.Errorf("filestore: wal and snapshot paths are required")
	}
	for _, dir := range []string{filepath.Dir(cfg.WALPath), filepath.Dir(cfg.SnapshotPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
	}
	w, err := wal.NewWAL(cfg.WALPath, cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Store{wal: w, snap: snapshot.NewManager(cfg.SnapshotPath), cfg: cfg}, nil
}

func eventType(op storage.Op) wal.EventType {
	switch op {
	case storage.OpSubmit:
		return wal.EventSubmit
	case storage.OpTransition:
		return wal.EventTransition
	default:
		return wal.EventUpdate
	}
}

// Save 追加一筆完整任務記錄到 WAL
func (s *Store) Save(_ context.Context, op storage.Op, task *types.Task) error {
	if _, err := s.wal.Append(eventType(op), task); err != nil {
		return fmt.Errorf("filestore: save %s: %w", task.ID, err)
	}
	return nil
}

// Load 快照 + WAL 重放，回傳依 Seq 排序的任務
func (s *Store) Load(_ context.Context) ([]*types.Task, error) {
	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("filestore: load snapshot: %w", err)
	}
	tasks := data.Tasks
	log.Info("Snapshot loaded", "tasks", len(tasks), "lastSeq", data.LastSeq)

	replayed := 0
	err = s.wal.Replay(func(e wal.Event) error {
		t, err := e.Task()
		if err != nil {
			return err
		}
		tasks[t.ID] = t
		replayed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: replay wal: %w", err)
	}
	log.Info("WAL replayed", "events", replayed)

	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Compact 寫入快照後旋轉 WAL
// 呼叫者必須保證期間沒有並發 Save
func (s *Store) Compact(_ context.Context, data types.SnapshotData) error {
	data.LastSeq = s.wal.GetLastSeq()
	if err := s.snap.WriteWithBackup(data, s.cfg.KeepBackups); err != nil {
		return fmt.Errorf("filestore: write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("filestore: rotate wal: %w", err)
	}
	log.Debug("Snapshot written and WAL rotated", "tasks", len(data.Tasks), "lastSeq", data.LastSeq)
	return nil
}

// Close flush 並關閉 WAL
func (s *Store) Close() error {
	return s.wal.Close()
}
