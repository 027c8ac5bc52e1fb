// Package etcdstore persists task records in etcd.
//
// Schema: each task is a JSON value under "<prefix>/tasks/<id>". Loading reads
// the whole prefix; there is no per-operation log, so compaction is a no-op
// apart from pruning terminal records past the retention window.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ChuLiYu/supervm/internal/storage"
	"github.com/ChuLiYu/supervm/pkg/types"
)

var log = slog.Default()

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "/supervm"

// Config etcd 後端配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	Retention   time.Duration // terminal tasks older than this are pruned on Compact (0 = keep)
}

// Store is the etcd-backed storage.Backend.
type Store struct {
	kv        clientv3.KV
	closer    func() error
	prefix    string
	retention time.Duration
}

var _ storage.Backend = (*Store)(nil)

// Open dials the cluster.
func Open(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcdstore: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: connect %v: %w", cfg.Endpoints, err)
	}
	s := NewWithKV(cli, cfg)
	s.closer = cli.Close
	return s, nil
}

// NewWithKV wraps an existing KV (a client, a namespace, or a test double).
func NewWithKV(kv clientv3.KV, cfg Config) *Store {
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{kv: kv, closer: func() error { return nil }, prefix: prefix, retention: cfg.Retention}
}

func (s *Store) taskPrefix() string {
	return s.prefix + "/tasks/"
}

func (s *Store) taskKey(id types.TaskID) string {
	return s.taskPrefix() + string(id)
}

// Save writes the record under its key.
func (s *Store) Save(ctx context.Context, _ storage.Op, task *types.Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("etcdstore: marshal %s: %w", task.ID, err)
	}
	if _, err := s.kv.Put(ctx, s.taskKey(task.ID), string(b)); err != nil {
		return fmt.Errorf("etcdstore: put %s: %w", task.ID, err)
	}
	return nil
}

// Load reads every task under the prefix, ordered by Seq.
func (s *Store) Load(ctx context.Context) ([]*types.Task, error) {
	resp, err := s.kv.Get(ctx, s.taskPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcdstore: get %s: %w", s.taskPrefix(), err)
	}
	tasks := make([]*types.Task, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var t types.Task
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			log.Warn("Skipping unreadable task record", "key", string(kv.Key), "error", err)
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

// Compact prunes terminal tasks that finished before the retention window.
func (s *Store) Compact(ctx context.Context, snap types.SnapshotData) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention)
	pruned := 0
	for id, t := range snap.Tasks {
		if !t.State.Terminal() || t.FinishedAt == nil || t.FinishedAt.After(cutoff) {
			continue
		}
		if _, err := s.kv.Delete(ctx, s.taskKey(id)); err != nil {
			return fmt.Errorf("etcdstore: delete %s: %w", id, err)
		}
		pruned++
	}
	if pruned > 0 {
		log.Info("Pruned terminal task records", "count", pruned)
	}
	return nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	return s.closer()
}
