package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble/v2"

	"chatsync/client/internal/model"
)

// ErrNoLocalID 只能记录带本地幂等键的条目
var ErrNoLocalID = errors.New("journal entry needs a local id")

// Journal 本地发出但尚未完成的条目（未送达文本、未完成上传）
//
// 基于 PebbleDB，key 为 room \x00 localID，value 为条目 JSON。
type Journal struct {
	db *pebble.DB
}

// Open 打开（必要时创建）目录下的 journal
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func entryKey(room, localID string) []byte {
	key := make([]byte, 0, len(room)+1+len(localID))
	key = append(key, room...)
	key = append(key, 0)
	return append(key, localID...)
}

// roomBounds 房间前缀的迭代区间 [room\x00, room\x01)
func roomBounds(room string) ([]byte, []byte) {
	lower := append([]byte(room), 0)
	upper := append([]byte(room), 1)
	return lower, upper
}

// Record 写入或覆盖一条记录
func (j *Journal) Record(msg model.Message) error {
	if msg.LocalID == "" {
		return ErrNoLocalID
	}
	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return j.db.Set(entryKey(msg.RoomName, msg.LocalID), val, pebble.Sync)
}

// Remove 删除一条记录；不存在时不报错
func (j *Journal) Remove(room, localID string) error {
	return j.db.Delete(entryKey(room, localID), pebble.Sync)
}

// List 房间内的全部记录，按发送时间排序
func (j *Journal) List(room string) ([]model.Message, error) {
	lower, upper := roomBounds(room)
	it, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]model.Message, 0, 16)
	for it.First(); it.Valid(); it.Next() {
		var m model.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].SentAt != out[b].SentAt {
			return out[a].SentAt < out[b].SentAt
		}
		return out[a].LocalID < out[b].LocalID
	})
	return out, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
