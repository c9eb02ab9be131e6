package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/passport-garden-go/pkg/log"
	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

// Backend 抽象用户数据的持久化介质。
//
// 约定：
//   - Load 在介质尚不存在时返回空集而非错误（首次启动属正常情况）；
//   - Save 以整体覆盖的方式写入全部记录，失败时不得留下写了一半的数据。
type Backend interface {
	Load() ([]User, error)
	Save(users []User) error
}

// FileBackend 将账号保存为本地文本文件，一行一条记录。
//
// Save 先写入同目录下的临时文件再原子改名，避免进程中途退出或磁盘
// 写满时破坏既有数据。
type FileBackend struct {
	path string
}

// 确保 FileBackend 实现了 Backend 接口。
var _ Backend = (*FileBackend)(nil)

// NewFileBackend 创建一个以 path 为数据文件的文件后端。
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load 实现 Backend.Load。
func (b *FileBackend) Load() ([]User, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, merr.WrapErrIoFailed(b.path, err)
	}

	var users []User
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		u, err := UnmarshalRecord(line)
		if err != nil {
			// 损坏的记录跳过并告警，不让单行问题拖垮整库加载。
			log.Warn("skip malformed user record", zap.String("path", b.path), zap.Error(err))
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// Save 实现 Backend.Save。
func (b *FileBackend) Save(users []User) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return merr.WrapErrIoFailed(b.path, err)
	}

	tmp, err := os.CreateTemp(dir, ".users-*.tmp")
	if err != nil {
		return merr.WrapErrIoFailed(b.path, err)
	}
	tmpName := tmp.Name()

	var sb strings.Builder
	for _, u := range users {
		sb.WriteString(u.MarshalRecord())
		sb.WriteByte('\n')
	}

	if _, err := tmp.WriteString(sb.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return merr.WrapErrIoFailed(b.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return merr.WrapErrIoFailed(b.path, err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return merr.WrapErrIoFailed(b.path, err)
	}
	return nil
}
