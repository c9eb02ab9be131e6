package store

import (
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/passport-garden-go/pkg/log"
	"github.com/lk2023060901/passport-garden-go/pkg/metrics"
	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

// Store 为账号数据的并发安全存储。
//
// 设计取舍：
//   - 整库一把互斥锁，所有读写严格串行，优先保证正确性与实现简单；
//   - 任何一次变更都在持锁期间同步整体落盘，调用方观察到的内存与
//     磁盘状态保持先后一致；
//   - 落盘失败只告警并计数，不回滚内存变更（后端为本地文件，失败
//     属罕见的运维问题）。
type Store struct {
	mu      sync.Mutex
	users   map[string]User
	backend Backend
}

// New 创建一个基于给定后端的空 Store。
// 调用 Load 之前，Store 中没有任何账号。
func New(backend Backend) *Store {
	return &Store{
		users:   make(map[string]User),
		backend: backend,
	}
}

// Load 从后端加载全部账号到内存。
// 后端不存在时视为空库，属正常情况。
func (s *Store) Load() error {
	users, err := s.backend.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]User, len(users))
	for _, u := range users {
		s.users[u.ID] = u
	}
	metrics.RegisteredUsers.Set(float64(len(s.users)))
	return nil
}

// Register 创建一个新账号并立即持久化。
func (s *Store) Register(id, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; exists {
		return merr.WrapErrUserAlreadyExist(id)
	}
	if id == "" || password == "" {
		return merr.WrapErrUserEmptyField("register")
	}

	s.users[id] = User{ID: id, Password: password}
	s.persistLocked()
	return nil
}

// Authenticate 校验账号口令，只验证身份，不修改任何状态。
func (s *Store) Authenticate(id, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return merr.WrapErrUserNotFound(id)
	}
	if !u.VerifyPassword(password) {
		return merr.WrapErrUserWrongPassword(id)
	}
	return nil
}

// SetProfile 更新账号的自定义字符串并立即持久化。
func (s *Store) SetProfile(id, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return merr.WrapErrUserNotFound(id)
	}

	u.Profile = profile
	s.users[id] = u
	s.persistLocked()
	return nil
}

// GetProfile 返回账号的自定义字符串。
func (s *Store) GetProfile(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return "", merr.WrapErrUserNotFound(id)
	}
	return u.Profile, nil
}

// ChangePassword 校验旧口令后更新为新口令，并立即持久化。
func (s *Store) ChangePassword(id, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return merr.WrapErrUserEmptyField("change password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return merr.WrapErrUserNotFound(id)
	}
	if !u.VerifyPassword(oldPassword) {
		return merr.WrapErrUserWrongPassword(id, "old password mismatch")
	}

	u.Password = newPassword
	s.users[id] = u
	s.persistLocked()
	return nil
}

// Delete 校验口令后永久删除账号，并立即持久化。
// 口令不匹配时即使是本人登录会话也一律拒绝。
func (s *Store) Delete(id, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return merr.WrapErrUserNotFound(id)
	}
	if !u.VerifyPassword(password) {
		return merr.WrapErrUserWrongPassword(id)
	}

	delete(s.users, id)
	s.persistLocked()
	return nil
}

// Count 返回当前账号数量。
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// snapshotLocked 在持锁状态下导出按 ID 排序的账号切片。
// 排序保证持久化结果确定，save(load()) 为不动点。
func (s *Store) snapshotLocked() []User {
	ids := lo.Keys(s.users)
	sort.Strings(ids)

	return lo.Map(ids, func(id string, _ int) User {
		return s.users[id]
	})
}

// persistLocked 在持锁状态下将整库同步写入后端。
// 写入失败只告警并计数，内存状态保持已提交。
func (s *Store) persistLocked() {
	if err := s.backend.Save(s.snapshotLocked()); err != nil {
		metrics.StoreSaveFailuresTotal.Inc()
		log.Warn("persist user store failed",
			zap.Int("users", len(s.users)),
			zap.Error(err))
	}
	metrics.RegisteredUsers.Set(float64(len(s.users)))
}
