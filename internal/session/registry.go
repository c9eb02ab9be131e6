package session

import (
	"sync"

	"github.com/lk2023060901/passport-garden-go/pkg/metrics"
	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

// Registry 是基于内存 map 的会话注册表，并维护“账号 -> 会话”的登录绑定。
//
// 特性：
//   - 使用读写锁保证并发安全；
//   - Register 在遇到重复 ID 时返回错误，避免覆盖旧会话；
//   - Range 在遍历前复制一份会话切片，避免在持锁情况下执行用户回调；
//   - 同一账号至多绑定一个活跃会话：冲突检测与绑定写入在同一临界区内
//     完成，两个会话并发登录同一账号时恰好一个成功。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register 将会话加入注册表。
func (r *Registry) Register(sess *Session) error {
	if sess == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID()]; exists {
		return merr.WrapErrSessionDuplicateID(sess.ID())
	}
	r.sessions[sess.ID()] = sess
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

// Unregister 将会话移出注册表。会话不存在时返回错误。
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return merr.WrapErrSessionNotFound(id)
	}
	delete(r.sessions, id)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

// Get 按 ID 查找会话。
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Range 遍历全部会话；fn 返回 false 时提前终止。
func (r *Registry) Range(fn func(sess *Session) bool) {
	if fn == nil {
		return
	}

	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// Count 返回当前会话数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindByUser 返回当前绑定了指定账号的活跃会话。
func (r *Registry) FindByUser(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess := r.findByUserLocked(userID)
	return sess, sess != nil
}

func (r *Registry) findByUserLocked(userID string) *Session {
	for _, sess := range r.sessions {
		if sess.Active() && sess.UserID() == userID {
			return sess
		}
	}
	return nil
}

// Bind 尝试将账号绑定到指定会话。
//
// 返回值：
//   - 当该账号已绑定在其他活跃会话上时，返回该会话 ID 与 ErrSessionConflict，
//     调用方据此向客户端发起挤占询问；
//   - 当前会话已绑定其他账号时返回 ErrSessionAlreadyBound；
//   - 成功时两个返回值均为零值。
//
// 冲突扫描与绑定写入在同一临界区内完成，保证并发登录同一账号时
// 恰好一个会话绑定成功。
func (r *Registry) Bind(sess *Session, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bound := sess.UserID(); bound != "" {
		return "", merr.WrapErrSessionAlreadyBound(sess.ID(), bound)
	}
	if holder := r.findByUserLocked(userID); holder != nil && holder.ID() != sess.ID() {
		return holder.ID(), merr.WrapErrSessionConflict(userID, holder.ID())
	}

	sess.bindUser(userID)
	return "", nil
}

// ForceBind 将账号强制绑定到指定会话，挤占原持有者。
//
// 参数：
//   - force 为客户端对挤占询问的应答；仅当重新扫描仍发现持有者且应答
//     为 false 时放弃登录，返回 ErrLoginCancelled。持有者在冲突提示与
//     确认之间已自行下线属预期竞态，此时无论应答如何都直接绑定成功。
//
// 返回被挤占的会话（已解除绑定并置为不活跃），由调用方在锁外向其
// 发送下线通知并关闭连接；未发生挤占时返回 nil。
func (r *Registry) ForceBind(sess *Session, userID string, force bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bound := sess.UserID(); bound != "" {
		return nil, merr.WrapErrSessionAlreadyBound(sess.ID(), bound)
	}

	var kicked *Session
	if holder := r.findByUserLocked(userID); holder != nil && holder.ID() != sess.ID() {
		if !force {
			return nil, merr.WrapErrLoginCancelled(userID)
		}
		holder.clearUser()
		holder.Deactivate()
		kicked = holder
	}

	sess.bindUser(userID)
	return kicked, nil
}

// Logout 解除会话与账号的绑定。会话未登录时返回错误。
func (r *Registry) Logout(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess.UserID() == "" {
		return merr.WrapErrSessionNotLoggedIn(sess.ID())
	}
	sess.clearUser()
	return nil
}
