package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/passport-garden-go/internal/protocol"
	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

const (
	// defaultSendQueueSize 为每个会话的发送队列容量。
	defaultSendQueueSize = 64

	// drainTimeout 为会话关闭时写出残留消息的最长时间。
	drainTimeout = 5 * time.Second
)

// Session 表示一条客户端连接及其登录状态。
//
// 设计目标：
//   - 每个 Session 对应一条底层 TCP 连接，生命周期与连接一致；
//   - 所有外发消息统一投递到会话级发送队列，由独立的发送协程按顺序
//     写出，避免多 goroutine 并发写 conn 导致的报文交叉；
//   - 登录绑定（userID）由 Registry 在其锁内更新，Session 自身只提供
//     并发安全的读写入口。
type Session struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	conn       net.Conn
	remoteAddr net.Addr

	// mu 保护 userID。绑定关系的唯一性约束由 Registry 维护，
	// 这里只保证单字段读写的可见性。
	mu     sync.RWMutex
	userID string

	// active 标记会话是否仍接受业务命令。
	// 被挤占下线或已发送 GOODBYE 的会话置为 false，读循环随后退出。
	active *atomic.Bool

	sendQueue chan string
	closeOnce sync.Once
}

// New 创建一个基于 net.Conn 的 Session 并启动其发送协程。
//
// 参数：
//   - parent：会话所属的上层上下文（例如 Server 的 Serve ctx）；若为 nil，则使用 context.Background()；
//   - id    ：会话 ID，由调用侧保证全局唯一；
//   - conn  ：底层网络连接。
func New(parent context.Context, id string, conn net.Conn) *Session {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		remoteAddr: conn.RemoteAddr(),
		active:     atomic.NewBool(true),
		sendQueue:  make(chan string, defaultSendQueueSize),
	}
	go s.sendLoop()

	return s
}

// ID 返回该会话的全局唯一标识。
func (s *Session) ID() string {
	return s.id
}

// Context 返回与该会话关联的上下文。会话关闭时触发 Done。
func (s *Session) Context() context.Context {
	return s.ctx
}

// RemoteAddr 返回远端地址，主要用于日志与审计。
func (s *Session) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// Conn 返回底层连接，供读循环设置读超时与读取数据。
func (s *Session) Conn() net.Conn {
	return s.conn
}

// UserID 返回当前绑定的账号 ID；未登录时为空串。
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// bindUser / clearUser 仅供 Registry 在其锁内调用。
func (s *Session) bindUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *Session) clearUser() {
	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
}

// Active 报告会话是否仍接受业务命令。
func (s *Session) Active() bool {
	return s.active.Load()
}

// Deactivate 将会话标记为不再接受业务命令。
//
// 说明：
//   - 用于挤占下线与 QUIT：先投递最后一条消息，再置位，读循环在下一次
//     取指令时发现置位并退出；
//   - 只置标记，不关闭连接，保证队列中尚未写出的消息仍有机会送达。
func (s *Session) Deactivate() {
	s.active.Store(false)
}

// Send 将一条响应投递到该会话的发送队列。
//
// 行为：
//   - 非阻塞投递：队列已满时返回 ErrSessionQueueFull，消息被丢弃，
//     慢客户端不会拖慢持有注册表锁的调用方；
//   - 会话已关闭时返回 ErrSessionClosed。
func (s *Session) Send(line string) error {
	select {
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.id)
	default:
	}

	select {
	case s.sendQueue <- line:
		return nil
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.id)
	default:
		return merr.WrapErrSessionQueueFull(s.id)
	}
}

// sendLoop 为该会话唯一的写出协程，并负责最终关闭底层连接。
// 逐条取出响应，追加消息结束符后写入底层连接；写失败即退出。
// Close 只触发 Context 取消，实际的 conn.Close 统一在这里执行，
// 保证关闭前队列中的 GOODBYE/KICKED 仍有机会写出。
func (s *Session) sendLoop() {
	defer s.conn.Close()

	for {
		select {
		case line := <-s.sendQueue:
			if err := s.write(line); err != nil {
				return
			}
		case <-s.ctx.Done():
			// 收尾阶段限时写出残留消息，不给慢客户端无限等待。
			_ = s.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
			for {
				select {
				case line := <-s.sendQueue:
					if err := s.write(line); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(line string) error {
	_, err := s.conn.Write(append([]byte(line), protocol.Terminator))
	return err
}

// Close 关闭该会话：置为不活跃并触发 Context 取消。
// 底层连接由发送协程在清空队列后关闭。多次调用幂等。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		s.cancel()
	})
	return nil
}
