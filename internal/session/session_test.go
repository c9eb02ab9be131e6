package session

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

type SessionSuite struct {
	suite.Suite
}

// newPipeSession 创建一对内存管道，返回服务端会话与客户端读端。
func (s *SessionSuite) newPipeSession(id string) (*Session, *bufio.Reader, net.Conn) {
	server, client := net.Pipe()
	sess := New(context.Background(), id, server)
	s.T().Cleanup(func() {
		_ = sess.Close()
		_ = client.Close()
	})
	return sess, bufio.NewReader(client), client
}

func (s *SessionSuite) TestSendDeliversInOrder() {
	sess, reader, _ := s.newPipeSession("s1")

	s.NoError(sess.Send("SUCCESS|first"))
	s.NoError(sess.Send("SUCCESS|second"))

	line, err := reader.ReadString('\n')
	s.NoError(err)
	s.Equal("SUCCESS|first\n", line)

	line, err = reader.ReadString('\n')
	s.NoError(err)
	s.Equal("SUCCESS|second\n", line)
}

func (s *SessionSuite) TestCloseDrainsPendingMessages() {
	sess, reader, _ := s.newPipeSession("s1")

	s.NoError(sess.Send("GOODBYE|bye"))
	s.NoError(sess.Close())
	s.NoError(sess.Close())

	line, err := reader.ReadString('\n')
	s.NoError(err)
	s.Equal("GOODBYE|bye\n", line)

	// 连接最终由发送协程关闭。
	s.Eventually(func() bool {
		_, err := reader.ReadByte()
		return err != nil
	}, time.Second, 10*time.Millisecond)

	s.ErrorIs(sess.Send("SUCCESS|late"), merr.ErrSessionClosed)
}

func (s *SessionSuite) TestSendQueueFull() {
	server, client := net.Pipe()
	sess := New(context.Background(), "s1", server)
	s.T().Cleanup(func() {
		// 先关客户端，让阻塞中的写出立即出错返回。
		_ = client.Close()
		_ = sess.Close()
	})

	// 对端不读取时发送队列最终写满，超出部分立即拒绝而非阻塞调用方。
	var err error
	for i := 0; i < defaultSendQueueSize+2; i++ {
		if err = sess.Send("SUCCESS|ok"); err != nil {
			break
		}
	}
	s.ErrorIs(err, merr.ErrSessionQueueFull)
}

func (s *SessionSuite) TestDeactivate() {
	sess, _, _ := s.newPipeSession("s1")

	s.True(sess.Active())
	sess.Deactivate()
	s.False(sess.Active())
}

func TestSession(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

type RegistrySuite struct {
	suite.Suite

	registry *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.registry = NewRegistry()
}

func (s *RegistrySuite) newSession(id string) *Session {
	server, client := net.Pipe()
	sess := New(context.Background(), id, server)
	s.T().Cleanup(func() {
		_ = sess.Close()
		_ = client.Close()
	})
	return sess
}

func (s *RegistrySuite) TestRegisterDuplicateID() {
	sess := s.newSession("s1")
	s.NoError(s.registry.Register(sess))
	s.ErrorIs(s.registry.Register(sess), merr.ErrSessionDuplicateID)
	s.Equal(1, s.registry.Count())
}

func (s *RegistrySuite) TestUnregister() {
	sess := s.newSession("s1")
	s.NoError(s.registry.Register(sess))
	s.NoError(s.registry.Unregister("s1"))
	s.ErrorIs(s.registry.Unregister("s1"), merr.ErrSessionNotFound)

	_, ok := s.registry.Get("s1")
	s.False(ok)
}

func (s *RegistrySuite) TestBindConflict() {
	a := s.newSession("a")
	b := s.newSession("b")
	s.NoError(s.registry.Register(a))
	s.NoError(s.registry.Register(b))

	holder, err := s.registry.Bind(a, "alice")
	s.NoError(err)
	s.Empty(holder)
	s.Equal("alice", a.UserID())

	holder, err = s.registry.Bind(b, "alice")
	s.ErrorIs(err, merr.ErrSessionConflict)
	s.Equal("a", holder)
	s.Empty(b.UserID())
}

func (s *RegistrySuite) TestBindAlreadyBound() {
	a := s.newSession("a")
	s.NoError(s.registry.Register(a))

	_, err := s.registry.Bind(a, "alice")
	s.NoError(err)

	_, err = s.registry.Bind(a, "bob")
	s.ErrorIs(err, merr.ErrSessionAlreadyBound)
	s.Equal("alice", a.UserID())
}

func (s *RegistrySuite) TestConcurrentBindSingleWinner() {
	const workers = 16

	sessions := make([]*Session, workers)
	for i := range sessions {
		sessions[i] = s.newSession(string(rune('a' + i)))
		s.NoError(s.registry.Register(sessions[i]))
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.registry.Bind(sessions[i], "alice")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			s.Equal("alice", sessions[i].UserID())
		} else {
			s.ErrorIs(err, merr.ErrSessionConflict)
			s.Empty(sessions[i].UserID())
		}
	}
	s.Equal(1, winners)
}

func (s *RegistrySuite) TestForceBindKicksHolder() {
	a := s.newSession("a")
	b := s.newSession("b")
	s.NoError(s.registry.Register(a))
	s.NoError(s.registry.Register(b))

	_, err := s.registry.Bind(a, "alice")
	s.NoError(err)

	kicked, err := s.registry.ForceBind(b, "alice", true)
	s.NoError(err)
	s.Same(a, kicked)

	s.Equal("alice", b.UserID())
	s.Empty(a.UserID())
	s.False(a.Active())
	s.True(b.Active())

	// 原持有者已下线时不再产生被挤占会话。
	c := s.newSession("c")
	s.NoError(s.registry.Register(c))
	s.NoError(s.registry.Logout(b))
	kicked, err = s.registry.ForceBind(c, "alice", true)
	s.NoError(err)
	s.Nil(kicked)
}

func (s *RegistrySuite) TestForceBindDeclined() {
	a := s.newSession("a")
	b := s.newSession("b")
	s.NoError(s.registry.Register(a))
	s.NoError(s.registry.Register(b))

	// 原持有者仍在线时放弃挤占：双方绑定均不变。
	_, err := s.registry.Bind(a, "alice")
	s.NoError(err)

	kicked, err := s.registry.ForceBind(b, "alice", false)
	s.ErrorIs(err, merr.ErrLoginCancelled)
	s.Nil(kicked)
	s.Empty(b.UserID())
	s.Equal("alice", a.UserID())
	s.True(a.Active())
}

func (s *RegistrySuite) TestForceBindDeclinedWithoutHolder() {
	a := s.newSession("a")
	b := s.newSession("b")
	s.NoError(s.registry.Register(a))
	s.NoError(s.registry.Register(b))

	_, err := s.registry.Bind(a, "alice")
	s.NoError(err)
	s.NoError(s.registry.Logout(a))

	// 确认与冲突提示之间原持有者已下线：放弃应答同样直接绑定成功。
	kicked, err := s.registry.ForceBind(b, "alice", false)
	s.NoError(err)
	s.Nil(kicked)
	s.Equal("alice", b.UserID())
}

func (s *RegistrySuite) TestLogout() {
	a := s.newSession("a")
	s.NoError(s.registry.Register(a))

	s.ErrorIs(s.registry.Logout(a), merr.ErrSessionNotLoggedIn)

	_, err := s.registry.Bind(a, "alice")
	s.NoError(err)
	s.NoError(s.registry.Logout(a))
	s.Empty(a.UserID())

	s.ErrorIs(s.registry.Logout(a), merr.ErrSessionNotLoggedIn)
}

func (s *RegistrySuite) TestFindByUserIgnoresInactive() {
	a := s.newSession("a")
	s.NoError(s.registry.Register(a))

	_, err := s.registry.Bind(a, "alice")
	s.NoError(err)

	found, ok := s.registry.FindByUser("alice")
	s.True(ok)
	s.Same(a, found)

	a.Deactivate()
	_, ok = s.registry.FindByUser("alice")
	s.False(ok)
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
