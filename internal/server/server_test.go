package server

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/passport-garden-go/internal/store"
	"github.com/lk2023060901/passport-garden-go/pkg/metrics"
)

type ServerSuite struct {
	suite.Suite

	server *Server
	cancel context.CancelFunc
}

func (s *ServerSuite) SetupTest() {
	st := store.New(store.NewFileBackend(filepath.Join(s.T().TempDir(), "users.dat")))
	s.NoError(st.Load())

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ReadTimeout = 2 * time.Second
	cfg.MaxMessageSize = 256
	cfg.StopGrace = 2 * time.Second

	srv, err := New(cfg, st)
	s.Require().NoError(err)
	s.server = srv

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		_ = srv.Serve(ctx)
	}()

	s.Require().Eventually(func() bool {
		return srv.Addr() != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TearDownTest() {
	s.cancel()
	_ = s.server.Stop()
}

// client 封装测试用的客户端连接。
type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (s *ServerSuite) dial() *client {
	conn, err := net.Dial("tcp", s.server.Addr().String())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(s *ServerSuite, line string) {
	_, err := c.conn.Write([]byte(line + "\n"))
	s.Require().NoError(err)
}

func (c *client) recv(s *ServerSuite) string {
	s.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	line, err := c.reader.ReadString('\n')
	s.Require().NoError(err)
	return strings.TrimSuffix(line, "\n")
}

// request 发送一条命令并返回对应的响应。
func (c *client) request(s *ServerSuite, line string) string {
	c.send(s, line)
	return c.recv(s)
}

// dialReady 建立连接并消费欢迎消息，返回客户端与会话 ID。
func (s *ServerSuite) dialReady() (*client, string) {
	c := s.dial()
	welcome := c.recv(s)
	s.Require().True(strings.HasPrefix(welcome, "WELCOME|"), welcome)

	fields := strings.Split(welcome, "|")
	s.Require().Len(fields, 3)
	return c, fields[2]
}

func (s *ServerSuite) TestWelcomeCarriesUniqueSessionID() {
	_, sid1 := s.dialReady()
	_, sid2 := s.dialReady()

	s.NotEmpty(sid1)
	s.NotEqual(sid1, sid2)
}

func (s *ServerSuite) TestRegisterAndLogin() {
	c, _ := s.dialReady()

	s.Equal("SUCCESS|用户注册成功", c.request(s, "REGISTER|alice|secret"))
	s.Equal("ERROR|用户ID已存在", c.request(s, "REGISTER|alice|other"))

	s.Equal("ERROR|密码错误", c.request(s, "LOGIN|alice|wrong"))
	s.Equal("ERROR|用户不存在", c.request(s, "LOGIN|bob|secret"))
	s.Equal("SUCCESS|登录成功", c.request(s, "LOGIN|alice|secret"))

	// 同一会话重复登录被拒绝。
	s.Equal("ERROR|当前会话已有用户登录", c.request(s, "LOGIN|alice|secret"))
}

func (s *ServerSuite) TestProfileLifecycle() {
	c, _ := s.dialReady()

	s.Equal("ERROR|请先登录", c.request(s, "SET_STRING|hello"))
	s.Equal("ERROR|请先登录", c.request(s, "GET_STRING"))

	c.request(s, "REGISTER|alice|secret")
	c.request(s, "LOGIN|alice|secret")

	s.Equal("SUCCESS|", c.request(s, "GET_STRING"))
	s.Equal("SUCCESS|用户字符串已更新", c.request(s, "SET_STRING|hello world"))
	s.Equal("SUCCESS|hello world", c.request(s, "GET_STRING"))
}

func (s *ServerSuite) TestChangePassword() {
	c, _ := s.dialReady()

	c.request(s, "REGISTER|alice|old")
	s.Equal("ERROR|请先登录", c.request(s, "CHANGE_PASSWORD|old|new"))

	c.request(s, "LOGIN|alice|old")
	s.Equal("ERROR|旧密码错误", c.request(s, "CHANGE_PASSWORD|wrong|new"))
	s.Equal("ERROR|密码不能为空", c.request(s, "CHANGE_PASSWORD|old|"))
	s.Equal("SUCCESS|密码修改成功", c.request(s, "CHANGE_PASSWORD|old|new"))

	c.request(s, "LOGOUT")
	s.Equal("SUCCESS|登录成功", c.request(s, "LOGIN|alice|new"))
}

func (s *ServerSuite) TestLogout() {
	c, _ := s.dialReady()

	s.Equal("ERROR|没有用户处于登录状态", c.request(s, "LOGOUT"))

	c.request(s, "REGISTER|alice|secret")
	c.request(s, "LOGIN|alice|secret")
	s.Equal("SUCCESS|登出成功", c.request(s, "LOGOUT"))
	s.Equal("ERROR|没有用户处于登录状态", c.request(s, "LOGOUT"))

	// 登出后账号可被再次登录。
	s.Equal("SUCCESS|登录成功", c.request(s, "LOGIN|alice|secret"))
}

func (s *ServerSuite) TestDeleteAccount() {
	c, _ := s.dialReady()

	c.request(s, "REGISTER|alice|secret")
	c.request(s, "LOGIN|alice|secret")

	s.Equal("ERROR|密码错误", c.request(s, "DELETE|alice|wrong"))
	s.Equal("SUCCESS|用户注销成功", c.request(s, "DELETE|alice|secret"))

	// 删除当前登录账号后绑定被解除。
	s.Equal("ERROR|没有用户处于登录状态", c.request(s, "LOGOUT"))
	s.Equal("ERROR|用户不存在", c.request(s, "LOGIN|alice|secret"))
}

func (s *ServerSuite) TestLoginConflictAndPreemption() {
	a, sidA := s.dialReady()
	b, _ := s.dialReady()

	a.request(s, "REGISTER|alice|secret")
	s.Equal("SUCCESS|登录成功", a.request(s, "LOGIN|alice|secret"))

	conflict := b.request(s, "LOGIN|alice|secret")
	s.Equal("CONFLICT|用户已在其他客户端登录|"+sidA+"|是否挤占下线？(Y/N)", conflict)

	// 放弃挤占：双方状态不变。
	s.Equal("ERROR|登录已取消", b.request(s, "FORCE_LOGIN|alice|secret|N"))
	s.Equal("SUCCESS|用户字符串已更新", a.request(s, "SET_STRING|still here"))

	// 确认挤占：新会话登录成功，原会话收到下线通知且连接被关闭。
	s.Equal("SUCCESS|登录成功，已挤占原会话", b.request(s, "FORCE_LOGIN|alice|secret|Y"))
	s.Equal("KICKED|您的账号在其他地方登录，连接已断开", a.recv(s))

	s.Require().NoError(a.conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, err := a.reader.ReadByte()
	s.Error(err)

	// 账号数据不受挤占影响。
	s.Equal("SUCCESS|still here", b.request(s, "GET_STRING"))
}

func (s *ServerSuite) TestForceLoginWithoutHolder() {
	c, _ := s.dialReady()

	c.request(s, "REGISTER|alice|secret")
	s.Equal("SUCCESS|登录成功，已挤占原会话", c.request(s, "FORCE_LOGIN|alice|secret|Y"))
}

func (s *ServerSuite) TestForceLoginDeclinedAfterHolderLeft() {
	a, _ := s.dialReady()
	b, _ := s.dialReady()

	a.request(s, "REGISTER|alice|secret")
	a.request(s, "LOGIN|alice|secret")
	s.Require().True(strings.HasPrefix(b.request(s, "LOGIN|alice|secret"), "CONFLICT|"))

	// 冲突提示与确认之间原持有者主动登出，放弃应答也直接登录成功。
	a.request(s, "LOGOUT")
	s.Equal("SUCCESS|登录成功，已挤占原会话", b.request(s, "FORCE_LOGIN|alice|secret|N"))
	s.Equal("SUCCESS|用户字符串已更新", b.request(s, "SET_STRING|mine"))
}

func (s *ServerSuite) TestMissingParameters() {
	c, _ := s.dialReady()

	s.Equal("ERROR|参数不足", c.request(s, "REGISTER|alice"))
	s.Equal("ERROR|参数不足", c.request(s, "LOGIN|alice"))
	s.Equal("ERROR|参数不足", c.request(s, "FORCE_LOGIN|alice|secret"))
	s.Equal("ERROR|参数不足", c.request(s, "DELETE|alice"))
	s.Equal("ERROR|参数不足", c.request(s, "CHANGE_PASSWORD|old"))
	s.Equal("ERROR|参数不足", c.request(s, "SET_STRING"))
}

func (s *ServerSuite) TestUnknownCommand() {
	c, _ := s.dialReady()
	s.Equal("ERROR|未知命令: PING", c.request(s, "PING"))

	// 空行解析为空命令，同样按未知命令应答。
	s.Equal("ERROR|未知命令: ", c.request(s, ""))
}

func (s *ServerSuite) TestUnknownCommandMetricLabelCollapsed() {
	c, _ := s.dialReady()

	unknown := metrics.CommandsTotal.WithLabelValues(unknownCommandLabel, metrics.StatusError)
	before := testutil.ToFloat64(unknown)

	// 对端自造的命令名不进入指标标签，统一归并计数。
	s.Equal("ERROR|未知命令: FOO_BAR", c.request(s, "FOO_BAR|x"))

	s.Eventually(func() bool {
		return testutil.ToFloat64(unknown) >= before+1
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestIdleTimeoutClosesConnection() {
	c, _ := s.dialReady()

	// 超过读超时未发送任何命令，服务器断开连接。
	s.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(4 * time.Second)))
	_, err := c.reader.ReadByte()
	s.Error(err)
}

func (s *ServerSuite) TestQuitClosesSession() {
	c, _ := s.dialReady()

	s.Equal("GOODBYE|感谢使用", c.request(s, "QUIT"))

	s.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, err := c.reader.ReadByte()
	s.Error(err)

	s.Eventually(func() bool {
		return s.server.Registry().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestOversizedMessageClosesConnection() {
	c, _ := s.dialReady()

	c.send(s, "SET_STRING|"+strings.Repeat("x", 512))

	s.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, err := c.reader.ReadString('\n')
	s.Error(err)
}

func (s *ServerSuite) TestDisconnectReleasesBinding() {
	a, _ := s.dialReady()

	a.request(s, "REGISTER|alice|secret")
	a.request(s, "LOGIN|alice|secret")
	_ = a.conn.Close()

	b, _ := s.dialReady()
	s.Eventually(func() bool {
		return b.request(s, "LOGIN|alice|secret") == "SUCCESS|登录成功"
	}, 2*time.Second, 50*time.Millisecond)
}

func (s *ServerSuite) TestStopIdempotent() {
	s.NoError(s.server.Stop())
	s.NoError(s.server.Stop())

	_, err := net.Dial("tcp", s.server.Addr().String())
	s.Error(err)
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}
