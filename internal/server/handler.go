package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/passport-garden-go/internal/protocol"
	"github.com/lk2023060901/passport-garden-go/internal/session"
	"github.com/lk2023060901/passport-garden-go/pkg/log"
	"github.com/lk2023060901/passport-garden-go/pkg/metrics"
	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

// 面向客户端的响应文本。首字段为机器可读的状态字，其余为提示内容。
const (
	respRegisterOK       = "SUCCESS|用户注册成功"
	respRegisterExists   = "ERROR|用户ID已存在"
	respRegisterEmpty    = "ERROR|用户ID和密码不能为空"
	respLoginOK          = "SUCCESS|登录成功"
	respForceLoginOK     = "SUCCESS|登录成功，已挤占原会话"
	respAlreadyLoggedIn  = "ERROR|当前会话已有用户登录"
	respUserNotFound     = "ERROR|用户不存在"
	respWrongPassword    = "ERROR|密码错误"
	respLoginCancelled   = "ERROR|登录已取消"
	respLogoutOK         = "SUCCESS|登出成功"
	respNoUserLoggedIn   = "ERROR|没有用户处于登录状态"
	respDeleteOK         = "SUCCESS|用户注销成功"
	respSetStringOK      = "SUCCESS|用户字符串已更新"
	respChangePwdOK      = "SUCCESS|密码修改成功"
	respPasswordEmpty    = "ERROR|密码不能为空"
	respOldPasswordWrong = "ERROR|旧密码错误"
	respNeedLogin        = "ERROR|请先登录"
	respMissingParams    = "ERROR|参数不足"
	respGoodbye          = "GOODBYE|感谢使用"
	respKicked           = "KICKED|您的账号在其他地方登录，连接已断开"

	welcomePrefix       = "WELCOME|TCP用户系统服务器|"
	conflictPrefix      = "CONFLICT|用户已在其他客户端登录|"
	conflictSuffix      = "|是否挤占下线？(Y/N)"
	unknownCmdPrefix    = "ERROR|未知命令: "
	successStringPrefix = "SUCCESS|"
)

// unknownCommandLabel 为无法识别的命令在指标中统一使用的标签值，
// 命令名由对端任意给出，不能直接进指标标签。
const unknownCommandLabel = "unknown"

// handleConnection 管理单条客户端连接的完整生命周期。
//
// 流程：
//  1. 分配会话 ID，创建 Session 并注册到注册表；
//  2. 发送欢迎消息；
//  3. 循环读取命令并分发处理，直到会话不再活跃或连接断开；
//  4. 收尾：自动登出、移出注册表、关闭连接。
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	sess := session.New(ctx, uuid.NewString(), conn)

	logger := log.With(
		zap.String("session", shortID(sess.ID())),
		zap.String("remote", sess.RemoteAddr().String()))

	if err := s.registry.Register(sess); err != nil {
		logger.Warn("register session failed", zap.Error(err))
		_ = sess.Close()
		return
	}
	logger.Info("session created")

	if err := sess.Send(welcomePrefix + sess.ID()); err != nil {
		logger.Warn("send welcome failed", zap.Error(err))
	}

	cause := s.serveSession(sess, logger)

	// 会话结束时自动登出。
	if user := sess.UserID(); user != "" {
		_ = s.registry.Logout(sess)
		logger.Info("user operation",
			zap.String("user", user),
			zap.String("op", "SESSION_END"),
			zap.String("result", "自动登出"))
	}

	_ = s.registry.Unregister(sess.ID())
	_ = sess.Close()

	if cause != nil {
		logger.Info("session closed", zap.Error(cause))
	} else {
		logger.Info("session closed")
	}
}

// serveSession 循环读取并处理命令。返回导致会话结束的原因；
// 对端正常断开或会话被主动置为不活跃时返回 nil。
func (s *Server) serveSession(sess *session.Session, logger *zap.Logger) error {
	scanner := bufio.NewScanner(sess.Conn())
	scanner.Buffer(make([]byte, 0, s.cfg.MaxMessageSize), s.cfg.MaxMessageSize)

	for sess.Active() {
		if err := sess.Conn().SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}

		if !scanner.Scan() {
			err := scanner.Err()
			switch {
			case err == nil:
				// 对端关闭连接。
				return nil
			case errors.Is(err, bufio.ErrTooLong):
				logger.Warn("message exceeds size limit, closing session",
					zap.Int("limit", s.cfg.MaxMessageSize))
				return err
			case errors.Is(err, net.ErrClosed):
				return nil
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					logger.Info("session idle timeout",
						zap.Duration("read_timeout", s.cfg.ReadTimeout))
					return nil
				}
				return err
			}
		}

		line := scanner.Text()
		if !sess.Active() {
			return nil
		}

		if quit := s.dispatch(sess, protocol.Parse(line), logger); quit {
			return nil
		}
	}
	return nil
}

// dispatch 处理一条已解析的命令并发送响应。
// 返回 true 表示客户端请求结束会话。
func (s *Server) dispatch(sess *session.Session, msg protocol.Message, logger *zap.Logger) (quit bool) {
	start := time.Now()
	response := ""
	status := metrics.StatusError
	command := msg.Command

	switch msg.Command {
	case protocol.CmdRegister:
		response, status = s.handleRegister(sess, msg, logger)
	case protocol.CmdLogin:
		response, status = s.handleLogin(sess, msg, logger)
	case protocol.CmdForceLogin:
		response, status = s.handleForceLogin(sess, msg, logger)
	case protocol.CmdLogout:
		response, status = s.handleLogout(sess, logger)
	case protocol.CmdDelete:
		response, status = s.handleDelete(sess, msg, logger)
	case protocol.CmdChangePassword:
		response, status = s.handleChangePassword(sess, msg, logger)
	case protocol.CmdSetString:
		response, status = s.handleSetString(sess, msg, logger)
	case protocol.CmdGetString:
		response, status = s.handleGetString(sess, logger)
	case protocol.CmdQuit:
		user := sess.UserID()
		if user == "" {
			user = "未登录"
		}
		auditLog(logger, user, protocol.CmdQuit, "客户端退出")
		s.reply(sess, respGoodbye, logger)
		sess.Deactivate()
		observeCommand(msg.Command, metrics.StatusSuccess, start)
		return true
	default:
		logger.Warn("unknown command", zap.String("command", msg.Command))
		response = unknownCmdPrefix + msg.Command
		command = unknownCommandLabel
	}

	s.reply(sess, response, logger)
	observeCommand(command, status, start)
	return false
}

func (s *Server) handleRegister(sess *session.Session, msg protocol.Message, logger *zap.Logger) (string, string) {
	if len(msg.Params) < 2 {
		logger.Warn("register missing parameters")
		return respMissingParams, metrics.StatusError
	}
	userID, password := msg.Params[0], msg.Params[1]

	response := respRegisterOK
	result := "成功"
	status := metrics.StatusSuccess

	if err := s.store.Register(userID, password); err != nil {
		result = "失败"
		status = metrics.StatusError
		switch {
		case errors.Is(err, merr.ErrUserAlreadyExist):
			response = respRegisterExists
		case errors.Is(err, merr.ErrUserEmptyField):
			response = respRegisterEmpty
		default:
			logger.Error("register user failed", zap.Error(err))
			response = respRegisterExists
		}
	}

	auditLog(logger, userID, protocol.CmdRegister, result)
	return response, status
}

func (s *Server) handleLogin(sess *session.Session, msg protocol.Message, logger *zap.Logger) (string, string) {
	if len(msg.Params) < 2 {
		logger.Warn("login missing parameters")
		return respMissingParams, metrics.StatusError
	}
	userID, password := msg.Params[0], msg.Params[1]

	response, status := s.login(sess, userID, password)

	result := "失败"
	switch status {
	case metrics.StatusSuccess:
		result = "成功"
	case metrics.StatusConflict:
		result = "冲突"
	}
	auditLog(logger, userID, protocol.CmdLogin, result)
	return response, status
}

// login 执行登录校验与绑定，返回响应文本与结果状态。
func (s *Server) login(sess *session.Session, userID, password string) (string, string) {
	if sess.UserID() != "" {
		return respAlreadyLoggedIn, metrics.StatusError
	}

	if err := s.store.Authenticate(userID, password); err != nil {
		if errors.Is(err, merr.ErrUserNotFound) {
			return respUserNotFound, metrics.StatusError
		}
		return respWrongPassword, metrics.StatusError
	}

	holder, err := s.registry.Bind(sess, userID)
	if err != nil {
		if errors.Is(err, merr.ErrSessionConflict) {
			return conflictPrefix + holder + conflictSuffix, metrics.StatusConflict
		}
		return respAlreadyLoggedIn, metrics.StatusError
	}
	return respLoginOK, metrics.StatusSuccess
}

func (s *Server) handleForceLogin(sess *session.Session, msg protocol.Message, logger *zap.Logger) (string, string) {
	if len(msg.Params) < 3 {
		logger.Warn("force login missing parameters")
		return respMissingParams, metrics.StatusError
	}
	userID, password := msg.Params[0], msg.Params[1]
	force := msg.Params[2] == "Y" || msg.Params[2] == "y"

	response, status := s.forceLogin(sess, userID, password, force)

	result := "失败"
	if status == metrics.StatusSuccess {
		result = "成功"
	}
	if force {
		result += "(强制)"
	} else {
		result += "(取消)"
	}
	auditLog(logger, userID, protocol.CmdForceLogin, result)
	return response, status
}

// forceLogin 执行挤占式登录：凭据校验通过后强制绑定账号，
// 并向被挤占的会话发送下线通知后关闭其连接。
func (s *Server) forceLogin(sess *session.Session, userID, password string, force bool) (string, string) {
	if sess.UserID() != "" {
		return respAlreadyLoggedIn, metrics.StatusError
	}

	if err := s.store.Authenticate(userID, password); err != nil {
		if errors.Is(err, merr.ErrUserNotFound) {
			return respUserNotFound, metrics.StatusError
		}
		return respWrongPassword, metrics.StatusError
	}

	kicked, err := s.registry.ForceBind(sess, userID, force)
	if err != nil {
		if errors.Is(err, merr.ErrLoginCancelled) {
			return respLoginCancelled, metrics.StatusError
		}
		return respAlreadyLoggedIn, metrics.StatusError
	}

	if kicked != nil {
		// 先投递下线通知再关闭，发送协程保证通知写出后才断开连接。
		_ = kicked.Send(respKicked)
		_ = kicked.Close()
		metrics.KickedSessionsTotal.Inc()
		log.Info("session preempted",
			zap.String("user", userID),
			zap.String("kicked_session", shortID(kicked.ID())),
			zap.String("new_session", shortID(sess.ID())))
	}
	return respForceLoginOK, metrics.StatusSuccess
}

func (s *Server) handleLogout(sess *session.Session, logger *zap.Logger) (string, string) {
	userID := sess.UserID()

	response := respLogoutOK
	status := metrics.StatusSuccess
	if err := s.registry.Logout(sess); err != nil {
		response = respNoUserLoggedIn
		status = metrics.StatusError
	}

	auditLog(logger, userID, protocol.CmdLogout, "用户登出")
	return response, status
}

func (s *Server) handleDelete(sess *session.Session, msg protocol.Message, logger *zap.Logger) (string, string) {
	if len(msg.Params) < 2 {
		logger.Warn("delete missing parameters")
		return respMissingParams, metrics.StatusError
	}
	userID, password := msg.Params[0], msg.Params[1]

	response := respDeleteOK
	result := "成功"
	status := metrics.StatusSuccess

	if err := s.store.Delete(userID, password); err != nil {
		result = "失败"
		status = metrics.StatusError
		if errors.Is(err, merr.ErrUserNotFound) {
			response = respUserNotFound
		} else {
			response = respWrongPassword
		}
	} else if sess.UserID() == userID {
		// 删除的是当前登录账号，解除本会话的绑定。
		_ = s.registry.Logout(sess)
	}

	auditLog(logger, userID, protocol.CmdDelete, result)
	return response, status
}

func (s *Server) handleChangePassword(sess *session.Session, msg protocol.Message, logger *zap.Logger) (string, string) {
	if len(msg.Params) < 2 {
		logger.Warn("change password missing parameters")
		return respMissingParams, metrics.StatusError
	}

	userID := sess.UserID()
	if userID == "" {
		return respNeedLogin, metrics.StatusError
	}
	oldPassword, newPassword := msg.Params[0], msg.Params[1]

	response := respChangePwdOK
	result := "成功"
	status := metrics.StatusSuccess

	if err := s.store.ChangePassword(userID, oldPassword, newPassword); err != nil {
		result = "失败"
		status = metrics.StatusError
		switch {
		case errors.Is(err, merr.ErrUserEmptyField):
			response = respPasswordEmpty
		case errors.Is(err, merr.ErrUserNotFound):
			response = respUserNotFound
		default:
			response = respOldPasswordWrong
		}
	}

	auditLog(logger, userID, protocol.CmdChangePassword, result)
	return response, status
}

func (s *Server) handleSetString(sess *session.Session, msg protocol.Message, logger *zap.Logger) (string, string) {
	if len(msg.Params) < 1 {
		logger.Warn("set string missing parameters")
		return respMissingParams, metrics.StatusError
	}

	userID := sess.UserID()
	if userID == "" {
		return respNeedLogin, metrics.StatusError
	}

	response := respSetStringOK
	status := metrics.StatusSuccess
	if err := s.store.SetProfile(userID, msg.Params[0]); err != nil {
		response = respUserNotFound
		status = metrics.StatusError
	}

	auditLog(logger, userID, protocol.CmdSetString, "设置用户字符串")
	return response, status
}

func (s *Server) handleGetString(sess *session.Session, logger *zap.Logger) (string, string) {
	userID := sess.UserID()
	if userID == "" {
		return respNeedLogin, metrics.StatusError
	}

	profile, err := s.store.GetProfile(userID)
	if err != nil {
		auditLog(logger, userID, protocol.CmdGetString, "失败")
		return respUserNotFound, metrics.StatusError
	}

	auditLog(logger, userID, protocol.CmdGetString, "查看用户字符串")
	return successStringPrefix + profile, metrics.StatusSuccess
}

// reply 将响应投递到会话发送队列。投递失败只记录日志。
func (s *Server) reply(sess *session.Session, response string, logger *zap.Logger) {
	if response == "" {
		return
	}
	if err := sess.Send(response); err != nil {
		logger.Warn("send response failed", zap.Error(err))
	}
}

// auditLog 记录一条用户操作审计日志。
func auditLog(logger *zap.Logger, user, op, result string) {
	logger.Info("user operation",
		zap.String("user", user),
		zap.String("op", op),
		zap.String("result", result))
}

func observeCommand(command, status string, start time.Time) {
	metrics.CommandsTotal.WithLabelValues(command, status).Inc()
	metrics.CommandLatency.WithLabelValues(command).
		Observe(float64(time.Since(start).Milliseconds()))
}

// shortID 返回会话 ID 的前 8 位，用于日志输出。
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
