package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/passport-garden-go/internal/session"
	"github.com/lk2023060901/passport-garden-go/internal/store"
	"github.com/lk2023060901/passport-garden-go/pkg/log"
	"github.com/lk2023060901/passport-garden-go/pkg/metrics"
	"github.com/lk2023060901/passport-garden-go/pkg/util/conc"
	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

// 服务器状态机：Stopped -> Listening -> Stopping -> Stopped。
const (
	stateStopped int32 = iota
	stateListening
	stateStopping
)

// maxAcceptBackoff 为 Accept 失败后重试间隔的上限。
const maxAcceptBackoff = time.Second

// Server 是面向 TCP 客户端的账号/会话服务器。
//
// 职责：
//   - 监听端口并接受连接，每条连接交由协程池中的 handler 串行处理；
//   - 维护会话注册表与账号存储；
//   - 支持幂等的优雅停机：关闭监听器后限时等待在途连接处理完毕。
type Server struct {
	cfg      Config
	store    *store.Store
	registry *session.Registry

	pool *conc.Pool

	mu sync.Mutex
	ln net.Listener

	state *atomic.Int32

	// handlers 追踪在途的连接处理任务，停机时据此等待收尾。
	handlers sync.WaitGroup
}

// New 创建一个尚未监听的 Server。
// 连接处理池不设容量上限，并发量只受对端连接数约束。
func New(cfg Config, st *store.Store) (*Server, error) {
	pool, err := conc.NewPool(-1, conc.WithConcealPanic(true))
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		store:    st,
		registry: session.NewRegistry(),
		pool:     pool,
		state:    atomic.NewInt32(stateStopped),
	}, nil
}

// Registry 返回会话注册表，主要供测试与运维端点使用。
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Addr 返回实际监听地址；未监听时返回 nil。
// 配置端口为 0 时可据此获取系统分配的端口。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 开始监听并阻塞处理连接，直到 Stop 被调用或 ctx 取消。
// 正常停机返回 nil。
func (s *Server) Serve(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateStopped, stateListening) {
		return merr.WrapErrServiceNotReady("serve", "server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.state.Store(stateStopped)
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info("server listening", zap.String("addr", ln.Addr().String()))

	// ctx 取消时走与 Stop 相同的停机路径。
	stopOnce := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-stopOnce:
		}
	}()
	defer close(stopOnce)

	return s.acceptLoop(ctx, ln)
}

// acceptLoop 持续接受连接，瞬时错误按指数退避重试。
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = maxAcceptBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// 停机导致的监听器关闭视为正常退出。
			if s.state.Load() != stateListening || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			wait := bo.NextBackOff()
			log.Warn("accept connection failed, will retry",
				zap.Duration("backoff", wait),
				zap.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		metrics.ConnectionsTotal.Inc()
		s.handlers.Add(1)
		if err := s.pool.Submit(func() {
			defer s.handlers.Done()
			s.handleConnection(ctx, conn)
		}); err != nil {
			s.handlers.Done()
			log.Warn("submit connection handler failed",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			_ = conn.Close()
		}
	}
}

// Stop 停止服务器：关闭监听器，限时等待在途连接处理完毕，
// 随后强制关闭仍存活的会话。多次调用幂等。
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(stateListening, stateStopping) {
		return nil
	}

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		log.Warn("stop grace elapsed, closing remaining sessions",
			zap.Int("sessions", s.registry.Count()))
		s.registry.Range(func(sess *session.Session) bool {
			_ = sess.Close()
			return true
		})
		<-done
	}

	s.pool.Release()
	s.state.Store(stateStopped)
	log.Info("server stopped")
	return nil
}
