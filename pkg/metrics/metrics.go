// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	// #nosec
	_ "net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// passportNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	passportNamespace = "passport"

	serverSubsystem = "server"
	storeSubsystem  = "store"

	// 以下为当前使用的通用标签名。
	commandLabelName = "command"
	statusLabelName  = "status"

	StatusSuccess  = "success"
	StatusError    = "error"
	StatusConflict = "conflict"
)

var (
	// commandBuckets 为命令处理耗时直方图的桶划分，单位为毫秒。
	commandBuckets = prometheus.ExponentialBuckets(0.1, 2, 14)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: passportNamespace,
			Subsystem: serverSubsystem,
			Name:      "connections_total",
			Help:      "已接受的客户端连接总数",
		})

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: passportNamespace,
			Subsystem: serverSubsystem,
			Name:      "active_sessions",
			Help:      "当前已注册的会话数量",
		})

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: passportNamespace,
			Subsystem: serverSubsystem,
			Name:      "commands_total",
			Help:      "已处理的协议命令总数，按命令与结果分类",
		}, []string{commandLabelName, statusLabelName})

	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: passportNamespace,
			Subsystem: serverSubsystem,
			Name:      "command_latency_ms",
			Help:      "命令处理耗时，单位毫秒",
			Buckets:   commandBuckets,
		}, []string{commandLabelName})

	KickedSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: passportNamespace,
			Subsystem: serverSubsystem,
			Name:      "kicked_sessions_total",
			Help:      "因强制登录被挤占下线的会话总数",
		})

	RegisteredUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: passportNamespace,
			Subsystem: storeSubsystem,
			Name:      "registered_users",
			Help:      "用户存储中当前的账号数量",
		})

	StoreSaveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: passportNamespace,
			Subsystem: storeSubsystem,
			Name:      "save_failures_total",
			Help:      "用户数据持久化失败次数",
		})
)

var registerOnce sync.Once

// Register 将所有指标注册到给定 Registry。
// 多次调用只有第一次生效。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ConnectionsTotal)
		r.MustRegister(ActiveSessions)
		r.MustRegister(CommandsTotal)
		r.MustRegister(CommandLatency)
		r.MustRegister(KickedSessionsTotal)
		r.MustRegister(RegisteredUsers)
		r.MustRegister(StoreSaveFailuresTotal)
	})
}
