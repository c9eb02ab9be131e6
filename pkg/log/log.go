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

// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _globalL, _globalP, _globalS atomic.Value

func init() {
	l, p := newStdLogger()
	_globalL.Store(l)
	_globalP.Store(p)
	_globalS.Store(l.Sugar())
}

// newStdLogger 创建仅输出到标准输出的缺省 Logger，在 InitLogger 被调用之前使用。
func newStdLogger() (*zap.Logger, *ZapProperties) {
	cfg := &Config{Level: defaultLogLevel, Format: defaultLogFormat, Stdout: true}
	cfg.initialize()
	l, p, _ := InitLoggerWithWriteSyncer(cfg, zapcore.AddSync(os.Stdout))
	return l, p
}

// InitLogger 根据配置初始化一个 zap Logger。
//
// 输出目标：
//   - cfg.File.Filename 非空时输出到按大小轮转的日志文件（lumberjack）；
//   - cfg.Stdout 为 true 时同时输出到标准输出。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	cfg.initialize()

	var outputs []zapcore.WriteSyncer
	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout {
		outputs = append(outputs, zapcore.AddSync(os.Stdout))
	}
	if len(outputs) == 0 {
		outputs = append(outputs, zapcore.AddSync(os.Stderr))
	}

	return InitLoggerWithWriteSyncer(cfg, zap.CombineWriteSyncers(outputs...), opts...)
}

// InitLoggerWithWriteSyncer 使用指定的 WriteSyncer 初始化 zap Logger。
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, errors.Wrapf(err, "unrecognized log level %q", cfg.Level)
	}

	core := zapcore.NewCore(cfg.buildEncoder(), output, level)
	opts = append(cfg.buildOptions(output), opts...)
	lg := zap.New(core, opts...)
	r := &ZapProperties{
		Core:   core,
		Syncer: output,
		Level:  level,
	}
	return lg, r, nil
}

// initFileLog 初始化基于文件的日志输出，使用 lumberjack 做大小轮转。
func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	logPath := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(logPath); err == nil {
		if st.IsDir() {
			return nil, errors.New("can't use directory as log file name")
		}
	}

	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

// ReplaceGlobals 替换全局 Logger，并返回恢复函数。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) func() {
	prevL := _globalL.Load().(*zap.Logger)
	prevP := _globalP.Load().(*ZapProperties)

	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalP.Store(props)

	return func() {
		ReplaceGlobals(prevL, prevP)
	}
}

// L 返回全局 Logger，可直接进行层级判定与字段拼装。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S 返回全局 SugaredLogger，适用于格式化风格的日志调用。
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// Prop 返回全局 Logger 的核心属性。
func Prop() *ZapProperties {
	return _globalP.Load().(*ZapProperties)
}

// SetLevel 动态调整全局日志级别。
func SetLevel(l zapcore.Level) {
	Prop().Level.SetLevel(l)
}

// GetLevel 返回全局日志级别。
func GetLevel() zapcore.Level {
	return Prop().Level.Level()
}

// Sync 刷新全局 Logger 中所有缓冲的日志。
func Sync() error {
	return L().Sync()
}
