package store

import (
	"strings"

	"github.com/lk2023060901/passport-garden-go/pkg/util/merr"
)

// recordSeparator 为持久化记录的字段分隔符。
// 字段值中出现的分隔符不做转义，与线协议同类的已知限制。
const recordSeparator = ","

// User 表示一个注册账号。
//
// 说明：
//   - ID 全局唯一且非空；
//   - Password 为明文口令（本系统不做散列，精确字符串比对）；
//   - Profile 为用户自定义的字符串数据。
type User struct {
	ID       string
	Password string
	Profile  string
}

// VerifyPassword 校验口令是否匹配。
func (u User) VerifyPassword(password string) bool {
	return u.Password == password
}

// MarshalRecord 将账号序列化为一行固定字段记录：id,password,profile。
func (u User) MarshalRecord() string {
	return u.ID + recordSeparator + u.Password + recordSeparator + u.Profile
}

// UnmarshalRecord 从一行记录恢复账号。
//
// 说明：
//   - 前两个分隔符之后的剩余内容整体作为 Profile；
//   - 字段不足两个时视为损坏记录，返回错误。
func UnmarshalRecord(line string) (User, error) {
	parts := strings.SplitN(line, recordSeparator, 3)
	if len(parts) < 2 {
		return User{}, merr.WrapErrParameterInvalidMsg("malformed user record %q", line)
	}

	u := User{
		ID:       parts[0],
		Password: parts[1],
	}
	if len(parts) == 3 {
		u.Profile = parts[2]
	}
	return u, nil
}
