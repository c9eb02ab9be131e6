package protocol

import "strings"

// 协议格式约定：
//   - 一条消息为一行文本，以 '\n' 结尾；
//   - 行内字段以 '|' 分隔，首字段为命令，其余为按序排列的参数；
//   - 参数值中不允许出现分隔符本身，协议不提供转义机制（已知限制）。
const (
	// Separator 为消息内字段分隔符。
	Separator = "|"

	// Terminator 为消息结束符。
	Terminator = '\n'
)

// 客户端请求命令。
const (
	CmdRegister       = "REGISTER"
	CmdLogin          = "LOGIN"
	CmdForceLogin     = "FORCE_LOGIN"
	CmdLogout         = "LOGOUT"
	CmdDelete         = "DELETE"
	CmdChangePassword = "CHANGE_PASSWORD"
	CmdSetString      = "SET_STRING"
	CmdGetString      = "GET_STRING"
	CmdQuit           = "QUIT"
)

// 服务器响应状态字，始终位于响应行的首字段。
const (
	StatusSuccess  = "SUCCESS"
	StatusError    = "ERROR"
	StatusConflict = "CONFLICT"
	StatusWelcome  = "WELCOME"
	StatusKicked   = "KICKED"
	StatusGoodbye  = "GOODBYE"
)

// Message 表示一条已解析的协议消息。
//
// 生命周期：每收到一行创建一条，分发处理后即丢弃。
type Message struct {
	// Command 为命令字段，区分大小写，按精确匹配处理。
	Command string

	// Params 为按序排列的参数列表，空参数保留为空字符串，不会被丢弃。
	Params []string
}

// Parse 将一行文本解析为 Message。
//
// 说明：
//   - 空行解析为空命令、零参数的 Message，由分发层按未知命令处理；
//   - "LOGIN|alice|" 解析为命令 LOGIN 与参数 ["alice", ""]。
func Parse(line string) Message {
	parts := strings.Split(line, Separator)
	return Message{
		Command: parts[0],
		Params:  parts[1:],
	}
}

// Serialize 将 Message 还原为一行文本（不含结束符）。
//
// 生产路径的响应均直接以格式化字符串构造，Serialize 主要用于
// 测试侧构造请求行。
func (m Message) Serialize() string {
	if len(m.Params) == 0 {
		return m.Command
	}
	return m.Command + Separator + strings.Join(m.Params, Separator)
}
