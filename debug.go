package coap

import (
	"github.com/astaxie/beego/logs"
)

var debugEnable bool

// GLog is the package logger. Every "log only" error in the messaging
// core (malformed datagrams, unexpected response tokens, retransmit
// exhaustion, recovered panics) goes through it.
var GLog *logs.BeeLogger

func init() {
	debugEnable = false
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug sets the package debug flag. No code in this package reads the
// flag, so it does not change what is logged.
func Debug(enable bool) {
	debugEnable = enable
}

// SetLogger overrides the package logger.
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
	}
}
