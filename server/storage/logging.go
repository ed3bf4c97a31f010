package storage

import (
	"sync/atomic"

	"github.com/JoilsonLima1/foodhub09-sub007/common/logger"
)

// storeLog is set by the relay binary. Stores opened before SetLogger, and
// stores in tests, log nowhere.
var storeLog atomic.Pointer[logger.Logger]

// SetLogger routes store events (opened databases, paired agents) to l.
func SetLogger(l *logger.Logger) {
	storeLog.Store(l)
}

func logInfo(msg string, kv ...interface{}) {
	if l := storeLog.Load(); l != nil {
		l.Info(msg, append([]interface{}{"component", "storage"}, kv...)...)
	}
}

func logDebug(msg string, kv ...interface{}) {
	if l := storeLog.Load(); l != nil {
		l.Debug(msg, append([]interface{}{"component", "storage"}, kv...)...)
	}
}
