package astiavlogger

import (
	"strings"
	"sync"

	"github.com/asticode/go-astiav"
	logger "github.com/facebookincubator/go-belt/tool/logger/types"
)

// Callback builds an astiav.LogCallback that forwards every libav log line
// into the given logger at the corresponding level, annotated with the
// libav class chain the line originated from (when the logger's emitter
// supports that).
func Callback(l logger.Logger) astiav.LogCallback {
	astiavLogger, setClassFunc := wrapLogger(l)
	var locker sync.Mutex
	return func(c astiav.Classer, level astiav.LogLevel, format, msg string) {
		locker.Lock()
		defer locker.Unlock()
		setClassFunc(c)
		astiavLogger.Logf(
			LogLevelFromAstiav(level),
			"%s", strings.TrimSpace(msg),
		)
		setClassFunc(nil)
	}
}
