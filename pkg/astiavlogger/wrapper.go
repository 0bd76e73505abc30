package astiavlogger

import (
	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	logger "github.com/facebookincubator/go-belt/tool/logger/types"
)

// wrapLogger returns a logger suitable for the libav callback and a setter
// for the libav class the next line will be attributed to. Only the logrus
// emitter supports the class annotation; any other logger is passed through
// untouched.
func wrapLogger(l logger.Logger) (logger.Logger, func(astiav.Classer)) {
	switch l.Emitter().(type) {
	case *logrus.Emitter:
		return wrapLogrusLogger(l)
	}
	return l, func(astiav.Classer) {}
}
