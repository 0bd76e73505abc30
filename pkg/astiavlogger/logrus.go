package astiavlogger

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger/adapter"
	beltlogrus "github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	logger "github.com/facebookincubator/go-belt/tool/logger/types"
	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
	"github.com/xaionaro-go/unsafetools"
)

// wrapLogrusLogger deep-copies the logrus plumbing of the given logger and
// installs a caller prettifier that renders the current libav class chain
// instead of the Go caller. The copies keep the original logger untouched.
func wrapLogrusLogger(l logger.Logger) (logger.Logger, func(astiav.Classer)) {
	emitter := copyOf(*l.Emitter().(*beltlogrus.Emitter))
	logrusEntry := copyOf(*emitter.LogrusEntry)
	emitter.LogrusEntry = logrusEntry
	logrusEntry.Logger = copyOf(*logrusEntry.Logger)

	var class astiav.Classer
	callerPrettifier := func(*runtime.Frame) (function string, file string) {
		var chain []string
		if class != nil {
			for cl := class.Class(); cl != nil; cl = cl.Parent() {
				chain = append(chain, fmt.Sprintf(
					"[%s]%s:%s:%p",
					strcase.ToSnake(classCategoryToString(cl.Category())),
					cl.Name(),
					cl.ItemName(),
					*unsafetools.FieldByName(cl, "ptr").(*unsafe.Pointer),
				))
			}
		}
		return strings.Join(chain, "->"), "av"
	}
	switch formatter := logrusEntry.Logger.Formatter.(type) {
	case *logrus.TextFormatter:
		formatter = copyOf(*formatter)
		formatter.CallerPrettyfier = callerPrettifier
		logrusEntry.Logger.Formatter = formatter
	case *logrus.JSONFormatter:
		formatter = copyOf(*formatter)
		formatter.CallerPrettyfier = callerPrettifier
		logrusEntry.Logger.Formatter = formatter
	}
	compactLogger := copyOf(*l.(adapter.GenericSugar).CompactLogger.(*beltlogrus.CompactLogger))
	*unsafetools.FieldByName(compactLogger, "emitter").(**beltlogrus.Emitter) = emitter

	return adapter.GenericSugar{
			CompactLogger: compactLogger,
		}, func(newClass astiav.Classer) {
			class = newClass
		}
}

func copyOf[T any](in T) *T {
	return &in
}
