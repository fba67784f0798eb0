package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Init builds the global sugared logger from LOG_LEVEL and redirects the
// standard library logger into zap. Safe to call more than once.
func Init() *zap.SugaredLogger {
	once.Do(func() {
		var logger *zap.Logger
		if strings.ToLower(os.Getenv("LOG_LEVEL")) == "debug" {
			l, _ := zap.NewDevelopment()
			logger = l
		} else {
			l, _ := zap.NewProduction()
			logger = l
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
	})
	return sugar
}

// Sugar returns the initialized sugared logger.
func Sugar() *zap.SugaredLogger { return sugar }

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}

func Debugw(msg string, kv ...interface{}) { sugar.Debugw(msg, kv...) }
func Infow(msg string, kv ...interface{})  { sugar.Infow(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { sugar.Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { sugar.Errorw(msg, kv...) }

func init() {
	Init()
}
