package log

import (
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

// Minimum level emitted; controlled by the LOG_LEVEL option.
var allowed = level.AllowInfo()

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// SetLevel sets the minimum log level. Unknown values fall back to info.
func SetLevel(l string) {
	switch strings.ToLower(l) {
	case "debug":
		allowed = level.AllowDebug()
	case "warn", "warning":
		allowed = level.AllowWarn()
	case "error":
		allowed = level.AllowError()
	default:
		allowed = level.AllowInfo()
	}
}

// Permanently add context to the logger. Any future logging for this job id
// will include this context.
func AddContext(jobID string, keyvals ...interface{}) {
	_ = loggerCache.Add(jobID, kitlog.With(getLogger(jobID), keyvals...), defaultLoggerCacheExpiry)
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = level.Info(kitlog.With(getLogger(jobID), "msg", message)).Log(keyvals...)
}

func LogDebug(jobID string, message string, keyvals ...interface{}) {
	_ = level.Debug(kitlog.With(getLogger(jobID), "msg", message)).Log(keyvals...)
}

// Log in situations where we don't have access to the job id. Should be used
// sparingly and with as much context inserted into the message as possible.
func LogNoJobID(message string, keyvals ...interface{}) {
	_ = level.Info(kitlog.With(newLogger(), "msg", message)).Log(keyvals...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(jobID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = level.Error(errLogger).Log(keyvals...)
}

func getLogger(jobID string) kitlog.Logger {
	logger, found := loggerCache.Get(jobID)
	if found {
		return logger.(kitlog.Logger)
	}

	newLogger := kitlog.With(newLogger(), "job_id", jobID)
	err := loggerCache.Add(jobID, newLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = newLogger.Log("msg", "error adding logger to cache", "job_id", jobID)
	}
	return newLogger
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, allowed)
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}
