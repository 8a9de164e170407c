package icloud

import (
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"
)

const redacted = "********"

// redactHook masks a secret in log messages and string fields, both as is
// and in the escaped form it takes inside logged JSON bodies.
type redactHook struct {
	secret  string
	escaped string
}

func newRedactHook(secret string) redactHook {
	h := redactHook{secret: secret}
	if data, err := json.Marshal(secret); err == nil {
		if esc := string(data[1 : len(data)-1]); esc != secret {
			h.escaped = esc
		}
	}
	return h
}

func (h redactHook) Levels() []log.Level { return log.AllLevels }

func (h redactHook) mask(s string) string {
	if h.escaped != "" {
		s = strings.ReplaceAll(s, h.escaped, redacted)
	}
	return strings.ReplaceAll(s, h.secret, redacted)
}

func (h redactHook) Fire(e *log.Entry) error {
	if h.secret == "" {
		return nil
	}
	e.Message = h.mask(e.Message)
	for k, v := range e.Data {
		if s, ok := v.(string); ok {
			e.Data[k] = h.mask(s)
		}
	}
	return nil
}

// newLogger clones base into a logger that never prints secret.
// A nil base means the standard logger.
func newLogger(base *log.Logger, secret string) *log.Logger {
	if base == nil {
		base = log.StandardLogger()
	}
	l := log.New()
	l.Out = base.Out
	l.Formatter = base.Formatter
	l.ReportCaller = base.ReportCaller
	l.ExitFunc = base.ExitFunc
	l.SetLevel(base.GetLevel())

	hooks := make(log.LevelHooks)
	hooks.Add(newRedactHook(secret))
	for level, hs := range base.Hooks {
		hooks[level] = append(hooks[level], hs...)
	}
	l.ReplaceHooks(hooks)
	return l
}

// retryLogger adapts logrus to retryablehttp.LeveledLogger.
type retryLogger struct {
	entry *log.Entry
}

func (l retryLogger) with(kv []interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return l.entry.WithFields(fields)
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Trace(msg) }
