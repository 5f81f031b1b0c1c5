package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	charmLog "github.com/charmbracelet/log"
	glog "github.com/goliatone/go-logger/glog"
)

// std はCLI向けの LogInfo / LogWarn / LogError が使うロガーです
var std = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
	ReportTimestamp: true,
	TimeFormat:      time.DateTime,
})

// LogInfo は情報レベルのメッセージをログに記録します
func LogInfo(format string, v ...interface{}) {
	std.Infof(format, v...)
}

// LogWarn は警告レベルのメッセージをログに記録します
func LogWarn(format string, v ...interface{}) {
	std.Warnf(format, v...)
}

// LogError はエラーレベルのメッセージをログに記録します
func LogError(format string, v ...interface{}) {
	std.Errorf(format, v...)
}

// TrackTime は関数の実行時間を計測して出力するユーティリティです
func TrackTime(logger glog.Logger, start time.Time, name string) {
	if logger == nil {
		return
	}
	logger.Debug(name+" 完了", "elapsed", time.Since(start).String())
}

// NewLogger は charmbracelet/log を出力先とする glog.Logger を作成します
func NewLogger(w io.Writer, level string, prefix string) (glog.Logger, error) {
	if w == nil {
		w = io.Discard
	}
	if level == "" {
		level = "info"
	}
	parsed, err := charmLog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("ログレベル解析エラー %q: %w", level, err)
	}
	sink := charmLog.NewWithOptions(w, charmLog.Options{
		Level:           parsed,
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       charmLog.LogfmtFormatter,
	})
	return &charmLogger{sink: sink}, nil
}

// SetLevel は LogInfo / LogWarn / LogError の出力レベルを変更します
func SetLevel(level string) error {
	parsed, err := charmLog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("ログレベル解析エラー %q: %w", level, err)
	}
	std.SetLevel(parsed)
	return nil
}

// charmLogger は *charmLog.Logger を glog.Logger として扱うためのアダプタです
type charmLogger struct {
	sink *charmLog.Logger
}

var _ glog.Logger = (*charmLogger)(nil)

func (l *charmLogger) Trace(msg string, args ...any) { l.sink.Debug(msg, args...) }
func (l *charmLogger) Debug(msg string, args ...any) { l.sink.Debug(msg, args...) }
func (l *charmLogger) Info(msg string, args ...any)  { l.sink.Info(msg, args...) }
func (l *charmLogger) Warn(msg string, args ...any)  { l.sink.Warn(msg, args...) }
func (l *charmLogger) Error(msg string, args ...any) { l.sink.Error(msg, args...) }
func (l *charmLogger) Fatal(msg string, args ...any) { l.sink.Fatal(msg, args...) }

func (l *charmLogger) WithContext(context.Context) glog.Logger {
	return l
}

// WithFields はフィールドを固定した子ロガーを返します
func (l *charmLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	keyvals := make([]any, 0, len(fields)*2)
	for _, key := range keys {
		keyvals = append(keyvals, key, fields[key])
	}
	return &charmLogger{sink: l.sink.With(keyvals...)}
}
