package services

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
)

// Failure は呼び出し元へ返さずに報告する処理失敗です
type Failure struct {
	Stage      string
	DeliveryID string
	WorkItemID int
	Err        error
}

// Reporter は処理失敗を外部の監視系へ送ります
type Reporter interface {
	Report(ctx context.Context, failure Failure)
}

// LogReporter は失敗をエラーログとして出力します
type LogReporter struct {
	Logger glog.Logger
}

func (r LogReporter) Report(ctx context.Context, failure Failure) {
	if r.Logger == nil || failure.Err == nil {
		return
	}
	logger := r.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Error("Webhook処理失敗",
		"stage", failure.Stage,
		"delivery_id", failure.DeliveryID,
		"work_item_id", failure.WorkItemID,
		"text_code", textCode(failure.Err),
		"error", failure.Err.Error(),
	)
}
