package services

import (
	"regexp"
	"strconv"
	"strings"

	"boardhook/config"
	"boardhook/models"
)

// Trigger はフィールド変更で子ワークアイテムを作成する条件と内容です
type Trigger struct {
	Field            string
	Keyword          string
	ChildTitle       string
	ChildType        string
	ChildDescription string
}

// DefaultTrigger はボード列が Committed に入ったときに "Make it Done" タスクを作成します
func DefaultTrigger() Trigger {
	return Trigger{
		Field:            models.FieldBoardColumn,
		Keyword:          "Committed",
		ChildTitle:       "Make it Done",
		ChildType:        "Task",
		ChildDescription: "Do it!",
	}
}

// TriggerFromConfig は設定からトリガーを作成します。
// 空の項目は DefaultTrigger の値を使います（説明文は空のままにできます）
func TriggerFromConfig(cfg config.TriggerConfig) Trigger {
	t := DefaultTrigger()
	if cfg.Field != "" {
		t.Field = cfg.Field
	}
	if cfg.Keyword != "" {
		t.Keyword = cfg.Keyword
	}
	if cfg.ChildTitle != "" {
		t.ChildTitle = cfg.ChildTitle
	}
	if cfg.ChildType != "" {
		t.ChildType = cfg.ChildType
	}
	t.ChildDescription = cfg.ChildDescription
	return t
}

// Matches は変更後の値にキーワードが含まれ、変更前には含まれない場合に true を返します。
// すでにキーワードを含む状態からの再通知では発火しません。変更前の値がない場合も発火しません
func (t Trigger) Matches(change models.FieldChange) bool {
	if t.Keyword == "" || change.OldValue == nil || change.NewValue == nil {
		return false
	}
	return strings.Contains(change.New(), t.Keyword) && !strings.Contains(change.Old(), t.Keyword)
}

// RelationIDExtractor はリレーションが参照するワークアイテムのIDを返します
type RelationIDExtractor func(rel models.WorkItemRelation) (int, error)

var trailingDigits = regexp.MustCompile(`\d+$`)

// TrailingDigitsID はURL末尾の数字をワークアイテムIDとして扱います。
// 末尾が数字でないリレーション（添付ファイルやハイパーリンク）はエラーを返し、
// 呼び出し側はそのリレーションだけを報告してスキップします。
// 1件でも解決できなければ作成を中止したい場合は WithRelationIDExtractor で差し替えます
func TrailingDigitsID(rel models.WorkItemRelation) (int, error) {
	match := trailingDigits.FindString(strings.TrimSpace(rel.URL))
	if match == "" {
		return 0, relationUnresolved(nil, rel.URL)
	}
	id, err := strconv.Atoi(match)
	if err != nil || id <= 0 {
		return 0, relationUnresolved(err, rel.URL)
	}
	return id, nil
}
