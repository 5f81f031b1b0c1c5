package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ワークアイテムのフィールド参照名
const (
	FieldTitle         = "System.Title"
	FieldTeamProject   = "System.TeamProject"
	FieldIterationPath = "System.IterationPath"
	FieldDescription   = "System.Description"
	FieldBoardColumn   = "System.BoardColumn"
)

// WorkItem はトラッキングサービス上のワークアイテム（$expand=all で取得したもの）を表します
type WorkItem struct {
	ID        int                `json:"id"`
	Rev       int                `json:"rev,omitempty"`
	Fields    map[string]any     `json:"fields,omitempty"`
	Relations []WorkItemRelation `json:"relations,omitempty"`
	URL       string             `json:"url,omitempty"`
	Links     map[string]any     `json:"_links,omitempty"`

	// Extra は型付きフィールド以外のキーです。再エンコード時にそのまま戻します
	Extra map[string]json.RawMessage `json:"-"`
}

// WorkItemRelation は他のワークアイテムへのリンクです
type WorkItemRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StringField はフィールド値を文字列として返します。存在しない場合は空文字です
func (w *WorkItem) StringField(name string) string {
	if w == nil || w.Fields == nil {
		return ""
	}
	value, ok := w.Fields[name]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// Title はタイトルを返します
func (w *WorkItem) Title() string {
	return w.StringField(FieldTitle)
}

// TeamProject はチームプロジェクト名を返します
func (w *WorkItem) TeamProject() string {
	return w.StringField(FieldTeamProject)
}

// IterationPath はイテレーションパスを返します
func (w *WorkItem) IterationPath() string {
	return w.StringField(FieldIterationPath)
}

// ChangeEvent は workitem.updated サービスフックのペイロードです
type ChangeEvent struct {
	SubscriptionID  string          `json:"subscriptionId,omitempty"`
	NotificationID  int             `json:"notificationId,omitempty"`
	ID              string          `json:"id,omitempty"`
	EventType       string          `json:"eventType,omitempty"`
	PublisherID     string          `json:"publisherId,omitempty"`
	Message         *EventMessage   `json:"message,omitempty"`
	DetailedMessage *EventMessage   `json:"detailedMessage,omitempty"`
	Resource        *ChangeResource `json:"resource,omitempty"`
	ResourceVersion string          `json:"resourceVersion,omitempty"`
	CreatedDate     string          `json:"createdDate,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// EventMessage はイベントの表示用メッセージです
type EventMessage struct {
	Text     string `json:"text,omitempty"`
	HTML     string `json:"html,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

// ChangeResource は変更されたワークアイテムと変更内容です
type ChangeResource struct {
	ID         int                    `json:"id"`
	WorkItemID int                    `json:"workItemId"`
	Rev        int                    `json:"rev,omitempty"`
	Fields     map[string]FieldChange `json:"fields,omitempty"`
	URL        string                 `json:"url,omitempty"`

	// Revision は変更後のワークアイテム全体です
	Revision    *WorkItem      `json:"revision,omitempty"`
	RevisedBy   map[string]any `json:"revisedBy,omitempty"`
	RevisedDate string         `json:"revisedDate,omitempty"`
	Links       map[string]any `json:"_links,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// FieldChange はフィールドの変更前後の値です
type FieldChange struct {
	OldValue any `json:"oldValue,omitempty"`
	NewValue any `json:"newValue,omitempty"`
}

// Old は変更前の値を文字列で返します
func (c FieldChange) Old() string {
	return valueString(c.OldValue)
}

// New は変更後の値を文字列で返します
func (c FieldChange) New() string {
	return valueString(c.NewValue)
}

// FieldChange は指定フィールドの変更を返します。
// 変更前と変更後の値が揃っていない場合は判定できないため ok=false になります
func (e *ChangeEvent) FieldChange(name string) (FieldChange, bool) {
	if e == nil || e.Resource == nil || e.Resource.Fields == nil {
		return FieldChange{}, false
	}
	change, ok := e.Resource.Fields[name]
	if !ok || change.OldValue == nil || change.NewValue == nil {
		return FieldChange{}, false
	}
	return change, true
}

// WorkItemID は変更されたワークアイテムのIDです
func (e *ChangeEvent) WorkItemID() int {
	if e == nil || e.Resource == nil {
		return 0
	}
	return e.Resource.WorkItemID
}

func valueString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
