package models

import (
	"bytes"
	"encoding/json"
	"sort"
)

// 各型が型付きフィールドとして扱うJSONキー
var (
	changeEventKeys = []string{
		"subscriptionId", "notificationId", "id", "eventType", "publisherId",
		"message", "detailedMessage", "resource", "resourceVersion", "createdDate",
	}
	changeResourceKeys = []string{
		"id", "workItemId", "rev", "fields", "url", "revision", "revisedBy", "revisedDate", "_links",
	}
	workItemKeys = []string{"id", "rev", "fields", "relations", "url", "_links"}
)

// splitUnknown はJSONオブジェクトのうち known に含まれないキーを取り出します
func splitUnknown(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, key := range known {
		delete(all, key)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// appendUnknown は型付きフィールドのエンコード結果の末尾に未知のキーを戻します。
// 型付きフィールドと同名のキーは無視します
func appendUnknown(encoded []byte, extra map[string]json.RawMessage, known []string) ([]byte, error) {
	if len(extra) == 0 {
		return encoded, nil
	}
	skip := make(map[string]struct{}, len(known))
	for _, key := range known {
		skip[key] = struct{}{}
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		if _, ok := skip[key]; !ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return encoded, nil
	}
	sort.Strings(keys)

	trimmed := bytes.TrimRight(encoded, " \n")
	var buf bytes.Buffer
	buf.Write(trimmed[:len(trimmed)-1])
	needComma := !bytes.Equal(bytes.TrimSpace(trimmed[:len(trimmed)-1]), []byte("{"))
	for _, key := range keys {
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		value := extra[key]
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		if needComma {
			buf.WriteByte(',')
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
		needComma = true
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type changeEventJSON ChangeEvent

// UnmarshalJSON は型付きフィールドに加えて未知のキーを保持します
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var decoded changeEventJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	extra, err := splitUnknown(data, changeEventKeys)
	if err != nil {
		return err
	}
	*e = ChangeEvent(decoded)
	e.Extra = extra
	return nil
}

// MarshalJSON は受信時の未知のキーも含めてエンコードします
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(changeEventJSON(e))
	if err != nil {
		return nil, err
	}
	return appendUnknown(encoded, e.Extra, changeEventKeys)
}

type changeResourceJSON ChangeResource

func (r *ChangeResource) UnmarshalJSON(data []byte) error {
	var decoded changeResourceJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	extra, err := splitUnknown(data, changeResourceKeys)
	if err != nil {
		return err
	}
	*r = ChangeResource(decoded)
	r.Extra = extra
	return nil
}

func (r ChangeResource) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(changeResourceJSON(r))
	if err != nil {
		return nil, err
	}
	return appendUnknown(encoded, r.Extra, changeResourceKeys)
}

type workItemJSON WorkItem

func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var decoded workItemJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	extra, err := splitUnknown(data, workItemKeys)
	if err != nil {
		return err
	}
	*w = WorkItem(decoded)
	w.Extra = extra
	return nil
}

func (w WorkItem) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(workItemJSON(w))
	if err != nil {
		return nil, err
	}
	return appendUnknown(encoded, w.Extra, workItemKeys)
}
