package models

// パッチ操作の種類
const (
	PatchOpAdd = "add"
)

// 親子リンクの種類（子から見た親方向）
const RelationHierarchyReverse = "System.LinkTypes.Hierarchy-Reverse"

// PatchOperation はJSONパッチの1操作です
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// PatchDocument は順序付きのパッチ操作列です
type PatchDocument []PatchOperation

// WorkItemLink は /relations/- に追加するリンクです
type WorkItemLink struct {
	Rel        string             `json:"rel"`
	URL        string             `json:"url"`
	Attributes WorkItemLinkAttrib `json:"attributes"`
}

// WorkItemLinkAttrib はリンクの属性です
type WorkItemLinkAttrib struct {
	Comment string `json:"comment,omitempty"`
}

// AddField はフィールド追加操作を末尾に加えます
func (d PatchDocument) AddField(field string, value any) PatchDocument {
	return append(d, PatchOperation{Op: PatchOpAdd, Path: "/fields/" + field, Value: value})
}

// AddRelation はリンク追加操作を末尾に加えます
func (d PatchDocument) AddRelation(link WorkItemLink) PatchDocument {
	return append(d, PatchOperation{Op: PatchOpAdd, Path: "/relations/-", Value: link})
}

// ChildItemSpec は子ワークアイテム作成時の入力です
type ChildItemSpec struct {
	Title         string
	ParentURL     string
	ParentID      int
	IterationPath string
	Description   string
	LinkComment   string
}

// NewChildPatchDocument は子ワークアイテム作成用のパッチを組み立てます。
// タイトルは常に含め、イテレーション・説明・親リンクは値がある場合のみ追加します
func NewChildPatchDocument(spec ChildItemSpec) PatchDocument {
	doc := PatchDocument{}.AddField(FieldTitle, spec.Title)
	if spec.IterationPath != "" {
		doc = doc.AddField(FieldIterationPath, spec.IterationPath)
	}
	if spec.Description != "" {
		doc = doc.AddField(FieldDescription, spec.Description)
	}
	if spec.ParentID > 0 {
		doc = doc.AddRelation(WorkItemLink{
			Rel:        RelationHierarchyReverse,
			URL:        spec.ParentURL,
			Attributes: WorkItemLinkAttrib{Comment: spec.LinkComment},
		})
	}
	return doc
}
