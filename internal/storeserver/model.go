package storeserver

// Document is the persisted form of one store path. Writes are
// last-write-wins whole-document replacements; Update merges fields before
// persisting, so the stored row always holds the full document.
type Document struct {
	Path        string `gorm:"column:path;primaryKey;size:190;not null"`
	DocJSON     string `gorm:"column:doc_json;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}
