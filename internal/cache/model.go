package cache

// EntityIndex records that an activity is visible from a host entity's stream.
type EntityIndex struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:190;not null;index:idx_entity_index_entity,priority:1"`
	EntityID         int64  `gorm:"column:entity_id;primaryKey;autoIncrement:false;not null;index:idx_entity_index_entity,priority:2"`
	ActivityID       int64  `gorm:"column:activity_id;primaryKey;autoIncrement:false;not null;index:idx_entity_index_entity,priority:3"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityIndex) TableName() string {
	return "entity_index"
}

// ActivityRecord stores a serialized activity event. Rows are insert-only.
type ActivityRecord struct {
	ActivityID       int64  `gorm:"column:activity_id;primaryKey;autoIncrement:false;not null"`
	NoteID           *int64 `gorm:"column:note_id;index:idx_activity_note"`
	Payload          []byte `gorm:"column:payload;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityRecord) TableName() string {
	return "activity"
}

// NoteRecord stores the latest full serialized thread of a note.
type NoteRecord struct {
	NoteID           int64  `gorm:"column:note_id;primaryKey;autoIncrement:false;not null"`
	Payload          []byte `gorm:"column:payload;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "note"
}

// streamRow is the projection scanned by Fetch.
type streamRow struct {
	ActivityID      int64  `gorm:"column:activity_id"`
	ActivityPayload []byte `gorm:"column:activity_payload"`
	NoteID          *int64 `gorm:"column:note_id"`
	NotePayload     []byte `gorm:"column:note_payload"`
}
