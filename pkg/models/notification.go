package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONMap is a map[string]interface{} stored as JSON text, for GORM across
// Postgres and SQLite. Implements driver.Valuer and sql.Scanner.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// StringArray is a []string stored as JSON text
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	return json.Marshal(a)
}

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type: %T", value)
	}
	return json.Unmarshal(bytes, a)
}

// Notification is a user-facing message persisted by the notification sink
type Notification struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"` // trade, wallet, dispute, system
	Data      JSONMap   `json:"data" gorm:"type:text"`
	IsRead    bool      `json:"is_read" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskLog records a risk gate decision; the velocity checks scan these rows
type RiskLog struct {
	ID        uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID   `json:"user_id" gorm:"type:uuid;index"`
	Action    string      `json:"action" gorm:"index"`
	Score     int         `json:"score"`
	Factors   StringArray `json:"factors" gorm:"type:text"`
	Blocked   bool        `json:"blocked" gorm:"default:false"`
	CreatedAt time.Time   `json:"created_at" gorm:"index"`
}
