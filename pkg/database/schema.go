package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the chat schema after migrations ran
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate checks tables, chat_messages columns and the history index
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"users", "courses", "enrollments", "chat_messages", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure compares declared column types of chat_messages
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]string{
		"seq":        "INTEGER",
		"id":         "TEXT",
		"course_id":  "TEXT",
		"sender_id":  "TEXT",
		"body":       "TEXT",
		"created_at": "INTEGER",
	}
	if err := v.validateColumns("chat_messages", expected); err != nil {
		return fmt.Errorf("chat_messages table structure invalid: %w", err)
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{"idx_chat_messages_course_time", "idx_enrollments_course"} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, dtype  string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dtype
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, dtype := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != dtype {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, dtype)
		}
	}
	return nil
}
