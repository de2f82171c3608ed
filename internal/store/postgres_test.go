package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPgErrorClassification(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	foreignKey := &pgconn.PgError{Code: "23503"}
	wrapped := fmt.Errorf("insert edit: %w", foreignKey)

	if !IsUniqueViolation(unique) {
		t.Error("23505 not recognised as unique violation")
	}
	if IsUniqueViolation(foreignKey) {
		t.Error("23503 misclassified as unique violation")
	}
	if !IsForeignKeyViolation(wrapped) {
		t.Error("wrapped 23503 not recognised as foreign key violation")
	}
	if IsForeignKeyViolation(errors.New("plain failure")) {
		t.Error("plain error misclassified as foreign key violation")
	}
}
