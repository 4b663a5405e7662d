// Package normalize applies the raw extraction data delivered by the
// automation worker to the subject's profile record.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cvflow/internal/document"
	"cvflow/pkg/postgres"
)

// ProfileApplier writes recognised extraction fields into the
// subject_profiles table. Unknown fields are ignored; an empty extraction is
// an error so the caller can demote the document.
type ProfileApplier struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewProfileApplier creates a ProfileApplier over the given PostgreSQL
// client.
func NewProfileApplier(db *postgres.Client) *ProfileApplier {
	return &ProfileApplier{
		db:     db,
		logger: slog.Default().With("component", "normalize-applier"),
	}
}

// Apply upserts the subject's profile from the raw extraction map.
func (a *ProfileApplier) Apply(ctx context.Context, doc *document.Document, rawData map[string]any) error {
	if len(rawData) == 0 {
		return fmt.Errorf("no extracted data for subject %s", doc.SubjectID)
	}

	fullName := stringField(rawData, "full_name", "name", "employee_name")
	if fullName == "" {
		fullName = doc.SubjectName
	}
	email := stringField(rawData, "email", "email_address")
	phone := stringField(rawData, "phone", "phone_number", "mobile")

	_, err := a.db.DB.ExecContext(ctx,
		`INSERT INTO subject_profiles (subject_id, full_name, email, phone, updated_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), now())
		 ON CONFLICT (subject_id) DO UPDATE
		 SET full_name = COALESCE(EXCLUDED.full_name, subject_profiles.full_name),
		     email = COALESCE(EXCLUDED.email, subject_profiles.email),
		     phone = COALESCE(EXCLUDED.phone, subject_profiles.phone),
		     updated_at = now()`,
		doc.SubjectID, fullName, email, phone,
	)
	if err != nil {
		return fmt.Errorf("upserting subject profile %s: %w", doc.SubjectID, err)
	}

	a.logger.Info("normalized data applied",
		"subject_id", doc.SubjectID,
		"document_id", doc.ID,
		"fields", len(rawData),
	)
	return nil
}

// stringField returns the first non-empty string value among the keys.
func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
