package document

import (
	"context"
	"database/sql"
	"fmt"

	"cvflow/pkg/postgres"
)

// SQLStore is the PostgreSQL-backed Store.
type SQLStore struct {
	db *postgres.Client
}

// NewSQLStore creates a Store over the given PostgreSQL client.
func NewSQLStore(db *postgres.Client) *SQLStore {
	return &SQLStore{db: db}
}

const documentColumns = `id, subject_id, subject_name, state,
	COALESCE(batch_token, ''), COALESCE(batch_order, 0),
	COALESCE(last_callback_status, ''), COALESCE(last_callback_at, to_timestamp(0)),
	COALESCE(job_id, ''), COALESCE(raw_response, ''), COALESCE(status_message, ''),
	COALESCE(start_time_epoch, 0), COALESCE(employee_id, 0), COALESCE(created_by, 0),
	created_at`

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.SubjectID, &d.SubjectName, &d.State,
		&d.BatchToken, &d.BatchOrder,
		&d.LastCallbackStatus, &d.LastCallbackAt,
		&d.JobID, &d.RawResponse, &d.StatusMessage,
		&d.StartTimeEpoch, &d.EmployeeID, &d.CreatedBy,
		&d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return &d, nil
}

func (s *SQLStore) FindLatestBySubject(ctx context.Context, subjectID string) (*Document, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+`
		 FROM documents
		 WHERE subject_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, subjectID)
	return scanDocument(row)
}

func (s *SQLStore) State(ctx context.Context, id int64) (State, error) {
	var state State
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT state FROM documents WHERE id = $1`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("document %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("reading document state: %w", err)
	}
	return state, nil
}

// ApplyTransition writes state, callback bookkeeping, batch fields and the
// verbatim audit copy in a single transaction so a crash after the call
// cannot lose the transition.
func (s *SQLStore) ApplyTransition(ctx context.Context, doc *Document) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE documents
			 SET state = $2,
			     last_callback_status = $3,
			     last_callback_at = $4,
			     batch_token = NULLIF($5, ''),
			     batch_order = $6,
			     job_id = NULLIF($7, ''),
			     raw_response = $8
			 WHERE id = $1`,
			doc.ID, doc.State, doc.LastCallbackStatus, doc.LastCallbackAt,
			doc.BatchToken, doc.BatchOrder, doc.JobID, doc.RawResponse,
		)
		if err != nil {
			return fmt.Errorf("updating document %d: %w", doc.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) Demote(ctx context.Context, id int64, message string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE documents SET state = $2, status_message = $3 WHERE id = $1`,
		id, StateError, message,
	)
	if err != nil {
		return fmt.Errorf("demoting document %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) NextPending(ctx context.Context, batchToken string, afterOrder int) (*Document, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+`
		 FROM documents
		 WHERE batch_token = $1
		   AND batch_order > $2
		   AND state IN ($3, $4)
		 ORDER BY batch_order ASC
		 LIMIT 1`,
		batchToken, afterOrder, StateDraft, StateProcessing)
	return scanDocument(row)
}

func (s *SQLStore) CountSiblings(ctx context.Context, batchToken string, excludeID int64) (int, error) {
	var count int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE batch_token = $1 AND id <> $2`,
		batchToken, excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting batch siblings: %w", err)
	}
	return count, nil
}
