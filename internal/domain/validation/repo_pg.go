package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7hub/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type ResultRepoPG struct {
	pool *pgxpool.Pool
}

func NewResultRepoPG(pool *pgxpool.Pool) *ResultRepoPG {
	return &ResultRepoPG{pool: pool}
}

func (r *ResultRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const resultCols = `id, flow, standard_version, structure_id, message_type, trigger_event,
	message_control_id, is_valid, error_kind, error_message, diagnostics,
	xml_document, raw_message, source, created_at`

func scanResult(row pgx.Row) (*Record, error) {
	var (
		rec                                  Record
		stdVersion, msgType, trigger, ctrlID *string
		errKind, errMsg                      *string
		diags                                []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Flow, &stdVersion, &rec.StructureID, &msgType, &trigger,
		&ctrlID, &rec.IsValid, &errKind, &errMsg, &diags,
		&rec.XMLDocument, &rec.RawMessage, &rec.Source, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.StandardVersion = deref(stdVersion)
	rec.MessageType = deref(msgType)
	rec.TriggerEvent = deref(trigger)
	rec.MessageControlID = deref(ctrlID)
	rec.ErrorKind = Kind(deref(errKind))
	rec.ErrorMessage = deref(errMsg)
	if len(diags) > 0 {
		if err := json.Unmarshal(diags, &rec.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode diagnostics for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (r *ResultRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var diags []byte
	if len(rec.Diagnostics) > 0 {
		b, err := json.Marshal(rec.Diagnostics)
		if err != nil {
			return fmt.Errorf("encode diagnostics: %w", err)
		}
		diags = b
	}

	q := fmt.Sprintf(`INSERT INTO validation_results (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, resultCols)
	_, err := r.conn(ctx).Exec(ctx, q,
		rec.ID, rec.Flow, nullable(rec.StandardVersion), rec.StructureID,
		nullable(rec.MessageType), nullable(rec.TriggerEvent), nullable(rec.MessageControlID),
		rec.IsValid, nullable(string(rec.ErrorKind)), nullable(rec.ErrorMessage), diags,
		rec.XMLDocument, rec.RawMessage, rec.Source, rec.CreatedAt,
	)
	return err
}

func (r *ResultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	q := fmt.Sprintf("SELECT %s FROM validation_results WHERE id = $1", resultCols)
	rec, err := scanResult(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *ResultRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Record, int, error) {
	where, args := searchClause(params)
	idx := len(args) + 1

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM validation_results %s", where)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM validation_results %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		resultCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *ResultRepoPG) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, "DELETE FROM validation_results WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// searchColumns maps filter names onto columns.
var searchColumns = []struct {
	param  string
	column string
}{
	{"flow", "flow"},
	{"structure", "structure_id"},
	{"control_id", "message_control_id"},
	{"source", "source"},
	{"valid", "is_valid"},
}

func searchClause(params map[string]string) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	for _, sc := range searchColumns {
		v, ok := params[sc.param]
		if !ok || v == "" {
			continue
		}
		var arg interface{} = v
		if sc.param == "valid" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				continue
			}
			arg = b
		}
		args = append(args, arg)
		where = append(where, fmt.Sprintf("%s = $%d", sc.column, len(args)))
	}
	if len(where) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
