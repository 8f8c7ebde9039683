package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

const uniqueViolation = "23505"

var dialect = goqu.Dialect("postgres")

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// visitDocument is the JSONB part of a patient_visit row. Everything that is
// filtered on lives in its own column.
type visitDocument struct {
	Stages        map[Stage]*StageRecord `json:"stages"`
	History       []StageRecord          `json:"history,omitempty"`
	Assignments   map[Stage]StaffRef     `json:"assignments,omitempty"`
	FinalClockOut *FinalClockOut         `json:"final_clock_out,omitempty"`
	Cancellation  *Cancellation          `json:"cancellation,omitempty"`
	CreatedBy     StaffRef               `json:"created_by"`
}

func encodeDocument(v *Visit) ([]byte, error) {
	return json.Marshal(visitDocument{
		Stages:        v.Stages,
		History:       v.History,
		Assignments:   v.Assignments,
		FinalClockOut: v.FinalClockOut,
		Cancellation:  v.Cancellation,
		CreatedBy:     v.CreatedBy,
	})
}

func decodeDocument(raw []byte, v *Visit) error {
	var doc visitDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode visit %s: %w", v.ID, err)
	}
	v.Stages = doc.Stages
	if v.Stages == nil {
		v.Stages = make(map[Stage]*StageRecord)
	}
	v.History = doc.History
	v.Assignments = doc.Assignments
	v.FinalClockOut = doc.FinalClockOut
	v.Cancellation = doc.Cancellation
	v.CreatedBy = doc.CreatedBy
	return nil
}

const visitCols = `id, visit_number, patient_id, branch_id, visit_type, current_stage, status,
	document, version, created_at, updated_at, archived_at`

var visitColumns = []interface{}{
	"id", "visit_number", "patient_id", "branch_id", "visit_type", "current_stage", "status",
	"document", "version", "created_at", "updated_at", "archived_at",
}

func (r *repoPG) Create(ctx context.Context, v *Visit, entry AuditEntry) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	doc, err := encodeDocument(v)
	if err != nil {
		return err
	}
	v.Version = 1

	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO patient_visit (
				id, visit_number, patient_id, branch_id, visit_type, current_stage, status,
				document, version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			v.ID, v.VisitNumber, v.PatientID, v.BranchID, string(v.VisitType), string(v.CurrentStage), string(v.Status),
			doc, v.Version, v.CreatedAt, v.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return wrapError(KindDuplicateVisitNumber, err, "visit number %s already issued", v.VisitNumber)
			}
			return err
		}
		entry.VisitID = v.ID
		entry.Version = v.Version
		return r.appendAudit(ctx, entry)
	})
}

func (r *repoPG) GetByID(ctx context.Context, branchID string, id uuid.UUID) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM patient_visit WHERE id = $1 AND branch_id = $2`, id, branchID))
}

func (r *repoPG) GetByNumber(ctx context.Context, branchID, number string) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM patient_visit WHERE visit_number = $1 AND branch_id = $2`, number, branchID))
}

func (r *repoPG) Save(ctx context.Context, v *Visit, expectedVersion int, entry AuditEntry) error {
	doc, err := encodeDocument(v)
	if err != nil {
		return err
	}

	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		var version int
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE patient_visit SET
				current_stage=$4, status=$5, document=$6, updated_at=$7, archived_at=$8,
				version=version+1
			WHERE id = $1 AND branch_id = $2 AND version = $3
			RETURNING version`,
			v.ID, v.BranchID, expectedVersion,
			string(v.CurrentStage), string(v.Status), doc, v.UpdatedAt, v.ArchivedAt,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missedUpdate(ctx, v)
		}
		if err != nil {
			return err
		}
		v.Version = version

		entry.VisitID = v.ID
		entry.Version = version
		return r.appendAudit(ctx, entry)
	})
}

// missedUpdate tells a stale version apart from a visit that is not there.
func (r *repoPG) missedUpdate(ctx context.Context, v *Visit) error {
	var current int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT version FROM patient_visit WHERE id = $1 AND branch_id = $2`, v.ID, v.BranchID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return newError(KindNotFound, "visit %s not found", v.ID)
	}
	if err != nil {
		return err
	}
	return newError(KindVersionConflict, "visit %s is at version %d", v.ID, current)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Visit, int, error) {
	countSQL, countArgs, err := buildCountQuery(f)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, dataArgs, err := buildListQuery(f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var visits []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		visits = append(visits, v)
	}
	return visits, total, rows.Err()
}

func filterDataset(f ListFilter) *goqu.SelectDataset {
	ds := dialect.From("patient_visit").Prepared(true).
		Where(goqu.Ex{"branch_id": f.BranchID})
	if f.Stage != "" {
		ds = ds.Where(goqu.Ex{"current_stage": string(f.Stage)})
	}
	if f.Status != "" {
		ds = ds.Where(goqu.Ex{"status": string(f.Status)})
	}
	if f.PatientID != uuid.Nil {
		ds = ds.Where(goqu.Ex{"patient_id": f.PatientID.String()})
	}
	if f.CreatedFrom != nil {
		ds = ds.Where(goqu.C("created_at").Gte(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		ds = ds.Where(goqu.C("created_at").Lt(*f.CreatedTo))
	}
	if !f.IncludeArchived {
		ds = ds.Where(goqu.C("archived_at").IsNull())
	}
	return ds
}

func buildCountQuery(f ListFilter) (string, []interface{}, error) {
	return filterDataset(f).Select(goqu.COUNT("*")).ToSQL()
}

// buildListQuery orders oldest first so the queue board shows patients in
// the order they arrived.
func buildListQuery(f ListFilter, limit, offset int) (string, []interface{}, error) {
	return filterDataset(f).
		Select(visitColumns...).
		Order(goqu.I("created_at").Asc(), goqu.I("visit_number").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
}

func (r *repoPG) NextSequence(ctx context.Context, branchID string, day time.Time) (int, error) {
	var seq int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_sequence (branch_id, day, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (branch_id, day) DO UPDATE SET last_value = visit_sequence.last_value + 1
		RETURNING last_value`,
		branchID, SequenceDay(day),
	).Scan(&seq)
	return seq, err
}

func (r *repoPG) appendAudit(ctx context.Context, e AuditEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit_audit (visit_id, version, operation, from_stage, to_stage, actor_id, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.VisitID, e.Version, e.Operation, string(e.FromStage), string(e.ToStage), e.ActorID, e.Detail, e.At,
	)
	return err
}

func (r *repoPG) ListAudit(ctx context.Context, branchID string, visitID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.visit_id, a.version, a.operation, a.from_stage, a.to_stage, a.actor_id, a.detail, a.at
		FROM visit_audit a
		JOIN patient_visit v ON v.id = a.visit_id
		WHERE a.visit_id = $1 AND v.branch_id = $2
		ORDER BY a.version, a.id`, visitID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var from, to string
		if err := rows.Scan(&e.ID, &e.VisitID, &e.Version, &e.Operation, &from, &to, &e.ActorID, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		e.FromStage, e.ToStage = Stage(from), Stage(to)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanVisit(row scannable) (*Visit, error) {
	var v Visit
	var visitType, stage, status string
	var doc []byte
	err := row.Scan(&v.ID, &v.VisitNumber, &v.PatientID, &v.BranchID, &visitType, &stage, &status,
		&doc, &v.Version, &v.CreatedAt, &v.UpdatedAt, &v.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapError(KindNotFound, err, "visit not found")
	}
	if err != nil {
		return nil, err
	}
	v.VisitType, v.CurrentStage, v.Status = VisitType(visitType), Stage(stage), Status(status)
	if err := decodeDocument(doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
