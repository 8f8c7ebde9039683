package staff

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const staffColumns = `id, name, role, branch_id, active, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, s *Staff) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO staff_member (id, name, role, branch_id, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Role, s.BranchID, s.Active,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
		}
		return fmt.Errorf("insert staff member: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Staff, error) {
	var s Staff
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+staffColumns+` FROM staff_member WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Role, &s.BranchID, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get staff member %s: %w", id, err)
	}
	return &s, nil
}

func (r *repoPG) List(ctx context.Context, branchID, role string, limit, offset int) ([]*Staff, int, error) {
	where := `WHERE ($1 = '' OR branch_id = $1) AND ($2 = '' OR role = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM staff_member `+where, branchID, role).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+staffColumns+` FROM staff_member `+where+` ORDER BY name, id LIMIT $3 OFFSET $4`,
		branchID, role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Staff
	for rows.Next() {
		var s Staff
		if err := rows.Scan(&s.ID, &s.Name, &s.Role, &s.BranchID, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE staff_member SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
