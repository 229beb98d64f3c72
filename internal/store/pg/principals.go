package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"erpid.org/internal/auth"
)

const principalColumns = `id, email, first_name, last_name, user_type, role, default_portal,
	credential_hash, status, coalesce(employee_id, ''), coalesce(customer_id, ''), coalesce(company_name, ''),
	last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*auth.Principal, error) {
	var (
		p         auth.Principal
		lastLogin sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.UserType, &p.Role, &p.DefaultPortal,
		&p.CredentialHash, &p.Status, &p.EmployeeID, &p.CustomerID, &p.CompanyName,
		&lastLogin, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		p.LastLoginAt = &t
	}
	return &p, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+`
		from principals where email_normalized = $1`, auth.NormalizeEmail(email))
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return p, err
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+`
		from principals where id = $1`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return p, err
}

// Save inserts a principal, or rewrites one still awaiting its invitation.
// An existing row that is no longer pending, or whose user type differs,
// is left untouched and yields ErrAlreadyExists, as does a unique violation
// on the normalized email.
func (s *Store) Save(ctx context.Context, p *auth.Principal) error {
	if s.db == nil {
		return errNoDB
	}
	if p == nil {
		return auth.ErrInvalidInput
	}
	if err := p.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, email, email_normalized, first_name, last_name, user_type, role,
			default_portal, credential_hash, status, employee_id, customer_id, company_name, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (id) do update set
			email = excluded.email,
			email_normalized = excluded.email_normalized,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			user_type = excluded.user_type,
			role = excluded.role,
			default_portal = excluded.default_portal,
			credential_hash = excluded.credential_hash,
			status = excluded.status,
			employee_id = excluded.employee_id,
			customer_id = excluded.customer_id,
			company_name = excluded.company_name,
			updated_at = excluded.updated_at
		where principals.status = 'pending_invitation' and principals.user_type = excluded.user_type
		returning created_at, updated_at
	`, p.ID, strings.TrimSpace(p.Email), auth.NormalizeEmail(p.Email), p.FirstName, p.LastName,
		string(p.UserType), string(p.Role), string(p.DefaultPortal), p.CredentialHash, string(p.Status),
		nullIfEmpty(p.EmployeeID), nullIfEmpty(p.CustomerID), nullIfEmpty(p.CompanyName), created, now)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrAlreadyExists
		}
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrAlreadyExists
			case pgErrCheckViolation:
				return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.ConstraintName)
			}
		}
		return err
	}
	return nil
}

func (s *Store) UpdateCredentialHash(ctx context.Context, id, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("%w: credential hash is required", auth.ErrInvalidInput)
	}
	return s.exec(ctx, `update principals set credential_hash = $2, updated_at = $3 where id = $1`, id, hash)
}

func (s *Store) Activate(ctx context.Context, id, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("%w: credential hash is required", auth.ErrInvalidInput)
	}
	return s.exec(ctx, `update principals set credential_hash = $2, status = 'active', updated_at = $3
		where id = $1 and status = 'pending_invitation'`, id, hash)
}

func (s *Store) SetStatus(ctx context.Context, id string, status auth.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", auth.ErrInvalidInput, status)
	}
	return s.exec(ctx, `update principals set status = $2, updated_at = $3 where id = $1`, id, string(status))
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update principals set last_login_at = $2 where id = $1`, id, at.UTC())
	return rowsOrNotFound(res, err)
}

// exec runs a single-row update whose last parameter is updated_at.
func (s *Store) exec(ctx context.Context, query string, id string, value any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, id, value, s.now().UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.ConstraintName)
	}
	return rowsOrNotFound(res, err)
}

func rowsOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter auth.PrincipalFilter) ([]auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if filter.UserType != "" {
		args = append(args, string(filter.UserType))
		where = append(where, fmt.Sprintf("user_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	query := `select ` + principalColumns + ` from principals`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(` order by id limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
