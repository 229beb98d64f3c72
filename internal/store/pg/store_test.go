package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"erpid.org/internal/auth"
)

var principalCols = []string{
	"id", "email", "first_name", "last_name", "user_type", "role", "default_portal",
	"credential_hash", "status", "employee_id", "customer_id", "company_name",
	"last_login_at", "created_at", "updated_at",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestFindByEmailNormalizes(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from principals where email_normalized = \\$1").
		WithArgs("jane@co.com").
		WillReturnRows(sqlmock.NewRows(principalCols).AddRow(
			"p-1", "Jane@Co.com", "Jane", "Doe", "EMPLOYEE", "EMPLOYEE", "EMPLOYEE_PORTAL",
			"", "pending_invitation", "E-7", "", "", nil, now, now))

	p, err := s.FindByEmail(context.Background(), "  JANE@co.com ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if p.ID != "p-1" || p.UserType != auth.UserTypeEmployee || p.EmployeeID != "E-7" || p.LastLoginAt != nil {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from principals where id = \\$1").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	if _, err := s.FindByID(context.Background(), "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into principals").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "principals_email_normalized_key"})

	p := &auth.Principal{
		ID: "p-2", Email: "jane@co.com", UserType: auth.UserTypeEmployee, Role: auth.RoleEmployee,
		DefaultPortal: auth.PortalEmployee, Status: auth.StatusPendingInvitation,
	}
	if err := s.Save(context.Background(), p); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSaveRejectsInvalidBeforeQuery(t *testing.T) {
	s, mock := newMock(t)
	p := &auth.Principal{
		ID: "p-2", Email: "jane@co.com", UserType: auth.UserTypeCustomer, Role: auth.RoleHRManager,
		DefaultPortal: auth.PortalCustomer, Status: auth.StatusPendingInvitation,
	}
	if err := s.Save(context.Background(), p); !errors.Is(err, auth.ErrInvalidRoleForUserType) {
		t.Fatalf("expected ErrInvalidRoleForUserType, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected: %v", err)
	}
}

func TestSaveUpserts(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("on conflict \\(id\\) do update").
		WithArgs("p-1", "Jane@Co.com", "jane@co.com", "Jane", "", "EMPLOYEE", "EMPLOYEE", "EMPLOYEE_PORTAL",
			"", "pending_invitation", sql.NullString{}, sql.NullString{}, sql.NullString{}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, s.now()))

	p := &auth.Principal{
		ID: "p-1", Email: "Jane@Co.com", FirstName: "Jane", UserType: auth.UserTypeEmployee, Role: auth.RoleEmployee,
		DefaultPortal: auth.PortalEmployee, Status: auth.StatusPendingInvitation,
	}
	if err := s.Save(context.Background(), p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !p.CreatedAt.Equal(created) {
		t.Fatalf("created_at not returned: %v", p.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveLeavesSettledPrincipalAlone(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("where principals.status = 'pending_invitation' and principals.user_type = excluded.user_type").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))

	p := &auth.Principal{
		ID: "p-1", Email: "jane@co.com", UserType: auth.UserTypeEmployee, Role: auth.RoleEmployee,
		DefaultPortal: auth.PortalEmployee, Status: auth.StatusPendingInvitation,
	}
	if err := s.Save(context.Background(), p); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActivateRequiresPending(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("where id = \\$1 and status = 'pending_invitation'").
		WithArgs("p-1", "$argon2id$x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Activate(context.Background(), "p-1", "$argon2id$x"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActivateMissingPrincipal(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update principals set credential_hash = \\$2, status = 'active'").
		WithArgs("p-9", "$argon2id$x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Activate(context.Background(), "p-9", "$argon2id$x"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusCheckViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update principals set status").
		WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation, ConstraintName: "principals_active_has_credential"})
	if err := s.SetStatus(context.Background(), "p-1", auth.StatusActive); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestListBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from principals where user_type = \\$1 and status = \\$2 order by id limit \\$3").
		WithArgs("CUSTOMER", "active", 10).
		WillReturnRows(sqlmock.NewRows(principalCols).AddRow(
			"p-3", "c@co.com", "C", "", "CUSTOMER", "CUSTOMER", "CUSTOMER_PORTAL",
			"$argon2id$x", "active", "", "C-1", "Acme", now, now, now))

	list, err := s.List(context.Background(), auth.PrincipalFilter{UserType: auth.UserTypeCustomer, Status: auth.StatusActive, Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].CompanyName != "Acme" || list[0].LastLoginAt == nil {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestReplaceRevokesThenInserts(t *testing.T) {
	s, mock := newMock(t)
	now := s.now()
	tok := auth.SecurityToken{
		ID: "t-1", TokenHash: "abc", PrincipalID: "p-1", Purpose: auth.PurposeInvite,
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	mock.ExpectBegin()
	mock.ExpectExec("update security_tokens\\s+set consumed_at = \\$3, revoked = true").
		WithArgs("p-1", "invite", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into security_tokens").
		WithArgs("t-1", "abc", "p-1", "invite", now, now.Add(time.Hour)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Replace(context.Background(), tok); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceRetriesOutstandingConflict(t *testing.T) {
	s, mock := newMock(t)
	now := s.now()
	tok := auth.SecurityToken{ID: "t-1", TokenHash: "abc", PrincipalID: "p-1", Purpose: auth.PurposePasswordReset, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	conflict := &pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "security_tokens_outstanding_key"}

	mock.ExpectBegin()
	mock.ExpectExec("update security_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into security_tokens").WillReturnError(conflict)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("update security_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into security_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Replace(context.Background(), tok); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeConditionalUpdate(t *testing.T) {
	s, mock := newMock(t)
	now := s.now()
	mock.ExpectQuery("consumed_at is null and expires_at > \\$3\\s+returning principal_id").
		WithArgs("abc", "password_reset", now).
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).AddRow("p-1"))
	mock.ExpectQuery("consumed_at is null and expires_at > \\$3").
		WithArgs("abc", "password_reset", now).
		WillReturnError(sql.ErrNoRows)

	id, err := s.Consume(context.Background(), "abc", auth.PurposePasswordReset, now)
	if err != nil || id != "p-1" {
		t.Fatalf("first consume: id=%q err=%v", id, err)
	}
	if _, err := s.Consume(context.Background(), "abc", auth.PurposePasswordReset, now); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	s, mock := newMock(t)
	cutoff := s.now()
	mock.ExpectExec("delete from security_tokens").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := s.PurgeExpired(context.Background(), cutoff)
	if err != nil || n != 4 {
		t.Fatalf("PurgeExpired: n=%d err=%v", n, err)
	}
}
