package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"erpid.org/internal/obs"
)

const defaultTable = "schema_migrations"

// lockKey serialises concurrent runners (several API replicas with
// auto_migrate on) through a session-level advisory lock.
const lockKey int64 = 0x6572706964

var (
	// ErrChecksumMismatch means an applied migration was edited after release.
	ErrChecksumMismatch = errors.New("migrate: applied migration differs from the shipped file")

	// ErrDatabaseAhead means the database carries versions this binary does not know.
	ErrDatabaseAhead = errors.New("migrate: database schema is newer than this binary")

	ErrNothingApplied = errors.New("migrate: no migrations applied")
)

// Migration is one numbered schema change. Files are named
// NNNN_name.up.sql with a matching NNNN_name.down.sql.
type Migration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt *time.Time

	upPath   string
	downPath string
}

func (m Migration) Pending() bool { return m.AppliedAt == nil }

func (m Migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// Manager applies the identity schema. It records version and checksum of
// every applied file.
type Manager struct {
	db    *sql.DB
	files fs.FS
	table string
	now   func() time.Time
}

type Option func(*Manager)

// WithTable overrides the bookkeeping table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager runs the migrations in files, usually Files().
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, files: files, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type appliedRow struct {
	name      string
	checksum  string
	appliedAt time.Time
}

// Up applies every pending migration in version order and returns those it
// applied. Each file and its bookkeeping row commit together.
func (m *Manager) Up(ctx context.Context) ([]Migration, error) {
	migs, err := load(m.files)
	if err != nil {
		return nil, err
	}
	var applied []Migration
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		if err := checkHistory(migs, done); err != nil {
			return err
		}
		for _, mig := range migs {
			if _, ok := done[mig.Version]; ok {
				continue
			}
			at := m.now().UTC()
			err := m.run(ctx, conn, mig.upPath, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, fmt.Sprintf(
					`insert into %s (version, name, checksum, applied_at) values ($1, $2, $3, $4)`, m.table),
					mig.Version, mig.Name, mig.Checksum, at)
				return err
			})
			if err != nil {
				return fmt.Errorf("apply %s: %w", mig, err)
			}
			mig.AppliedAt = &at
			applied = append(applied, mig)
			obs.Logger().WithField("migration", mig.String()).Info("migration applied")
		}
		return nil
	})
	return applied, err
}

// Down rolls back the latest applied migration and returns it.
func (m *Manager) Down(ctx context.Context) (Migration, error) {
	migs, err := load(m.files)
	if err != nil {
		return Migration{}, err
	}
	var rolled Migration
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		if len(done) == 0 {
			return ErrNothingApplied
		}
		latest := -1
		for v := range done {
			if v > latest {
				latest = v
			}
		}
		idx := sort.Search(len(migs), func(i int) bool { return migs[i].Version >= latest })
		if idx == len(migs) || migs[idx].Version != latest {
			return fmt.Errorf("%w: version %d", ErrDatabaseAhead, latest)
		}
		rolled = migs[idx]
		err = m.run(ctx, conn, rolled.downPath, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where version = $1`, m.table), rolled.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("roll back %s: %w", rolled, err)
		}
		obs.Logger().WithField("migration", rolled.String()).Info("migration rolled back")
		return nil
	})
	return rolled, err
}

// Status lists every shipped migration with its applied time, if any.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	migs, err := load(m.files)
	if err != nil {
		return nil, err
	}
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for i := range migs {
			if row, ok := done[migs[i].Version]; ok {
				at := row.appliedAt
				migs[i].AppliedAt = &at
			}
		}
		return checkHistory(migs, done)
	})
	return migs, err
}

func checkHistory(migs []Migration, done map[int]appliedRow) error {
	known := make(map[int]Migration, len(migs))
	for _, mig := range migs {
		known[mig.Version] = mig
	}
	for v, row := range done {
		mig, ok := known[v]
		if !ok {
			return fmt.Errorf("%w: version %d (%s)", ErrDatabaseAhead, v, row.name)
		}
		if mig.Checksum != row.checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, mig)
		}
	}
	return nil
}

func (m *Manager) withLock(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
	}()
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			version integer primary key,
			name text not null,
			checksum text not null,
			applied_at timestamptz not null default now()
		)`, m.table)); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) applied(ctx context.Context, conn *sql.Conn) (map[int]appliedRow, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select version, name, checksum, applied_at from %s order by version`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[int]appliedRow)
	for rows.Next() {
		var (
			v   int
			row appliedRow
		)
		if err := rows.Scan(&v, &row.name, &row.checksum, &row.appliedAt); err != nil {
			return nil, err
		}
		done[v] = row
	}
	return done, rows.Err()
}

// run executes one script and its bookkeeping in a single transaction. The
// script goes over the simple protocol, so it may hold several statements.
func (m *Manager) run(ctx context.Context, conn *sql.Conn, path string, record func(*sql.Tx) error) error {
	script, err := fs.ReadFile(m.files, path)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return err
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// load reads and orders the migrations in fsys. Every up file needs a down
// file and a unique numeric prefix.
func load(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, errors.New("migrate: no migration files")
	}
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	seen := make(map[int]string)
	migs := make([]Migration, 0, len(ups))
	for _, up := range ups {
		base := strings.TrimSuffix(up, ".up.sql")
		prefix, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migrate: bad migration file name %q", up)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", version, other, up)
		}
		seen[version] = up
		down := base + ".down.sql"
		if _, err := fs.Stat(fsys, down); err != nil {
			return nil, fmt.Errorf("migrate: missing %s", down)
		}
		body, err := fs.ReadFile(fsys, up)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		migs = append(migs, Migration{
			Version:  version,
			Name:     name,
			Checksum: hex.EncodeToString(sum[:]),
			upPath:   up,
			downPath: down,
		})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}
