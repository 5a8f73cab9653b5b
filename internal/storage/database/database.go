package database

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"trustyclaw/internal/config"
	xerrors "trustyclaw/internal/errors"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect identifies the SQL backend behind a DB.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// DB wraps *sql.DB with the dialect it was opened with.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects to the backend described by cfg and verifies the connection.
func Open(ctx context.Context, cfg config.StorageConfig) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	var (
		dialect Dialect
		driver  string
	)
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		dialect, driver = DialectMySQL, "mysql"
	case "sqlite":
		dialect, driver = DialectSQLite, "sqlite"
		dsn = sqliteDSN(dsn)
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的存储驱动: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接数据库失败")
	}

	if dialect == DialectSQLite {
		// SQLite 只允许单写者，统一通过一个连接串行化。
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(positive(cfg.MaxOpenConns, 20))
		db.SetMaxIdleConns(positive(cfg.MaxIdleConns, 10))
		db.SetConnMaxLifetime(time.Duration(positive(cfg.ConnMaxLifetimeSeconds, 600)) * time.Second)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return &DB{DB: db, dialect: dialect}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma") || dsn == ":memory:" {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func positive(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// Dialect returns the backend dialect.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Column is one column of a Table.
type Column struct {
	Name string
	Type string
}

// Index is a secondary index of a Table.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table is a portable table definition. Types are written in the common
// subset both backends accept (VARCHAR, TEXT, BIGINT, INT, DOUBLE).
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	Indexes    []Index
}

// EnsureTable creates the table and its indexes when missing.
func (db *DB) EnsureTable(ctx context.Context, t Table) error {
	for _, stmt := range t.statements(db.dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("初始化 %s 表失败", t.Name))
		}
	}
	return nil
}

func (t Table) statements(dialect Dialect) []string {
	defs := make([]string, 0, len(t.Columns)+len(t.Indexes)+1)
	for _, col := range t.Columns {
		defs = append(defs, col.Name+" "+col.Type)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(t.PrimaryKey, ", ")+")")
	}

	var extra []string
	for _, idx := range t.Indexes {
		cols := strings.Join(idx.Columns, ", ")
		switch dialect {
		case DialectMySQL:
			kind := "INDEX"
			if idx.Unique {
				kind = "UNIQUE INDEX"
			}
			defs = append(defs, fmt.Sprintf("%s %s (%s)", kind, idx.Name, cols))
		default:
			kind := "INDEX"
			if idx.Unique {
				kind = "UNIQUE INDEX"
			}
			extra = append(extra, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kind, idx.Name, t.Name, cols))
		}
	}

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", t.Name, strings.Join(defs, ",\n    "))
	return append([]string{create}, extra...)
}

// IsDuplicate reports whether err is a primary or unique key violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// InTx runs fn inside a transaction, rolling back when it returns an error.
func (db *DB) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// NullTime encodes an optional timestamp as nullable Unix nanoseconds.
func NullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// TimeOf decodes a nullable Unix nanosecond column.
func TimeOf(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
