// Package sqlite provides a SQLite based implementation of the region store
// and progress ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/storage"
)

var tracer = otel.Tracer("xpucat/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const domainSeparator = ","

// Config holds the optional knobs for the datastore.
type Config struct {
	Logger logger.Logger
}

// Datastore implements [storage.RegionStore] and [storage.ProgressLedger] on
// top of SQLite.
type Datastore struct {
	stbl   sq.StatementBuilderType
	db     *sql.DB
	logger logger.Logger
}

var (
	_ storage.RegionStore    = (*Datastore)(nil)
	_ storage.ProgressLedger = (*Datastore)(nil)
)

// PrepareDSN prepares a raw DSN for use with SQLite, specifying defaults for
// journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New creates a new [Datastore].
func New(uri string, cfg *Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	log := logger.Logger(logger.NewNoopLogger())
	if cfg != nil && cfg.Logger != nil {
		log = cfg.Logger
	}

	return &Datastore{
		stbl:   sq.StatementBuilder.RunWith(db),
		db:     db,
		logger: log,
	}, nil
}

// Close see [storage.RegionStore].Close.
func (s *Datastore) Close() {
	s.db.Close()
}

var regionColumns = []string{
	"id", "identity_key", "content_hash",
	"project", "version", "unit_name", "rg_index", "profile",
	"start_dec", "end_dec", "start_hex", "end_hex",
	"read_domains", "write_domains", "raw_payload",
	"active", "supersedes_id", "inserted_at",
}

// ActiveByIdentity see [storage.RegionStore].ActiveByIdentity.
func (s *Datastore) ActiveByIdentity(ctx context.Context, identityKey string) (*storage.RegionRecord, error) {
	ctx, span := startTrace(ctx, "ActiveByIdentity")
	defer span.End()

	rows, err := s.stbl.
		Select(regionColumns...).
		From("region_record").
		Where(sq.Eq{"identity_key": identityKey, "active": true}).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	records, err := scanRegionRows(rows)
	if err != nil {
		return nil, err
	}

	switch len(records) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return records[0], nil
	default:
		return nil, storage.ConsistencyViolationError(identityKey, len(records))
	}
}

// ActiveByScope see [storage.RegionStore].ActiveByScope.
func (s *Datastore) ActiveByScope(ctx context.Context, scope storage.ScopeKey) ([]*storage.RegionRecord, error) {
	ctx, span := startTrace(ctx, "ActiveByScope")
	defer span.End()

	rows, err := s.stbl.
		Select(regionColumns...).
		From("region_record").
		Where(sq.Eq{
			"project":   scope.Project,
			"version":   scope.Version,
			"unit_name": scope.Unit,
			"active":    true,
		}).
		OrderBy("rg_index", "start_hex").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanRegionRows(rows)
}

// ActiveByRegionIndex see [storage.RegionStore].ActiveByRegionIndex.
func (s *Datastore) ActiveByRegionIndex(ctx context.Context, scope storage.ScopeKey, regionIndex int, profile string) ([]*storage.RegionRecord, error) {
	ctx, span := startTrace(ctx, "ActiveByRegionIndex")
	defer span.End()

	sb := s.stbl.
		Select(regionColumns...).
		From("region_record").
		Where(sq.Eq{
			"project":   scope.Project,
			"version":   scope.Version,
			"unit_name": scope.Unit,
			"rg_index":  regionIndex,
			"active":    true,
		}).
		OrderBy("start_hex")
	if profile != "" {
		sb = sb.Where(sq.Eq{"profile": profile})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanRegionRows(rows)
}

// Insert see [storage.RegionStore].Insert.
func (s *Datastore) Insert(ctx context.Context, record *storage.RegionRecord) error {
	ctx, span := startTrace(ctx, "Insert")
	defer span.End()

	if err := record.Validate(); err != nil {
		return err
	}

	return busyRetry(func() error {
		_, err := s.insertBuilder(record, s.stbl).ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		return nil
	})
}

// Supersede see [storage.RegionStore].Supersede. The deactivate and the
// insert commit in one transaction so concurrent readers of the identity see
// exactly one active row at all times.
func (s *Datastore) Supersede(ctx context.Context, supersededID string, replacement *storage.RegionRecord) error {
	ctx, span := startTrace(ctx, "Supersede")
	defer span.End()

	if err := replacement.Validate(); err != nil {
		return err
	}

	var txn *sql.Tx
	err := busyRetry(func() error {
		var err error
		txn, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	var res sql.Result
	err = busyRetry(func() error {
		res, err = s.stbl.
			Update("region_record").
			Set("active", false).
			Where(sq.Eq{"id": supersededID, "active": true}).
			RunWith(txn). // Part of a txn.
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if rowsAffected != 1 {
		return storage.ErrNotFound
	}

	err = busyRetry(func() error {
		_, err := s.insertBuilder(replacement, s.stbl).
			RunWith(txn). // Part of a txn.
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	err = busyRetry(func() error {
		return txn.Commit()
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

func (s *Datastore) insertBuilder(record *storage.RegionRecord, stbl sq.StatementBuilderType) sq.InsertBuilder {
	insertedAt := record.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = time.Now().UTC()
	}

	var supersedes sql.NullString
	if record.SupersedesID != "" {
		supersedes = sql.NullString{String: record.SupersedesID, Valid: true}
	}

	return stbl.
		Insert("region_record").
		Columns(regionColumns...).
		Values(
			record.ID,
			record.IdentityKey,
			record.ContentHash,
			record.Project,
			record.Version,
			record.Unit,
			record.RegionIndex,
			record.Profile,
			int64(record.StartAddr),
			int64(record.EndAddr),
			record.StartHex,
			record.EndHex,
			strings.Join(record.ReadDomains, domainSeparator),
			strings.Join(record.WriteDomains, domainSeparator),
			record.RawPayload,
			true,
			supersedes,
			insertedAt,
		)
}

func scanRegionRows(rows *sql.Rows) ([]*storage.RegionRecord, error) {
	var out []*storage.RegionRecord
	for rows.Next() {
		var (
			rec          storage.RegionRecord
			startDec     int64
			endDec       int64
			readDomains  string
			writeDomains string
			supersedes   sql.NullString
		)
		err := rows.Scan(
			&rec.ID, &rec.IdentityKey, &rec.ContentHash,
			&rec.Project, &rec.Version, &rec.Unit, &rec.RegionIndex, &rec.Profile,
			&startDec, &endDec, &rec.StartHex, &rec.EndHex,
			&readDomains, &writeDomains, &rec.RawPayload,
			&rec.Active, &supersedes, &rec.InsertedAt,
		)
		if err != nil {
			return nil, HandleSQLError(err)
		}

		rec.StartAddr = uint64(startDec)
		rec.EndAddr = uint64(endDec)
		rec.SupersedesID = supersedes.String
		if readDomains != "" {
			rec.ReadDomains = strings.Split(readDomains, domainSeparator)
		}
		if writeDomains != "" {
			rec.WriteDomains = strings.Split(writeDomains, domainSeparator)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return out, nil
}

// Get see [storage.ProgressLedger].Get.
func (s *Datastore) Get(ctx context.Context, sourcePath string) (*storage.IngestionProgress, error) {
	ctx, span := startTrace(ctx, "GetProgress")
	defer span.End()

	var (
		row       storage.IngestionProgress
		status    string
		lastError sql.NullString
	)
	err := s.stbl.
		Select("source_path", "status", "last_chunk", "last_error", "updated_at").
		From("ingestion_progress").
		Where(sq.Eq{"source_path": sourcePath}).
		QueryRowContext(ctx).
		Scan(&row.SourcePath, &status, &row.LastCommittedChunk, &lastError, &row.UpdatedAt)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	row.Status = storage.IngestionStatus(status)
	row.LastError = lastError.String
	return &row, nil
}

// Upsert see [storage.ProgressLedger].Upsert.
func (s *Datastore) Upsert(ctx context.Context, progress *storage.IngestionProgress) error {
	ctx, span := startTrace(ctx, "UpsertProgress")
	defer span.End()

	if err := progress.Validate(); err != nil {
		return err
	}

	var lastError sql.NullString
	if progress.LastError != "" {
		lastError = sql.NullString{String: progress.LastError, Valid: true}
	}

	return busyRetry(func() error {
		_, err := s.stbl.
			Insert("ingestion_progress").
			Columns("source_path", "status", "last_chunk", "last_error", "updated_at").
			Values(progress.SourcePath, string(progress.Status), progress.LastCommittedChunk, lastError, time.Now().UTC()).
			Suffix(`ON CONFLICT (source_path) DO UPDATE SET
				status = excluded.status,
				last_chunk = excluded.last_chunk,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at`).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		return nil
	})
}

// Advance see [storage.ProgressLedger].Advance.
func (s *Datastore) Advance(ctx context.Context, sourcePath string, chunk int) error {
	ctx, span := startTrace(ctx, "AdvanceProgress")
	defer span.End()

	return busyRetry(func() error {
		res, err := s.stbl.
			Update("ingestion_progress").
			Set("last_chunk", chunk).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"source_path": sourcePath}).
			ExecContext(ctx)
		if err != nil {
			return HandleSQLError(err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return HandleSQLError(err)
		}
		if rowsAffected != 1 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// HandleSQLError processes an SQL error and converts it into the storage
// error taxonomy.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqlite3.SQLITE_CONSTRAINT:
			return storage.ErrCollision
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return storage.Transient(err)
		}
	}

	return storage.Transient(fmt.Errorf("sql error: %w", err))
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xFF
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// busyRetry retries immediately on SQLITE_BUSY. The busy_timeout pragma does
// most of the waiting; this covers the window where the timeout itself
// expires under write contention.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}
			return storage.Transient(fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err))
		}

		return err
	}
}
