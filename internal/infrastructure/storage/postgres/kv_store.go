package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/internal/core/kv"
)

var _ kv.Store = (*KVStore)(nil)

// CompressionAlgo specifies how a stored value is encoded.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultKVTable is the table durable shopper state lives in.
const DefaultKVTable = "sys_kv"

// kvRow is one stored key.
type kvRow struct {
	Key         string          `db:"key"`
	Value       []byte          `db:"value"`
	Compression CompressionAlgo `db:"compression"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

var kvColumns = ExtractDBColumns[kvRow]()

// KVStoreConfig holds durable store configuration.
type KVStoreConfig struct {
	Table string

	// CompressThreshold is the value size above which values are stored
	// zstd-compressed.
	CompressThreshold int
}

// DefaultKVStoreConfig returns default configuration.
func DefaultKVStoreConfig() KVStoreConfig {
	return KVStoreConfig{
		Table:             DefaultKVTable,
		CompressThreshold: 4 * 1024,
	}
}

// KVStore is a kv.Store backed by a single PostgreSQL table.
type KVStore struct {
	txm     *TxManager
	cfg     KVStoreConfig
	builder squirrel.StatementBuilderType
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

// NewKVStore creates a durable store.
func NewKVStore(txm *TxManager, cfg KVStoreConfig) (*KVStore, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultKVTable
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &KVStore{
		txm:     txm,
		cfg:     cfg,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		encoder: encoder,
		decoder: decoder,
		now:     time.Now,
	}, nil
}

// EnsureSchema creates the table and its prefix index if missing.
func (s *KVStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key         TEXT PRIMARY KEY,
			value       BYTEA NOT NULL,
			compression TEXT NOT NULL DEFAULT 'none',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_key_prefix_idx ON %s (key text_pattern_ops)`, s.cfg.Table, s.cfg.Table),
	}

	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.txm.GetQuerier(ctx)
		for _, stmt := range stmts {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure %s: %w", s.cfg.Table, err)
			}
		}
		return nil
	})
}

// Get returns the value stored under key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := s.startSpan(ctx, "kv.get", key)
	defer span.End()

	sql, args, err := s.builder.
		Select(kvColumns...).
		From(s.cfg.Table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build select: %w", err)
	}

	var row kvRow
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, false, nil
		}
		return nil, false, s.fail(span, fmt.Errorf("get %s: %w", key, err))
	}

	value, err := s.decode(row)
	if err != nil {
		return nil, false, s.fail(span, err)
	}
	return value, true, nil
}

// Set upserts value under key.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := s.startSpan(ctx, "kv.set", key)
	defer span.End()

	sql, args, err := s.upsert(key, value)
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return s.fail(span, fmt.Errorf("set %s: %w", key, err))
	}
	return nil
}

// Delete removes key.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "kv.delete", key)
	defer span.End()

	sql, args, err := s.builder.
		Delete(s.cfg.Table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return s.fail(span, fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// List returns every key starting with prefix.
func (s *KVStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, span := s.startSpan(ctx, "kv.list", prefix)
	defer span.End()

	sql, args, err := s.listQuery(prefix).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	var rows []kvRow
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, s.fail(span, fmt.Errorf("list %s: %w", prefix, err))
	}

	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		value, err := s.decode(row)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out[row.Key] = value
	}
	span.SetAttributes(attribute.Int("kv.rows", len(rows)))
	return out, nil
}

func (s *KVStore) listQuery(prefix string) squirrel.SelectBuilder {
	q := s.builder.Select(kvColumns...).From(s.cfg.Table)
	if prefix != "" {
		q = q.Where(squirrel.Like{"key": escapeLike(prefix) + "%"})
	}
	return q.OrderBy("key")
}

func (s *KVStore) upsert(key string, value []byte) (string, []any, error) {
	row := s.encode(key, value)
	return s.builder.
		Insert(s.cfg.Table).
		SetMap(StructToMap(row)).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, compression = EXCLUDED.compression, updated_at = EXCLUDED.updated_at").
		ToSql()
}

func (s *KVStore) encode(key string, value []byte) kvRow {
	row := kvRow{
		Key:         key,
		Value:       value,
		Compression: CompressionNone,
		UpdatedAt:   s.now().UTC(),
	}
	if row.Value == nil {
		row.Value = []byte{}
	}
	if s.cfg.CompressThreshold > 0 && len(value) > s.cfg.CompressThreshold {
		row.Value = s.encoder.EncodeAll(value, nil)
		row.Compression = CompressionZstd
	}
	return row
}

func (s *KVStore) decode(row kvRow) ([]byte, error) {
	switch row.Compression {
	case CompressionZstd:
		value, err := s.decoder.DecodeAll(row.Value, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", row.Key, err)
		}
		return value, nil
	case CompressionNone, "":
		return row.Value, nil
	default:
		return nil, fmt.Errorf("unknown compression %q for %s", row.Compression, row.Key)
	}
}

func (s *KVStore) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.table", s.cfg.Table),
		attribute.String("kv.key", key),
	))
}

func (s *KVStore) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
