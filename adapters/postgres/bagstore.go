package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration

	"github.com/codewandler/aggflow/core/uow"
	"github.com/codewandler/aggflow/internal/codec"
)

const (
	dialectPostgres = "postgres"

	colMessageID = "message_id"
	colKind      = "kind"
	colBag       = "bag"
	colUpdatedAt = "updated_at"
)

var ErrBuildingQueryFailed = errors.New("building query failed")

type (
	bagStoreConfig struct {
		table string
		log   *slog.Logger
	}
	BagStoreOption func(*bagStoreConfig)
)

// WithTable overrides DefaultTable.
func WithTable(name string) BagStoreOption {
	return func(c *bagStoreConfig) { c.table = name }
}

func WithLog(log *slog.Logger) BagStoreOption {
	return func(c *bagStoreConfig) { c.log = log }
}

// BagStore keeps one row per message id and kind. Remove deletes and returns
// the rows of a message in one statement.
type BagStore struct {
	db    DB
	table string
	log   *slog.Logger
}

func NewBagStore(db DB, opts ...BagStoreOption) *BagStore {
	cfg := bagStoreConfig{table: DefaultTable}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &BagStore{
		db:    db,
		table: cfg.table,
		log:   cfg.log.With(slog.String("store", "postgres_bags"), slog.String("table", cfg.table)),
	}
}

func (s *BagStore) buildRemoveQuery(msgID string) (string, error) {
	q, _, err := goqu.Dialect(dialectPostgres).
		Delete(s.table).
		Where(goqu.C(colMessageID).Eq(msgID)).
		Returning(goqu.C(colKind), goqu.L(`"bag"::text`)).
		ToSQL()
	if err != nil {
		return "", errors.Join(ErrBuildingQueryFailed, err)
	}
	return q, nil
}

func (s *BagStore) buildSaveQuery(msgID, kind string, data []byte) (string, error) {
	q, _, err := goqu.Dialect(dialectPostgres).
		Insert(s.table).
		Rows(goqu.Record{
			colMessageID: msgID,
			colKind:      kind,
			colBag:       goqu.L("?::jsonb", string(data)),
		}).
		OnConflict(goqu.DoUpdate(
			strings.Join([]string{colMessageID, colKind}, ", "),
			goqu.Record{
				colBag:       goqu.L(`EXCLUDED."bag"`),
				colUpdatedAt: goqu.L("now()"),
			},
		)).
		ToSQL()
	if err != nil {
		return "", errors.Join(ErrBuildingQueryFailed, err)
	}
	return q, nil
}

func (s *BagStore) Remove(ctx context.Context, msgID string) (out []uow.SavedBag, err error) {
	q, err := s.buildRemoveQuery(msgID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("remove bags of %s: %w", msgID, err)
	}
	defer func() { err = errors.Join(err, rows.Close()) }()

	for rows.Next() {
		var (
			kind string
			raw  string
		)
		if err := rows.Scan(&kind, &raw); err != nil {
			return nil, err
		}
		var bag uow.Bag
		if err := codec.Unmarshal([]byte(raw), &bag); err != nil {
			return nil, fmt.Errorf("decode bag %s/%s: %w", msgID, kind, err)
		}
		if bag == nil {
			bag = uow.Bag{}
		}
		out = append(out, uow.SavedBag{Kind: kind, Bag: bag})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b uow.SavedBag) int { return strings.Compare(a.Kind, b.Kind) })
	if len(out) > 0 {
		s.log.Debug("recovered bags", slog.String("msg", msgID), slog.Int("count", len(out)))
	}
	return out, nil
}

func (s *BagStore) Save(ctx context.Context, msgID, kind string, bag uow.Bag) error {
	if bag == nil {
		bag = uow.Bag{}
	}
	data, err := codec.Marshal(bag)
	if err != nil {
		return err
	}
	q, err := s.buildSaveQuery(msgID, kind, data)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("save bag %s/%s: %w", msgID, kind, err)
	}
	return nil
}

var _ uow.BagStore = (*BagStore)(nil)
