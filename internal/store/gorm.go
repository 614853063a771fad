package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

type tierlistRow struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Description string
	ShareCode   string `gorm:"uniqueIndex"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (tierlistRow) TableName() string { return "tierlists" }

type itemRow struct {
	ID          string `gorm:"primaryKey"`
	TierlistID  string `gorm:"index;not null"`
	Name        string `gorm:"not null"`
	Image       string `gorm:"index"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (itemRow) TableName() string { return "items" }

type tierRow struct {
	ID         string `gorm:"primaryKey"`
	TierlistID string `gorm:"index;not null"`
	Name       string `gorm:"not null"`
	Color      string
	Position   int
	ItemOrder  datatypes.JSONSlice[string]
}

func (tierRow) TableName() string { return "tiers" }

// GormStore is the relational Store, on postgres or sqlite.
type GormStore struct {
	db     *gorm.DB
	closer func() error
}

func gormConfig(log *zap.Logger) *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(log.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// OpenPostgres connects through a pgx pool that gorm drives via database/sql.
func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*GormStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig(log))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening gorm on postgres: %w", err)
	}

	return &GormStore{
		db: db,
		closer: func() error {
			return closeAll(sqlDB.Close, func() error { pool.Close(); return nil })
		},
	}, nil
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string, log *zap.Logger) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"), gormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	return &GormStore{db: db, closer: sqlDB.Close}, nil
}

// Migrate creates or extends the schema.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&tierlistRow{}, &itemRow{}, &tierRow{})
}

func (s *GormStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) CreateTierlist(ctx context.Context, tl model.Tierlist, tiers []model.Tier) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := fromTierlist(tl)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(tiers) == 0 {
			return nil
		}
		rows := make([]tierRow, len(tiers))
		for i, t := range tiers {
			rows[i] = fromTier(t)
		}
		return tx.Create(&rows).Error
	})
	return mapErr(err)
}

func (s *GormStore) GetTierlist(ctx context.Context, id string) (model.Tierlist, error) {
	var row tierlistRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return model.Tierlist{}, mapErr(err)
	}
	return row.toModel(), nil
}

func (s *GormStore) GetTierlistByShareCode(ctx context.Context, code string) (model.Tierlist, error) {
	var row tierlistRow
	if err := s.db.WithContext(ctx).First(&row, "share_code = ?", code).Error; err != nil {
		return model.Tierlist{}, mapErr(err)
	}
	return row.toModel(), nil
}

func (s *GormStore) ListTierlists(ctx context.Context) ([]model.Tierlist, error) {
	var rows []tierlistRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Tierlist, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *GormStore) UpdateTierlist(ctx context.Context, id string, upd model.TierlistUpdate) (model.Tierlist, error) {
	updates := map[string]any{"updated_at": time.Now()}
	if upd.Name != nil {
		updates["name"] = *upd.Name
	}
	if upd.Description != nil {
		updates["description"] = *upd.Description
	}

	res := s.db.WithContext(ctx).Model(&tierlistRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return model.Tierlist{}, mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Tierlist{}, ErrNotFound
	}
	return s.GetTierlist(ctx, id)
}

func (s *GormStore) UpdateShareCode(ctx context.Context, id, code string) error {
	res := s.db.WithContext(ctx).Model(&tierlistRow{}).Where("id = ?", id).
		Updates(map[string]any{"share_code": code, "updated_at": time.Now()})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteTierlist(ctx context.Context, id string) ([]string, error) {
	var released []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var images []string
		err := tx.Model(&itemRow{}).
			Where("tierlist_id = ? AND image <> ''", id).
			Distinct("image").
			Pluck("image", &images).Error
		if err != nil {
			return err
		}

		if err := tx.Where("tierlist_id = ?", id).Delete(&tierRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tierlist_id = ?", id).Delete(&itemRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&tierlistRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		for _, img := range images {
			var others int64
			if err := tx.Model(&itemRow{}).Where("image = ?", img).Count(&others).Error; err != nil {
				return err
			}
			if others == 0 {
				released = append(released, img)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	slices.Sort(released)
	return released, nil
}

func (s *GormStore) DuplicateTierlist(ctx context.Context, sourceID string, dst model.Tierlist) (model.Tierlist, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := &GormStore{db: tx}
		full, err := inner.GetFullState(ctx, sourceID)
		if err != nil {
			return err
		}
		items, tiers := copyState(full, dst.ID)

		row := fromTierlist(dst)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, it := range items {
			r := fromItem(it)
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		}
		for _, t := range tiers {
			r := fromTier(t)
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Tierlist{}, mapErr(err)
	}
	return s.GetTierlist(ctx, dst.ID)
}

func (s *GormStore) GetFullState(ctx context.Context, tierlistID string) (model.FullState, error) {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&tierlistRow{}).Where("id = ?", tierlistID).Count(&count).Error; err != nil {
		return model.FullState{}, mapErr(err)
	}
	if count == 0 {
		return model.FullState{}, ErrNotFound
	}

	var items []itemRow
	if err := db.Where("tierlist_id = ?", tierlistID).Order("created_at, id").Find(&items).Error; err != nil {
		return model.FullState{}, mapErr(err)
	}
	var tiers []tierRow
	if err := db.Where("tierlist_id = ?", tierlistID).Order("position, id").Find(&tiers).Error; err != nil {
		return model.FullState{}, mapErr(err)
	}

	full := model.FullState{
		Items: make([]model.Item, len(items)),
		Tiers: make([]model.Tier, len(tiers)),
	}
	for i, r := range items {
		full.Items[i] = r.toModel()
	}
	for i, r := range tiers {
		full.Tiers[i] = r.toModel()
	}
	return full, nil
}

func (s *GormStore) AddItem(ctx context.Context, item model.Item) error {
	row := fromItem(item)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ownedElsewhere(tx, &itemRow{}, []string{item.ID}, item.TierlistID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			Where:     sameTierlist("items"),
			DoUpdates: clause.AssignmentColumns([]string{"name", "image", "description", "updated_at"}),
		}).Create(&row).Error
	})
	return mapErr(err)
}

// ownedElsewhere fails with ErrDuplicate when any of ids already belongs to a tierlist other
// than tierlistID.
func ownedElsewhere(tx *gorm.DB, row any, ids []string, tierlistID string) error {
	if len(ids) == 0 {
		return nil
	}
	var n int64
	err := tx.Model(row).Where("id IN ? AND tierlist_id <> ?", ids, tierlistID).Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: id belongs to another tierlist", ErrDuplicate)
	}
	return nil
}

// sameTierlist restricts an upsert's update branch to rows of the inserting tierlist.
func sameTierlist(table string) clause.Where {
	return clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: table + ".tierlist_id = excluded.tierlist_id"},
	}}
}

func (s *GormStore) UpdateItem(ctx context.Context, id string, fields model.ItemFields) error {
	updates := map[string]any{"updated_at": time.Now()}
	if fields.Name != nil {
		updates["name"] = *fields.Name
	}
	if fields.Image != nil {
		updates["image"] = *fields.Image
	}
	if fields.Description != nil {
		updates["description"] = *fields.Description
	}

	res := s.db.WithContext(ctx).Model(&itemRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteItem(ctx context.Context, id string) (string, error) {
	db := s.db.WithContext(ctx)

	var row itemRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return "", mapErr(err)
	}

	var others int64
	if row.Image != "" {
		if err := db.Model(&itemRow{}).Where("image = ? AND id <> ?", row.Image, id).Count(&others).Error; err != nil {
			return "", mapErr(err)
		}
	}

	if err := db.Delete(&itemRow{}, "id = ?", id).Error; err != nil {
		return "", mapErr(err)
	}
	if row.Image == "" || others > 0 {
		return "", nil
	}
	return row.Image, nil
}

func (s *GormStore) UpdateTierOrder(ctx context.Context, tierID string, order []string) error {
	res := s.db.WithContext(ctx).Model(&tierRow{}).Where("id = ?", tierID).
		Update("item_order", datatypes.JSONSlice[string](nonNil(order)))
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateTiersMetadata(ctx context.Context, tierlistID string, metas []model.TierMeta) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(metas))
		for _, m := range metas {
			ids = append(ids, m.ID)
		}
		if err := ownedElsewhere(tx, &tierRow{}, ids, tierlistID); err != nil {
			return err
		}

		for i, m := range metas {
			row := tierRow{
				ID:         m.ID,
				TierlistID: tierlistID,
				Name:       m.Name,
				Color:      m.Color,
				Position:   i,
				ItemOrder:  datatypes.JSONSlice[string]{},
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				Where:     sameTierlist("tiers"),
				DoUpdates: clause.AssignmentColumns([]string{"name", "color", "position"}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}

		q := tx.Where("tierlist_id = ?", tierlistID)
		if len(ids) > 0 {
			q = q.Where("id NOT IN ?", ids)
		}
		return q.Delete(&tierRow{}).Error
	})
	return mapErr(err)
}

func (s *GormStore) ImagePaths(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("image <> ''").
		Distinct("image").
		Pluck("image", &paths).Error
	if err != nil {
		return nil, mapErr(err)
	}
	slices.Sort(paths)
	return paths, nil
}

// Ping checks that the database answers.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// copyState gives every item and tier of full a fresh id under tierlistID and rewrites the
// tier orders to the new item ids.
func copyState(full model.FullState, tierlistID string) ([]model.Item, []model.Tier) {
	now := time.Now()
	remap := make(map[string]string, len(full.Items))

	items := make([]model.Item, len(full.Items))
	for i, it := range full.Items {
		newID := "item-" + uuid.NewString()
		remap[it.ID] = newID
		it.ID = newID
		it.TierlistID = tierlistID
		it.CreatedAt = now
		it.UpdatedAt = now
		items[i] = it
	}

	tiers := make([]model.Tier, len(full.Tiers))
	for i, t := range full.Tiers {
		order := make([]string, 0, len(t.ItemOrder))
		for _, id := range t.ItemOrder {
			if n, ok := remap[id]; ok {
				order = append(order, n)
			}
		}
		t.ID = "tier-" + uuid.NewString()
		t.TierlistID = tierlistID
		t.ItemOrder = order
		tiers[i] = t
	}
	return items, tiers
}

func nonNil(order []string) []string {
	if order == nil {
		return []string{}
	}
	return order
}

func fromTierlist(t model.Tierlist) tierlistRow {
	return tierlistRow{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		ShareCode:   t.ShareCode,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (r tierlistRow) toModel() model.Tierlist {
	return model.Tierlist{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		ShareCode:   r.ShareCode,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromItem(it model.Item) itemRow {
	return itemRow{
		ID:          it.ID,
		TierlistID:  it.TierlistID,
		Name:        it.Name,
		Image:       it.Image,
		Description: it.Description,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}
}

func (r itemRow) toModel() model.Item {
	return model.Item{
		ID:          r.ID,
		TierlistID:  r.TierlistID,
		Name:        r.Name,
		Image:       r.Image,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromTier(t model.Tier) tierRow {
	return tierRow{
		ID:         t.ID,
		TierlistID: t.TierlistID,
		Name:       t.Name,
		Color:      t.Color,
		Position:   t.Position,
		ItemOrder:  datatypes.JSONSlice[string](nonNil(t.ItemOrder)),
	}
}

func (r tierRow) toModel() model.Tier {
	order := []string(r.ItemOrder)
	if order == nil {
		order = []string{}
	}
	return model.Tier{
		ID:         r.ID,
		TierlistID: r.TierlistID,
		Name:       r.Name,
		Color:      r.Color,
		Position:   r.Position,
		ItemOrder:  order,
	}
}

var _ Store = (*GormStore)(nil)

func closeAll(closers ...func() error) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	return err
}
