package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"certificate-pipeline/pkg/db/option"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type widget struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name"`
	Size      int       `gorm:"column:size"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	repo := ProvideStore[widget](newDB(t))

	require.NoError(t, repo.BatchCreate(ctx, []*widget{
		{ID: "w1", Name: "alpha", Size: 1},
		{ID: "w2", Name: "beta", Size: 5},
		{ID: "w3", Name: "gamma", Size: 9},
	}))

	found, err := repo.FindOne(ctx, &widget{Name: "beta"})
	require.NoError(t, err)
	require.Equal(t, "w2", found.ID)

	missing, err := repo.FindOne(ctx, &widget{Name: "delta"})
	require.NoError(t, err)
	require.Nil(t, missing)

	big, err := repo.Find(ctx, &widget{}, option.ApplyOperator(option.Condition{Field: "size", Operator: option.GT, Value: 3}),
		option.WithSortBy(option.QuerySortBy{SortBy: "size", OrderBy: "desc", Allow: map[string]bool{"size": true}}))
	require.NoError(t, err)
	require.Len(t, big, 2)
	require.Equal(t, "w3", big[0].ID)

	require.NoError(t, repo.Update(ctx, "w1", map[string]any{"name": "omega"}))
	updated, err := repo.FindOne(ctx, &widget{ID: "w1"})
	require.NoError(t, err)
	require.Equal(t, "omega", updated.Name)

	require.ErrorIs(t, repo.Update(ctx, "nope", map[string]any{"name": "x"}), gorm.ErrRecordNotFound)

	count, err := repo.Count(ctx, &widget{}, option.ApplyOperator(option.Condition{Field: "id", Operator: option.IN, Value: []string{"w1", "w2"}}))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}
