package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentloop/config"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPool(t *testing.T, gormDB *gorm.DB) *PoolManager {
	t.Helper()
	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)
	return pm
}

// --- construction ---

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	cfg := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
	pm, err := NewPoolManager(gormDB, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, cfg, pm.config)
	assert.Same(t, gormDB, pm.DB())
	assert.Equal(t, 10, pm.GetStats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

// --- ping / close ---

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()
	pm := testPool(t, gormDB)

	mock.ExpectPing()
	require.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pm.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)
	pm := testPool(t, gormDB)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- transactions ---

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()
	pm := testPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	err := pm.WithTransaction(context.Background(), func(*gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()
	pm := testPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_NonRetryable(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()
	pm := testPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		attempts++
		return errors.New("unique constraint violated")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

// --- config ---

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, false},
		{"zero open", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"zero idle", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, DefaultPoolConfig().Validate())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(sql.ErrConnDone))
	assert.True(t, isRetryableError(errors.New("pq: could not serialize access due to concurrent update (SQLSTATE 40001)")))
	assert.True(t, isRetryableError(errors.New("Error 1205: Lock wait timeout exceeded")))
	assert.True(t, isRetryableError(errors.New("database is locked")))
	assert.False(t, isRetryableError(errors.New("syntax error")))
}

// --- Open ---

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialector(config.DatabaseConfig{Driver: driver, Name: "x"})
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
	_, err := Dialector(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	pm, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: "file::memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	require.NoError(t, pm.Ping(context.Background()))
	assert.Equal(t, 1, pm.GetStats().MaxOpenConnections)
}
