package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func TestMySQLConfig_DSN(t *testing.T) {
	c := MySQLConfig{Host: "db", User: "sim", Password: "pw", DBName: "pipesim"}
	assert.Equal(t, "sim:pw@tcp(db:3306)/pipesim?charset=utf8mb4&parseTime=True&loc=Local", c.DSN())
	require.NoError(t, c.Validate())

	c.Port = "3307"
	assert.Contains(t, c.DSN(), "tcp(db:3307)")

	assert.Error(t, MySQLConfig{Host: "db"}.Validate())
}

func TestConnTimeouts(t *testing.T) {
	assert.Equal(t, 300*time.Second, GetConnMaxLifetime(0))
	assert.Equal(t, 10*time.Second, GetConnMaxLifetime(10))
	assert.Equal(t, 60*time.Second, GetConnMaxIdleTime(-1))
	assert.Equal(t, 5*time.Second, GetConnMaxIdleTime(5))
}

func TestGormConfig(t *testing.T) {
	gc := GormConfig(Database{})
	ns, ok := gc.NamingStrategy.(schema.NamingStrategy)
	require.True(t, ok)
	assert.Equal(t, "t_", ns.TablePrefix)
	assert.Equal(t, "t_run", ns.TableName("Run"))

	gc = GormConfig(Database{OutPut: true, TablePrefix: "sim_"})
	assert.IsType(t, &GormLoggerAdapter{}, gc.Logger)
	assert.Equal(t, "sim_run", gc.NamingStrategy.TableName("Run"))
}

func TestNewMySQL_InvalidConfig(t *testing.T) {
	_, err := NewMySQL(Database{})
	assert.ErrorContains(t, err, "incomplete database source config")
}

func TestGormLoggerAdapter_Trace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewGormLoggerAdapter(log.Logger{Log: zap.New(core).Sugar()}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Info,
		IgnoreRecordNotFoundError: true,
	})
	ctx := context.Background()
	query := func() (string, int64) { return "SELECT 1", 1 }

	adapter.Trace(ctx, time.Now(), query, nil)
	adapter.Trace(ctx, time.Now().Add(-2*time.Second), query, nil)
	adapter.Trace(ctx, time.Now(), query, errors.New("deadlock found"))
	adapter.Trace(ctx, time.Now(), query, logger.ErrRecordNotFound)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	// record-not-found is ignored as an error and logged as a plain query
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)

	silent := adapter.LogMode(logger.Silent)
	silent.Trace(ctx, time.Now(), query, nil)
	assert.Len(t, logs.All(), 4)
}
