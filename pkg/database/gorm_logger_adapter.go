package database

import (
	"context"
	"errors"
	"time"

	"github.com/go-arcade/pipesim/pkg/log"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// GormLoggerAdapter routes gorm logs to a zap logger.
type GormLoggerAdapter struct {
	Config logger.Config
	logger log.Logger
}

func NewGormLoggerAdapter(l log.Logger, config logger.Config) *GormLoggerAdapter {
	return &GormLoggerAdapter{
		Config: config,
		logger: log.Logger{Log: l.L().Desugar().WithOptions(zap.AddCallerSkip(2)).Sugar()},
	}
}

func (l *GormLoggerAdapter) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.Config.LogLevel = level
	return &clone
}

func (l *GormLoggerAdapter) Info(ctx context.Context, msg string, data ...any) {
	if l.Config.LogLevel >= logger.Info {
		l.logger.L().Infof(msg, data...)
	}
}

func (l *GormLoggerAdapter) Warn(ctx context.Context, msg string, data ...any) {
	if l.Config.LogLevel >= logger.Warn {
		l.logger.L().Warnf(msg, data...)
	}
}

func (l *GormLoggerAdapter) Error(ctx context.Context, msg string, data ...any) {
	if l.Config.LogLevel >= logger.Error {
		l.logger.L().Errorf(msg, data...)
	}
}

func (l *GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Config.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	lg := l.logger.WithContext(ctx).L()

	switch {
	case err != nil && l.Config.LogLevel >= logger.Error &&
		(!errors.Is(err, logger.ErrRecordNotFound) || !l.Config.IgnoreRecordNotFoundError):
		lg.Errorw("SQL query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case l.Config.SlowThreshold != 0 && elapsed > l.Config.SlowThreshold && l.Config.LogLevel >= logger.Warn:
		lg.Warnw("slow SQL query", "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.Config.LogLevel == logger.Info:
		lg.Debugw("SQL query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
