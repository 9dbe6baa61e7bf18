package kvstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pkt.systems/pslog"
	"pkt.systems/tabunloader/internal/logx"
)

const slowQueryThreshold = time.Second

// gormLog routes gorm diagnostics through pslog. SQL statements are logged
// at trace so a normal run stays quiet.
type gormLog struct {
	log   pslog.Logger
	level gormlogger.LogLevel
}

func newGormLog(logger pslog.Logger) *gormLog {
	return &gormLog{log: logger, level: gormlogger.Warn}
}

func (l *gormLog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLog) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger(ctx).Info("sqlite info", "detail", msg, "args", data)
	}
}

func (l *gormLog) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger(ctx).Warn("sqlite warn", "detail", msg, "args", data)
	}
}

func (l *gormLog) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger(ctx).Error("sqlite error", "detail", msg, "args", data)
	}
}

func (l *gormLog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	log := l.logger(ctx).With("sql", sql, "rows", rows, "elapsed_ms", float64(elapsed.Nanoseconds())/1e6)
	switch {
	case err != nil && l.level >= gormlogger.Error:
		// not-found is an ordinary miss for a kv lookup
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Trace("sqlite query miss")
			return
		}
		log.Warn("sqlite query failed", "err", err)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		log.Warn("sqlite query slow", "threshold", slowQueryThreshold)
	default:
		log.Trace("sqlite query")
	}
}

func (l *gormLog) logger(ctx context.Context) pslog.Logger {
	if session := logx.SessionID(ctx); session != "" {
		return l.log.With("session", session)
	}
	return l.log
}
