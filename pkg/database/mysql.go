// Copyright 2025 Arcade Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"fmt"
	"time"

	"github.com/go-arcade/pipesim/pkg/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	defaultLogLevel = logger.Info
	defaultSlowSQL  = time.Second
)

// GormConfig returns the gorm settings shared by every connection.
func GormConfig(cfg Database) *gorm.Config {
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}

	gc := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   prefix,
			SingularTable: true,
		},
	}
	if cfg.OutPut {
		gc.Logger = NewGormLoggerAdapter(log.Default().Named("gorm"), logger.Config{
			SlowThreshold:             defaultSlowSQL,
			LogLevel:                  defaultLogLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		})
	}
	return gc
}

// NewMySQL opens a MySQL connection pool and pings it.
func NewMySQL(cfg Database) (*gorm.DB, error) {
	if err := cfg.MySQL.Validate(); err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN()), GormConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(GetConnMaxLifetime(cfg.MaxLifetime))
	sqlDB.SetConnMaxIdleTime(GetConnMaxIdleTime(cfg.MaxIdleTime))

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Infow("database connected successfully",
		"host", cfg.MySQL.Host,
		"db", cfg.MySQL.DBName,
	)
	return db, nil
}
