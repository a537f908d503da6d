// Copyright 2024 The reprun.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-logr/logr"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"reprun.io/reprun/pkg/utils"
	"reprun.io/reprun/pkg/utils/database"
	"reprun.io/reprun/pkg/utils/redis"
	"reprun.io/reprun/pkg/utils/retry"
)

const (
	// default admin account created on first migrate, password overridable
	// via REPRUN_ADMIN_PASSWORD
	AdminUsername        = "admin"
	defaultAdminPassword = "demo!@#Admin1"

	// SubmissionsRootFolderID is the parent of every submission folder.
	SubmissionsRootFolderID = 1
)

func createDatabaseIfNotExists(ctx context.Context, opts *database.Options) (exists bool, err error) {
	log := logr.FromContextOrDiscard(ctx)

	cfg := opts.ToDriverConfig()
	dbname := cfg.DBName
	cfg.DBName = ""

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return false, err
	}

	tmpdb := sql.OpenDB(connector)
	defer tmpdb.Close()

	showdb := fmt.Sprintf("SELECT count(*) FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = '%s'", dbname)
	count := 0
	if err := tmpdb.QueryRowContext(ctx, showdb).Scan(&count); err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	sqlStr := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4;", dbname)
	log.Info("create database", "sql", sqlStr)
	if _, err := tmpdb.Exec(sqlStr); err != nil {
		return false, err
	}
	return false, nil
}

func MigrateDatabaseAndInitData(ctx context.Context, opts *database.Options, migrate, initData bool) error {
	log := logr.FromContextOrDiscard(ctx)
	log.WithValues("migrate", migrate, "initData", initData).Info("migrate database and init data")

	_, err := createDatabaseIfNotExists(ctx, opts)
	if err != nil {
		return err
	}

	db, err := database.NewDatabase(opts)
	if err != nil {
		return err
	}

	if migrate {
		if err := MigrateModels(db.DB()); err != nil {
			return err
		}
	}
	if initData {
		if err := InitBaseData(db.DB()); err != nil {
			return err
		}
	}
	return nil
}

// InitBaseData creates the admin account and the submissions root folder.
func InitBaseData(db *gorm.DB) error {
	password, err := utils.MakePassword(utils.StrOrDef(os.Getenv("REPRUN_ADMIN_PASSWORD"), defaultAdminPassword))
	if err != nil {
		return err
	}
	active := true
	admin := User{
		ID:       1,
		Username: AdminUsername,
		IsActive: &active,
		Password: password,
	}
	if e := db.FirstOrCreate(&admin, admin.ID).Error; e != nil {
		return e
	}
	root := Folder{
		ID:        SubmissionsRootFolderID,
		Name:      "submissions",
		CreatorID: admin.ID,
	}
	if e := db.FirstOrCreate(&root, root.ID).Error; e != nil {
		return e
	}
	return nil
}

func MigrateModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Folder{},
		&FileRecord{},
		&Job{},
	)
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func GetErrMessage(err error) error {
	me := &mysql.MySQLError{}
	if !errors.As(err, &me) {
		return err
	}
	return FormatMysqlError(me)
}

func FormatMysqlError(me *mysql.MySQLError) error {
	switch me.Number {
	case mysqlerr.ER_DUP_ENTRY:
		return fmt.Errorf("object already exists (code=%v)", me.Number)
	case mysqlerr.ER_DATA_TOO_LONG:
		return fmt.Errorf("data too long (code=%v)", me.Number)
	case mysqlerr.ER_TRUNCATED_WRONG_VALUE:
		return fmt.Errorf("malformed date value (code=%v)", me.Number)
	case mysqlerr.ER_NO_REFERENCED_ROW_2, mysqlerr.ER_ROW_IS_REFERENCED_2:
		return fmt.Errorf("related record constraint (code=%v)", me.Number)
	default:
		return fmt.Errorf("database error (code=%v, message=%v)", me.Number, me.Message)
	}
}

const waitPeriod = 5 * time.Second

func waitBackoff() retry.Backoff {
	return retry.Backoff{Steps: math.MaxInt32, Duration: waitPeriod, Factor: 1, Jitter: 0}
}

func WaitDatabaseServer(ctx context.Context, opts *database.Options) error {
	log := logr.FromContextOrDiscard(ctx)
	cfg := opts.ToDriverConfig()
	cfg.DBName = ""
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return err
	}
	sqldb := sql.OpenDB(connector)
	return retry.OnErrorWithBackoff(waitBackoff(), retry.NotContextCancelError, func() error {
		if err := sqldb.PingContext(ctx); err != nil {
			log.Error(err, "wait database")
			return err
		}
		log.Info("database server ready")
		return nil
	})
}

func WaitRedis(ctx context.Context, redisopts *redis.Options) error {
	log := logr.FromContextOrDiscard(ctx)

	cli, err := redis.NewClient(redisopts)
	if err != nil {
		return err
	}
	return retry.OnErrorWithBackoff(waitBackoff(), retry.NotContextCancelError, func() error {
		if err := cli.Ping(ctx).Err(); err != nil {
			log.Error(err, "wait redis")
			return err
		}
		log.Info("redis ready")
		return nil
	})
}
