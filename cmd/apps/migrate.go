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

package apps

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/utils/config"
	"reprun.io/reprun/pkg/utils/database"
	"reprun.io/reprun/pkg/utils/redis"
	"reprun.io/reprun/pkg/version"
)

type MigrateOptions struct {
	Mysql    *database.Options `json:"mysql,omitempty"`
	Redis    *redis.Options    `json:"redis,omitempty"`
	Wait     bool              `json:"wait,omitempty" description:"wait for the database and redis before migrating"`
	InitData bool              `json:"initData,omitempty" description:"create the admin account and root folder"`
}

func DefaultMigrateOptions() *MigrateOptions {
	return &MigrateOptions{
		Mysql:    database.NewDefaultOptions(),
		Redis:    redis.NewDefaultOptions(),
		Wait:     true,
		InitData: true,
	}
}

func NewMigrateCmd() *cobra.Command {
	options := DefaultMigrateOptions()
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "migrate the database and init base data",
		SilenceUsage: true,
		Version:      version.Get().String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx = logr.NewContext(ctx, log.LogrLogger)

			if options.Wait {
				if err := models.WaitDatabaseServer(ctx, options.Mysql); err != nil {
					return err
				}
				if err := models.WaitRedis(ctx, options.Redis); err != nil {
					return err
				}
			}
			return models.MigrateDatabaseAndInitData(ctx, options.Mysql, true, options.InitData)
		},
	}
	config.AutoRegisterFlags(cmd.Flags(), "", options)
	return cmd
}
