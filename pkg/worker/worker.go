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

// Package worker consumes submission pipeline tasks from the queue, runs the
// maintenance cron tasks under a distributed lock, and exposes process
// metrics.
package worker

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"reprun.io/reprun/pkg/imagetags"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/pipeline"
	"reprun.io/reprun/pkg/provenance"
	"reprun.io/reprun/pkg/runner"
	"reprun.io/reprun/pkg/storage"
	"reprun.io/reprun/pkg/utils/database"
	"reprun.io/reprun/pkg/utils/pprof"
	"reprun.io/reprun/pkg/utils/prometheus/exporter"
	"reprun.io/reprun/pkg/utils/redis"
	"reprun.io/reprun/pkg/utils/workflow"
)

type Dependencies struct {
	Redis    *redis.Client
	Database *database.Database
	Store    *models.Store
	Pipeline *pipeline.Pipeline
	Tags     *imagetags.Client
}

func prepareDependencies(ctx context.Context, options *Options) (*Dependencies, error) {
	log.SetLevel(options.LogLevel)

	rediscli, err := redis.NewClient(options.Redis)
	if err != nil {
		return nil, err
	}
	db, err := database.NewDatabase(options.Mysql)
	if err != nil {
		return nil, err
	}
	assets, err := storage.New(ctx, options.Storage)
	if err != nil {
		return nil, err
	}
	store := models.NewStore(db.DB(), assets)

	docker, err := runner.NewDockerClient()
	if err != nil {
		return nil, err
	}
	engine := runner.NewEngine(docker, options.Runner)
	recorder := provenance.NewRecorder(options.Provenance)
	tags := imagetags.NewClient(options.Imagetags)
	queue := workflow.NewClientFromRedisClient(rediscli.Client)

	pipe := pipeline.New(options.Pipeline, store, engine, options.Runner,
		recorder, tags, queue, rediscli.Client)

	return &Dependencies{
		Redis:    rediscli,
		Database: db,
		Store:    store,
		Pipeline: pipe,
		Tags:     tags,
	}, nil
}

func Run(ctx context.Context, options *Options) error {
	ctx = logr.NewContext(ctx, log.LogrLogger)
	deps, err := prepareDependencies(ctx, options)
	if err != nil {
		return err
	}

	exporterHandler := exporter.NewHandler("reprun_worker", map[string]exporter.Collectorfunc{
		"jobs":  NewJobsCollector(deps.Database),
		"queue": NewQueueCollector(deps.Redis),
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return pprof.Run(ctx)
	})
	eg.Go(func() error {
		return exporterHandler.Run(ctx, options.Exporter)
	})
	eg.Go(func() error {
		return runTasks(ctx, deps, options)
	})
	return eg.Wait()
}
