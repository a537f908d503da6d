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

// Package api is the REST and WebSocket front end: it accepts uploads and
// submissions, serves job state and artifacts, and relays live container
// output. All execution happens on the worker, the API only talks to the
// stores and the queue.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"reprun.io/reprun/pkg/imagetags"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/logstream"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/pipeline"
	"reprun.io/reprun/pkg/storage"
	"reprun.io/reprun/pkg/utils/database"
	"reprun.io/reprun/pkg/utils/jwt"
	"reprun.io/reprun/pkg/utils/otel"
	otelgin "reprun.io/reprun/pkg/utils/otel/gin"
	gormmetrics "reprun.io/reprun/pkg/utils/otel/gorm/metrics"
	"reprun.io/reprun/pkg/utils/pprof"
	"reprun.io/reprun/pkg/utils/redis"
	"reprun.io/reprun/pkg/utils/system"
	"reprun.io/reprun/pkg/utils/workflow"
)

type Dependencies struct {
	Redis    *redis.Client
	Database *database.Database
	Store    *models.Store
	Pipeline *pipeline.Pipeline
	Tags     *imagetags.Client
	JWT      *jwt.JWT
	Streamer *logstream.Streamer
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
	if options.Otel.Enable {
		if sqldb, err := db.DB().DB(); err == nil {
			gormmetrics.ReportDBStatsMetrics(sqldb)
		}
	}
	assets, err := storage.New(ctx, options.Storage)
	if err != nil {
		return nil, err
	}
	store := models.NewStore(db.DB(), assets)

	tokener, err := options.JWT.ToJWT()
	if err != nil {
		return nil, err
	}
	tags := imagetags.NewClient(options.Imagetags)
	queue := workflow.NewClientFromRedisClient(rediscli.Client)

	// the API side pipeline only submits, cancels and inspects, no engine or
	// recorder is ever invoked here
	pipe := pipeline.New(options.Pipeline, store, nil, options.Runner, nil, tags, queue, rediscli.Client)

	return &Dependencies{
		Redis:    rediscli,
		Database: db,
		Store:    store,
		Pipeline: pipe,
		Tags:     tags,
		JWT:      tokener,
		Streamer: logstream.NewStreamer(rediscli.Client),
	}, nil
}

func Run(ctx context.Context, options *Options) error {
	ctx = logr.NewContext(ctx, log.LogrLogger)
	if err := otel.Init(ctx, options.Otel); err != nil {
		return err
	}
	deps, err := prepareDependencies(ctx, options)
	if err != nil {
		return err
	}
	handler := NewRouter(deps, options)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return pprof.Run(ctx)
	})
	eg.Go(func() error {
		return system.ListenAndServeContext(ctx, options.System.Listen, nil, handler)
	})
	return eg.Wait()
}

func NewRouter(deps *Dependencies, options *Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	log.SetGinDebugPrintRouteFunc(log.GlobalLogger)

	router := gin.New()
	router.Use(
		log.DefaultGinLoggerMiddleware(),
		gin.Recovery(),
	)
	if options.Otel.Enable {
		router.Use(
			otelgin.MeterMiddleware("reprun-api"),
			otelgin.TraceMiddleware("reprun-api",
				otelgin.WithFilter(otel.PathFilter(options.Otel)),
				otelgin.WithSpanNameGenerater(otel.UseRealPath()),
			),
		)
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	h := &handlers{deps: deps, expire: options.JWT.Expire}

	v1 := router.Group("/v1")
	v1.POST("/login", h.Login)
	v1.GET("/imagetags", h.ListImageTags)

	authed := v1.Group("", h.AuthMiddleware())
	authed.POST("/uploads", h.Upload)
	authed.POST("/submissions", h.Submit)
	authed.GET("/jobs/:id", h.GetJob)
	authed.GET("/jobs/:id/steps", h.GetJobSteps)
	authed.POST("/jobs/:id/cancel", h.CancelJob)
	authed.GET("/folders/:id", h.GetFolder)
	authed.GET("/files/:id/download", h.DownloadFile)
	authed.GET("/logs/ws", h.StreamLogs)

	return router
}
