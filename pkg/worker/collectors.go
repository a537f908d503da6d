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

package worker

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/utils/database"
	"reprun.io/reprun/pkg/utils/prometheus/exporter"
	"reprun.io/reprun/pkg/utils/redis"
	"reprun.io/reprun/pkg/utils/workflow"
)

type JobsCollector struct {
	jobStatus *prometheus.Desc
	db        *gorm.DB

	mutex sync.Mutex
}

func NewJobsCollector(db *database.Database) exporter.Collectorfunc {
	return func(_ *log.Logger) (exporter.Collector, error) {
		return newJobsCollector(db.DB()), nil
	}
}

func newJobsCollector(db *gorm.DB) *JobsCollector {
	return &JobsCollector{
		jobStatus: prometheus.NewDesc(
			prometheus.BuildFQName(exporter.GetNamespace(), "jobs", "status_total"),
			"Submission jobs by status",
			[]string{"status"},
			nil,
		),
		db: db,
	}
}

func (c *JobsCollector) Update(ch chan<- prometheus.Metric) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var counts []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := c.db.Model(&models.Job{}).
		Select("status, count(*) as count").Group("status").
		Scan(&counts).Error; err != nil {
		return err
	}
	for _, v := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.jobStatus,
			prometheus.GaugeValue,
			float64(v.Count),
			v.Status.String(),
		)
	}
	return nil
}

type QueueCollector struct {
	queueDepth *prometheus.Desc
	rediscli   *redis.Client

	mutex sync.Mutex
}

func NewQueueCollector(rediscli *redis.Client) exporter.Collectorfunc {
	return func(_ *log.Logger) (exporter.Collector, error) {
		return &QueueCollector{
			queueDepth: prometheus.NewDesc(
				prometheus.BuildFQName(exporter.GetNamespace(), "queue", "depth"),
				"Pending entries on the task submit stream",
				nil,
				nil,
			),
			rediscli: rediscli,
		}, nil
	}
}

func (c *QueueCollector) Update(ch chan<- prometheus.Metric) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	depth, err := c.rediscli.XLen(context.Background(), workflow.SubmitStreamKey()).Result()
	if err != nil {
		return err
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(depth))
	return nil
}
