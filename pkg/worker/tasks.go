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

	"github.com/go-logr/logr"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/utils/redis"
	"reprun.io/reprun/pkg/utils/workflow"
)

// Tasker contributes step functions to the queue server.
type Tasker interface {
	ProvideFuntions() map[string]interface{}
}

// CronTasker additionally contributes scheduled task submissions, keyed by
// cron expression.
type CronTasker interface {
	Crontasks() map[string]workflow.Task
}

type CronTask struct {
	CronExp string
	Task    workflow.Task
}

func runTasks(ctx context.Context, deps *Dependencies, options *Options) error {
	p := &processor{
		server:   workflow.NewServerFromRedisClient(deps.Redis.Client),
		client:   workflow.NewCronSubmiter(workflow.NewClientFromRedisClient(deps.Redis.Client)),
		rediscli: deps.Redis,
		logger:   log.FromContextOrDiscard(ctx),
	}

	taskers := []Tasker{
		deps.Pipeline,
		NewRetentionSweeper(deps.Store, deps.Pipeline, options.Pipeline.RetentionDays),
		NewImagetagsRefresher(deps.Tags),
	}
	if err := p.registerTaskers(taskers...); err != nil {
		return err
	}
	return p.run(ctx)
}

func sortedKeys(m map[string]workflow.Task) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

type processor struct {
	logger    logr.Logger
	server    *workflow.Server
	client    *workflow.CronClient
	rediscli  *redis.Client
	crontasks []CronTask
}

func (p *processor) registerTaskers(taskers ...Tasker) error {
	for _, t := range taskers {
		if cront, ok := t.(CronTasker); ok {
			crontasks := cront.Crontasks()
			// deterministic registration order across replicas
			for _, cronexp := range sortedKeys(crontasks) {
				p.crontasks = append(p.crontasks, CronTask{CronExp: cronexp, Task: crontasks[cronexp]})
			}
		}
		for name, fun := range t.ProvideFuntions() {
			if err := p.server.Register(name, fun); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *processor) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return p.server.Run(ctx)
	})
	eg.Go(func() error {
		return p.runCronTasksWithLock(ctx)
	})
	return eg.Wait()
}

// runCronTasksWithLock elects one worker replica to own the cron schedule, a
// redis mutex blocks the others until the owner goes away.
func (p *processor) runCronTasksWithLock(ctx context.Context) error {
	rs := redsync.New(goredis.NewPool(p.rediscli.Client))
	mutex := rs.NewMutex("crontask-client-lock")
	if err := mutex.LockContext(ctx); err != nil {
		return err
	}
	defer mutex.Unlock()

	for _, crontask := range p.crontasks {
		if err := p.client.SubmitCronTask(ctx, crontask.Task, crontask.CronExp); err != nil {
			p.logger.Error(err, "register crontask failed", "exp", crontask.CronExp)
		}
	}

	<-ctx.Done()
	return nil
}
