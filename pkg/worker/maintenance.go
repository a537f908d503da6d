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
	"time"

	"reprun.io/reprun/pkg/imagetags"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/pipeline"
	"reprun.io/reprun/pkg/utils/workflow"
)

const (
	maintenanceGroup = "maintenance"

	FuncSweepRetention   = "sweep-retention"
	FuncRefreshImagetags = "refresh-imagetags"

	// nightly sweep, hourly allow-list refresh
	sweepCronExp   = "0 3 * * *"
	refreshCronExp = "0 * * * *"
)

// RetentionSweeper re-scans old submission folders for artifacts whose
// deferred cleanup task was lost, e.g. across a redis wipe.
type RetentionSweeper struct {
	store     *models.Store
	pipe      *pipeline.Pipeline
	retention time.Duration
}

func NewRetentionSweeper(store *models.Store, pipe *pipeline.Pipeline, retentionDays int) *RetentionSweeper {
	return &RetentionSweeper{
		store:     store,
		pipe:      pipe,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

func (s *RetentionSweeper) ProvideFuntions() map[string]interface{} {
	return map[string]interface{}{
		FuncSweepRetention: s.sweep,
	}
}

func (s *RetentionSweeper) Crontasks() map[string]workflow.Task {
	return map[string]workflow.Task{
		sweepCronExp: {
			Name:  "retention-sweep",
			Group: maintenanceGroup,
			Steps: []workflow.Step{{Name: "sweep", Function: FuncSweepRetention}},
		},
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) error {
	folders, err := s.store.ListSubmissionFoldersOlderThan(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return err
	}
	for i := range folders {
		if err := s.pipe.CleanupFolder(ctx, folders[i].ID); err != nil {
			log.Errorf("retention sweep of folder %d: %v", folders[i].ID, err)
		}
	}
	return nil
}

// ImagetagsRefresher keeps the image allow-list cache warm so submissions
// validate against fresh data even when no one listed the tags recently.
type ImagetagsRefresher struct {
	tags *imagetags.Client
}

func NewImagetagsRefresher(tags *imagetags.Client) *ImagetagsRefresher {
	return &ImagetagsRefresher{tags: tags}
}

func (r *ImagetagsRefresher) ProvideFuntions() map[string]interface{} {
	return map[string]interface{}{
		FuncRefreshImagetags: r.tags.Refresh,
	}
}

func (r *ImagetagsRefresher) Crontasks() map[string]workflow.Task {
	return map[string]workflow.Task{
		refreshCronExp: {
			Name:  "imagetags-refresh",
			Group: maintenanceGroup,
			Steps: []workflow.Step{{Name: "refresh", Function: FuncRefreshImagetags}},
		},
	}
}
