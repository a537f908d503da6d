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

// Package pipeline orchestrates one submission run as a queue task: staging
// the uploaded archive into a workspace, executing each workflow stage in a
// container, recording provenance, packaging the result and tearing the
// workspace down. Steps run sequentially on the worker and share no memory,
// every step re-reads its inputs from the carried SubmissionContext.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"reprun.io/reprun/pkg/imagetags"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/provenance"
	"reprun.io/reprun/pkg/runner"
	"reprun.io/reprun/pkg/utils/workflow"
)

const (
	TaskGroup       = "submissions"
	TaskNameRun     = "run"
	TaskNameCleanup = "cleanup"

	// AdditionJobID tags the queue task with its job so upstream
	// cancellation can locate it without the uid.
	AdditionJobID    = "job_id"
	AdditionFolderID = "folder_id"
)

// registered step function names, user visible through the job steps view
const (
	FuncPrepare           = "prepare-submission"
	FuncCreateWorkspace   = "create-workspace"
	FuncRecordArrangement = "record-arrangement"
	FuncExecuteStage      = "execute-stage"
	FuncRecordPerformance = "record-performance"
	FuncSeal              = "seal-provenance"
	FuncPackage           = "package-workspace"
	FuncFinalize          = "finalize-submission"
	FuncCleanup           = "cleanup-submission"
)

// a stage may legitimately compute for hours, everything else finishes fast
const (
	executeStageTimeout = 4 * time.Hour
	provenanceTimeout   = 30 * time.Minute
)

type Options struct {
	SubmissionsFolderID uint  `json:"submissionsFolderID,omitempty" description:"folder collecting all submission folders"`
	RetentionDays       int   `json:"retentionDays,omitempty" description:"days until oversized artifacts of a submission are removed"`
	MaxItemSize         int64 `json:"maxItemSize,omitempty" description:"retention removes artifacts larger than this many bytes"`
}

func NewDefaultOptions() *Options {
	return &Options{
		SubmissionsFolderID: models.SubmissionsRootFolderID,
		RetentionDays:       30,
		MaxItemSize:         1 << 30, // 1 GiB
	}
}

// Carry is the SubmissionContext threaded between steps. It is JSON-encoded
// into the task record after every step, fields fill in progressively. After
// a severed chain only the job id remains.
type Carry struct {
	JobID        uint           `json:"job_id"`
	UserID       uint           `json:"user_id,omitempty"`
	FolderID     uint           `json:"folder_id,omitempty"`
	FileID       uint           `json:"file_id,omitempty"`
	Stages       []runner.Stage `json:"stages,omitempty"`
	TempDir      string         `json:"temp_dir,omitempty"`
	ProvenanceID uint           `json:"provenance_id,omitempty"`
	RunStartTime string         `json:"run_start_time,omitempty"`
	RunEndTime   string         `json:"run_end_time,omitempty"`
	RunCaps      []string       `json:"run_caps,omitempty"`
	ResultID     uint           `json:"result_id,omitempty"`
}

// Pipeline wires the stores, the container engine and the provenance
// recorder into queue step functions.
type Pipeline struct {
	opts          *Options
	store         *models.Store
	engine        *runner.Engine
	recorder      *provenance.Recorder
	tags          *imagetags.Client
	queue         workflow.Client
	rdb           *redis.Client // live log channel, nil disables publishing
	workspaceRoot string
}

func New(
	opts *Options,
	store *models.Store,
	engine *runner.Engine,
	runopts *runner.Options,
	recorder *provenance.Recorder,
	tags *imagetags.Client,
	queue workflow.Client,
	rdb *redis.Client,
) *Pipeline {
	return &Pipeline{
		opts:          opts,
		store:         store,
		engine:        engine,
		recorder:      recorder,
		tags:          tags,
		queue:         queue,
		rdb:           rdb,
		workspaceRoot: runopts.WorkspaceRoot,
	}
}

// ProvideFuntions exposes the step functions for registration on the queue
// server. Every pipeline step runs behind the job status gate.
func (p *Pipeline) ProvideFuntions() map[string]interface{} {
	return map[string]interface{}{
		FuncPrepare:           p.gated("prepare submission", p.prepare),
		FuncCreateWorkspace:   p.gated("create workspace", p.createWorkspace),
		FuncRecordArrangement: p.gated("update provenance record", p.recordArrangement),
		FuncExecuteStage:      p.gatedStage("execute workflow", p.executeStage),
		FuncRecordPerformance: p.gatedStage("update provenance record", p.recordPerformance),
		FuncSeal:              p.gated("update provenance record", p.seal),
		FuncPackage:           p.gated("upload executed replication package", p.packageWorkspace),
		FuncFinalize:          p.gated("finalize submission", p.finalize),
		FuncCleanup:           p.CleanupFolder,
	}
}

// Submit creates the job record and enqueues the pipeline task. The job is
// returned even when enqueueing fails, the failure lands on the job log
// instead of leaving a half-created record behind an API error.
func (p *Pipeline) Submit(ctx context.Context, user *models.User, fileID uint, stages []runner.Stage) (*models.Job, error) {
	if len(stages) == 0 {
		return nil, errors.New("a submission needs at least one stage")
	}
	if p.tags != nil {
		refs := make([]imagetags.Ref, 0, len(stages))
		for _, stage := range stages {
			refs = append(refs, imagetags.Ref{Name: stage.ImageName, Tag: stage.ImageTag})
		}
		if err := p.tags.Validate(ctx, refs...); err != nil {
			return nil, err
		}
	}
	file, err := p.store.GetFileRecord(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("load uploaded file: %w", err)
	}

	job := &models.Job{
		Title:  fmt.Sprintf("Run for %s by %s", file.Name, user.Username),
		Type:   models.JobTypeSubmission,
		UserID: user.ID,
		Status: models.JobStatusQueued,
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := p.store.SetUserLastJob(ctx, user.ID, job.ID); err != nil {
		log.Warnf("record last job of user %d: %v", user.ID, err)
	}
	if err := p.store.UpdateJob(ctx, job, "Preparing submission", models.JobStatusRunning); err != nil {
		return nil, err
	}

	carry, err := json.Marshal(Carry{JobID: job.ID, UserID: user.ID, FileID: fileID, Stages: stages})
	if err != nil {
		return nil, err
	}
	task := workflow.Task{
		UID:         uuid.New().String(),
		Name:        TaskNameRun,
		Group:       TaskGroup,
		Steps:       buildSteps(len(stages)),
		Carry:       carry,
		Additionals: map[string]string{AdditionJobID: strconv.FormatUint(uint64(job.ID), 10)},
	}
	if err := p.queue.SubmitTask(ctx, task); err != nil {
		uerr := p.store.UpdateJob(ctx, job,
			fmt.Sprintf("Failed to enqueue submission: \n\t%v", err), models.JobStatusError)
		if uerr != nil {
			log.Errorf("record enqueue failure on job %d: %v", job.ID, uerr)
		}
		return job, nil
	}
	if err := p.store.SetJobTaskUID(ctx, job, task.UID); err != nil {
		log.Warnf("record task uid on job %d: %v", job.ID, err)
	}
	return job, nil
}

// buildSteps lays out the step chain for n stages: prepare, workspace, the
// initial arrangement, then execute/arrangement/performance per stage, and
// seal, package, finalize at the end.
func buildSteps(n int) []workflow.Step {
	steps := []workflow.Step{
		{Name: "prepare", Function: FuncPrepare},
		{Name: "create-workspace", Function: FuncCreateWorkspace},
		{Name: "record-arrangement", Function: FuncRecordArrangement, Timeout: provenanceTimeout},
	}
	for i := 0; i < n; i++ {
		steps = append(steps,
			workflow.Step{
				Name: fmt.Sprintf("execute-stage-%d", i+1), Function: FuncExecuteStage,
				Args: workflow.ArgsOf(i), Timeout: executeStageTimeout,
			},
			workflow.Step{
				Name: fmt.Sprintf("record-arrangement-%d", i+1), Function: FuncRecordArrangement,
				Timeout: provenanceTimeout,
			},
			workflow.Step{
				Name: fmt.Sprintf("record-performance-%d", i+1), Function: FuncRecordPerformance,
				Args: workflow.ArgsOf(i), Timeout: provenanceTimeout,
			},
		)
	}
	return append(steps,
		workflow.Step{Name: "seal", Function: FuncSeal, Timeout: provenanceTimeout},
		workflow.Step{Name: "package", Function: FuncPackage, Timeout: provenanceTimeout},
		workflow.Step{Name: "finalize", Function: FuncFinalize},
	)
}

// Cancel flips the job to Canceled and severs the backing queue task. A job
// already canceled is fine, a job that finished on its own is not
// overwritten.
func (p *Pipeline) Cancel(ctx context.Context, jobID uint) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobStatusCanceled:
		return nil
	case models.JobStatusSuccess, models.JobStatusError:
		return fmt.Errorf("job %d already finished with status %s", jobID, job.Status)
	}
	if err := p.store.UpdateJob(ctx, job, "Submission cancelled by user.", models.JobStatusCanceled); err != nil {
		return err
	}
	if job.TaskUID != "" {
		if err := p.queue.CancelTask(ctx, TaskGroup, TaskNameRun, job.TaskUID); err != nil {
			return err
		}
	}
	// an enqueue race may have left the uid unrecorded, the scan catches it
	return p.queue.CancelMatching(ctx, TaskGroup, TaskNameRun,
		AdditionJobID, strconv.FormatUint(uint64(jobID), 10))
}

// JobSteps returns the queue step statuses backing one job.
func (p *Pipeline) JobSteps(ctx context.Context, job *models.Job) ([]workflow.Step, error) {
	if job.TaskUID == "" {
		return nil, nil
	}
	tasks, err := p.queue.ListTasks(ctx, TaskGroup, TaskNameRun)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].UID == job.TaskUID {
			return tasks[i].Steps, nil
		}
	}
	return nil, nil
}

// gated wraps a step with the uniform job status gate and failure logging:
// before the step the job is reloaded, anything but Running severs the
// remaining steps and collapses the carry; a step error is appended to the
// job log and marks the job Error.
func (p *Pipeline) gated(desc string, fn func(ctx context.Context, job *models.Job, c Carry) (Carry, error)) func(ctx context.Context, c Carry) (Carry, error) {
	return func(ctx context.Context, c Carry) (Carry, error) {
		job, run, err := p.gate(ctx, c)
		if err != nil {
			return c, err
		}
		if !run {
			return Carry{JobID: c.JobID}, nil
		}
		next, err := fn(ctx, job, c)
		if err != nil {
			p.recordFailure(ctx, job, desc, err)
			return c, err
		}
		return next, nil
	}
}

// gatedStage is gated for steps parameterized by a stage index.
func (p *Pipeline) gatedStage(desc string, fn func(ctx context.Context, job *models.Job, c Carry, stage int) (Carry, error)) func(ctx context.Context, c Carry, stage int) (Carry, error) {
	return func(ctx context.Context, c Carry, stage int) (Carry, error) {
		job, run, err := p.gate(ctx, c)
		if err != nil {
			return c, err
		}
		if !run {
			return Carry{JobID: c.JobID}, nil
		}
		next, err := fn(ctx, job, c, stage)
		if err != nil {
			p.recordFailure(ctx, job, desc, err)
			return c, err
		}
		return next, nil
	}
}

func (p *Pipeline) gate(ctx context.Context, c Carry) (*models.Job, bool, error) {
	job, err := p.store.GetJob(ctx, c.JobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// the job disappeared under the task, nothing left to run for
		workflow.SkipRemaining(ctx)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if job.Status != models.JobStatusRunning {
		workflow.SkipRemaining(ctx)
		return job, false, nil
	}
	return job, true, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, job *models.Job, desc string, err error) {
	line := fmt.Sprintf("Failed to %s: \n\t%v", desc, err)
	if uerr := p.store.UpdateJob(ctx, job, line, models.JobStatusError); uerr != nil {
		log.Errorf("record failure on job %d: %v", job.ID, uerr)
	}
}
