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

package pipeline

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/runner"
	"reprun.io/reprun/pkg/utils/workflow"
)

type testEnv struct {
	pipeline *Pipeline
	mock     sqlmock.Sqlmock
	backend  *workflow.InmemoryBackend
	client   *workflow.BackendClient
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectQuery("SELECT VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("5.7.33"))
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: db}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	backend := workflow.NewInmemoryBackend(ctx)
	client := workflow.NewClientFromBackend(backend)

	p := New(NewDefaultOptions(), models.NewStore(gdb, nil), nil, runner.NewDefaultOptions(), nil, nil, client, nil)
	return &testEnv{pipeline: p, mock: mock, backend: backend, client: client}
}

func jobRows(id uint, status models.JobStatus, taskUID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "title", "status", "log", "task_uid"}).
		AddRow(id, "Run for code.zip by alice", int(status), "", taskUID)
}

// argContains matches a string exec argument by substring, log lines carry a
// timestamp prefix.
type argContains string

func (a argContains) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, string(a))
}

func TestBuildSteps(t *testing.T) {
	steps := buildSteps(2)
	require.Len(t, steps, 12)

	functions := make([]string, 0, len(steps))
	for _, step := range steps {
		functions = append(functions, step.Function)
	}
	assert.Equal(t, []string{
		FuncPrepare,
		FuncCreateWorkspace,
		FuncRecordArrangement,
		FuncExecuteStage, FuncRecordArrangement, FuncRecordPerformance,
		FuncExecuteStage, FuncRecordArrangement, FuncRecordPerformance,
		FuncSeal,
		FuncPackage,
		FuncFinalize,
	}, functions)

	// stage indexes are zero based
	assert.Equal(t, workflow.ArgsOf(0), steps[3].Args)
	assert.Equal(t, workflow.ArgsOf(0), steps[5].Args)
	assert.Equal(t, workflow.ArgsOf(1), steps[6].Args)
	assert.Equal(t, workflow.ArgsOf(1), steps[8].Args)
	assert.Equal(t, "execute-stage-2", steps[6].Name)
}

func TestGate_SeversWhenNotRunning(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusCanceled, ""))

	called := false
	fn := env.pipeline.gated("execute workflow", func(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
		called = true
		return c, nil
	})
	out, err := fn(context.Background(), Carry{JobID: 7, FolderID: 3, TempDir: "/tmp/ws"})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, Carry{JobID: 7}, out, "the carry collapses to the job id")
}

func TestGate_SeversWhenJobGone(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

	fn := env.pipeline.gated("execute workflow", func(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
		t.Fatal("step must not run for a deleted job")
		return c, nil
	})
	out, err := fn(context.Background(), Carry{JobID: 7})
	require.NoError(t, err)
	assert.Equal(t, Carry{JobID: 7}, out)
}

func TestGate_RunsAndPropagatesCarry(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusRunning, ""))

	fn := env.pipeline.gated("execute workflow", func(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
		require.NotNil(t, job)
		assert.Equal(t, uint(7), job.ID)
		c.TempDir = "/tmp/ws"
		return c, nil
	})
	out, err := fn(context.Background(), Carry{JobID: 7, FolderID: 3})
	require.NoError(t, err)
	assert.Equal(t, Carry{JobID: 7, FolderID: 3, TempDir: "/tmp/ws"}, out)
}

func TestGate_FailureMarksJobError(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusRunning, ""))
	env.mock.ExpectBegin()
	env.mock.ExpectExec("UPDATE `jobs` SET").
		WithArgs(argContains("Failed to execute workflow: \n\tstage execution failed with code 17"),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	fn := env.pipeline.gated("execute workflow", func(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
		return c, errors.New("stage execution failed with code 17")
	})
	_, err := fn(context.Background(), Carry{JobID: 7})
	require.EqualError(t, err, "stage execution failed with code 17")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCancel_MarksJobAndTask(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusRunning, "uid-1"))
	env.mock.ExpectBegin()
	env.mock.ExpectExec("UPDATE `jobs` SET").
		WithArgs(argContains("Submission cancelled by user."), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	require.NoError(t, env.pipeline.Cancel(ctx, 7))

	mark, err := env.backend.Get(ctx, fmt.Sprintf("cancel/%s/%s/uid-1", TaskGroup, TaskNameRun))
	require.NoError(t, err)
	assert.NotEmpty(t, mark, "the cancel mark severs the running task")
}

func TestCancel_Idempotent(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusCanceled, "uid-1"))
	require.NoError(t, env.pipeline.Cancel(context.Background(), 7))
}

func TestCancel_FinishedJobIsNotOverwritten(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusSuccess, "uid-1"))
	err := env.pipeline.Cancel(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
}

func TestScheduleCleanup(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	require.NoError(t, env.pipeline.scheduleCleanup(ctx, 42))

	tasks, err := env.client.ListTasks(ctx, TaskGroup, TaskNameCleanup)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	require.NotNil(t, task.NotBefore)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *task.NotBefore, time.Minute)
	assert.Equal(t, "42", task.Additionals[AdditionFolderID])
	require.Len(t, task.Steps, 1)
	assert.Equal(t, FuncCleanup, task.Steps[0].Function)
}

func TestCleanupFolder_RemovesOversizedOnly(t *testing.T) {
	env := setupEnv(t)
	env.pipeline.opts.MaxItemSize = 1000

	env.mock.ExpectQuery("SELECT \\* FROM `file_records`").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "size", "asset_key"}).
			AddRow(1, "stdout", 100, "").
			AddRow(2, "replpack.zip", 5000, ""),
	)
	env.mock.ExpectBegin()
	env.mock.ExpectExec("DELETE FROM `file_records`").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	require.NoError(t, env.pipeline.CleanupFolder(context.Background(), 3))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// TestCanceledJobSeversTaskChain runs a real two step task through the queue
// server: the gate observes the canceled job at the first step, the second
// step never runs and the stored carry collapses.
func TestCanceledJobSeversTaskChain(t *testing.T) {
	env := setupEnv(t)
	env.mock.ExpectQuery("SELECT \\* FROM `jobs`").WillReturnRows(jobRows(7, models.JobStatusCanceled, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := workflow.NewServerFromBackend(env.backend)
	require.NoError(t, server.Register("step-one",
		env.pipeline.gated("prepare submission", func(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
			return c, nil
		})))
	require.NoError(t, server.Register("step-two",
		env.pipeline.gated("create workspace", func(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
			t.Error("severed step must not run")
			return c, nil
		})))
	go server.Run(ctx)

	require.NoError(t, env.client.SubmitTask(ctx, workflow.Task{
		UID:   "uid-sever",
		Name:  TaskNameRun,
		Group: TaskGroup,
		Carry: []byte(`{"job_id":7,"folder_id":3}`),
		Steps: []workflow.Step{
			{Name: "one", Function: "step-one"},
			{Name: "two", Function: "step-two"},
		},
	}))

	var final workflow.Task
	require.Eventually(t, func() bool {
		tasks, err := env.client.ListTasks(ctx, TaskGroup, TaskNameRun)
		if err != nil || len(tasks) != 1 || tasks[0].Status == nil {
			return false
		}
		final = tasks[0]
		return final.Status.Status == workflow.TaskStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, final.Steps, 2)
	assert.Equal(t, workflow.TaskStatusSuccess, final.Steps[0].Status.Status)
	assert.Equal(t, workflow.TaskStatusSkipped, final.Steps[1].Status.Status)
	assert.JSONEq(t, `{"job_id":7}`, string(final.Carry))
}

func TestMetaFileID(t *testing.T) {
	folder := &models.Folder{Meta: map[string]interface{}{
		"tro_file_id":    float64(11), // numbers widen through a JSON round trip
		"sig_file_id":    12,
		"stdout_file_id": "13",
	}}
	assert.Equal(t, uint(11), metaFileID(folder, "tro"))
	assert.Equal(t, uint(12), metaFileID(folder, "sig"))
	assert.Equal(t, uint(13), metaFileID(folder, "stdout"))
	assert.Equal(t, uint(0), metaFileID(folder, "tsr"))
}
