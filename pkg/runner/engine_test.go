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

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu sync.Mutex

	pullErr error
	pulled  []string

	created []ContainerSpec
	started []string
	stopped []string
	removed []string
	stopErr error

	// state returned while the container lives; StopContainer flips it to
	// exited
	running  bool
	exitCode int

	stdout string
	stderr string

	stats    []*types.StatsJSON
	statsIdx int

	hostinfo HostInfo
	image    ImageInfo
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		hostinfo: HostInfo{
			Architecture:    "x86_64",
			KernelVersion:   "6.1.0",
			OperatingSystem: "Debian GNU/Linux 12",
			OSType:          "linux",
			MemTotal:        16 << 30,
			NCPU:            8,
		},
		image: ImageInfo{
			ID:          "sha256:abcd",
			RepoTags:    []string{"rocker/r-ver:4.4.1"},
			RepoDigests: []string{"rocker/r-ver@sha256:feed"},
		},
	}
}

func (f *fakeDocker) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeDocker) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return "cid-1", nil
}

func (f *fakeDocker) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) InspectContainer(context.Context, string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := "exited"
	if f.running {
		status = "running"
	}
	return ContainerState{
		Status:     status,
		ExitCode:   f.exitCode,
		StartedAt:  "2024-06-01T10:00:00Z",
		FinishedAt: "2024-06-01T10:05:00Z",
	}, nil
}

func (f *fakeDocker) Logs(_ context.Context, _ string, opts LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content := ""
	if opts.Stdout {
		content += f.stdout
	}
	if opts.Stderr {
		content += f.stderr
	}
	return io.NopCloser(bytes.NewReader([]byte(content))), nil
}

func (f *fakeDocker) StatsOneShot(context.Context, string) (*types.StatsJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsIdx >= len(f.stats) {
		return nil, ErrNotFound
	}
	s := f.stats[f.statsIdx]
	f.statsIdx++
	return s, nil
}

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) Info(context.Context) (HostInfo, error) {
	return f.hostinfo, nil
}

func (f *fakeDocker) InspectImage(context.Context, string) (ImageInfo, error) {
	return f.image, nil
}

// memSink keeps artifacts in memory, mirroring the folder backed sink.
type memSink struct {
	mu          sync.Mutex
	accumulated map[string][]byte
	stageFiles  map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{accumulated: map[string][]byte{}, stageFiles: map[string][]byte{}}
}

func (s *memSink) OpenAccumulated(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.accumulated[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *memSink) StoreAccumulated(_ context.Context, name string, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accumulated[name] = content
	return nil
}

func (s *memSink) StoreStageFile(_ context.Context, name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageFiles[name] = content
	return nil
}

func testOptions() *Options {
	opts := NewDefaultOptions()
	opts.PollInterval = time.Millisecond
	opts.StatsInterval = time.Millisecond
	return opts
}

func rWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.R"), []byte("print('hi')\n"), 0o644))
	return dir
}

func TestRecordedRun_Success(t *testing.T) {
	api := newFakeDocker()
	api.stdout = "analysis done\n"
	api.stderr = "warning: something\n"
	sink := newMemSink()

	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     7,
		StageNum:  1,
		Stage:     Stage{ImageName: "rocker/r-ver", ImageTag: "4.4.1", MainFile: "main.R"},
		Workspace: rWorkspace(t),
	}
	result, err := engine.RecordedRun(context.Background(), spec, sink, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 0, result.ExitCode)

	require.Len(t, api.created, 1)
	created := api.created[0]
	assert.Equal(t, "job-7-stage-1", created.Name)
	assert.Equal(t, "rocker/r-ver:4.4.1", created.Image)
	assert.Equal(t, ContainerWorkspace, created.WorkingDir)
	assert.Contains(t, created.Env, "HOME="+ContainerHome)
	assert.Equal(t, []string{"main.R"}, created.Command)
	assert.Equal(t, []string{"cid-1"}, api.removed)

	stdout := string(sink.accumulated["stdout"])
	assert.Contains(t, stdout, "===== Stage 1 Output =====")
	assert.Contains(t, stdout, "analysis done")
	stderr := string(sink.accumulated["stderr"])
	assert.Contains(t, stderr, "warning: something")

	perf := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(sink.stageFiles["performance_data_stage_1.json"], &perf))
	assert.Equal(t, "x86_64", perf["Architecture"])
	assert.Equal(t, float64(0), perf["ExitCode"])
	assert.Equal(t, "sha256:abcd", perf["ImageID"])
}

func TestRecordedRun_AppendsAcrossStages(t *testing.T) {
	api := newFakeDocker()
	api.stdout = "second stage\n"
	sink := newMemSink()
	sink.accumulated["stdout"] = []byte("\n\n===== Stage 1 Output =====\n\nfirst stage\n")

	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     7,
		StageNum:  2,
		Stage:     Stage{ImageName: "rocker/r-ver", ImageTag: "4.4.1", MainFile: "main.R"},
		Workspace: rWorkspace(t),
	}
	_, err := engine.RecordedRun(context.Background(), spec, sink, nil, nil)
	require.NoError(t, err)

	stdout := string(sink.accumulated["stdout"])
	first := strings.Index(stdout, "first stage")
	second := strings.Index(stdout, "second stage")
	require.True(t, first >= 0 && second >= 0)
	assert.Less(t, first, second)
	assert.Contains(t, stdout, "===== Stage 2 Output =====")
}

func TestRecordedRun_Cancelled(t *testing.T) {
	api := newFakeDocker()
	api.running = true
	sink := newMemSink()

	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     9,
		StageNum:  1,
		Stage:     Stage{ImageName: "rocker/r-ver", ImageTag: "4.4.1", MainFile: "main.R"},
		Workspace: rWorkspace(t),
	}
	canceled := func(context.Context) bool { return true }
	result, err := engine.RecordedRun(context.Background(), spec, sink, nil, canceled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, CancelledStatusCode, result.ExitCode)
	assert.Equal(t, []string{"cid-1"}, api.stopped)
	assert.Equal(t, []string{"cid-1"}, api.removed)
}

func TestRecordedRun_NonZeroExitIsNotAnEngineError(t *testing.T) {
	api := newFakeDocker()
	api.exitCode = 17
	sink := newMemSink()

	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     3,
		StageNum:  1,
		Stage:     Stage{ImageName: "rocker/r-ver", ImageTag: "4.4.1", MainFile: "main.R"},
		Workspace: rWorkspace(t),
	}
	result, err := engine.RecordedRun(context.Background(), spec, sink, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 17, result.ExitCode)
}

func TestRecordedRun_StataErrorScan(t *testing.T) {
	api := newFakeDocker()
	api.stdout = "running do file\nr(601);\n"
	sink := newMemSink()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.do"), []byte("display 1\n"), 0o644))

	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     5,
		StageNum:  1,
		Stage:     Stage{ImageName: "dataeditors/stata18", ImageTag: "2024", MainFile: "main.do"},
		Workspace: dir,
	}
	_, err := engine.RecordedRun(context.Background(), spec, sink, nil, nil)
	reported := &RuntimeReportedError{}
	require.ErrorAs(t, err, &reported)
	assert.Equal(t, "r(601);", reported.Detail)
}

func TestRecordedRun_SideChannelFallback(t *testing.T) {
	api := newFakeDocker()
	api.stdout = "" // batch runtimes write a companion log instead
	sink := newMemSink()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.R"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.Rout"), []byte("R output here\n"), 0o644))

	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     5,
		StageNum:  1,
		Stage:     Stage{ImageName: "rocker/r-ver", ImageTag: "4.4.1", MainFile: "main.R"},
		Workspace: dir,
	}
	_, err := engine.RecordedRun(context.Background(), spec, sink, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(sink.accumulated["stdout"]), "R output here")
}

func TestRecordedRun_PullError(t *testing.T) {
	api := newFakeDocker()
	api.pullErr = errors.New("no such image")
	engine := NewEngine(api, testOptions())
	spec := RunSpec{
		JobID:     1,
		StageNum:  1,
		Stage:     Stage{ImageName: "rocker/r-ver", ImageTag: "missing", MainFile: "main.R"},
		Workspace: rWorkspace(t),
	}
	_, err := engine.RecordedRun(context.Background(), spec, newMemSink(), nil, nil)
	pullErr := &ImagePullError{}
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "rocker/r-ver:missing", pullErr.Ref)
}

func TestStataError(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"all good\n", ""},
		{"something\nr(601);\nmore", "r(601);"},
		{"License is invalid\n", "License is invalid"},
		{"Cannot find license file for stata\n", "Cannot find license file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stataError(tt.content), tt.content)
	}
}

func TestStopContainer_AlreadyGone(t *testing.T) {
	api := newFakeDocker()
	api.stopErr = ErrNotFound
	engine := NewEngine(api, testOptions())
	// must not panic or loop
	engine.stopContainer(context.Background(), "gone")
	assert.Equal(t, []string{"gone"}, api.stopped)
}
