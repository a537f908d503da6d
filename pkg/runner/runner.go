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

// Package runner executes one workflow stage inside a Docker container,
// owning the full container lifecycle: image pull, create, start, state
// polling with cancellation, telemetry sampling, log capture and removal.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
)

// ContainerWorkspace is where the workspace is bind mounted inside every
// stage container.
const ContainerWorkspace = "/home/submitter/workspace"

// ContainerHome is the default home of the submitter user inside the
// container, runtime families may override it.
const ContainerHome = "/home/submitter"

type Options struct {
	HostTmpRoot   string        `json:"hostTmpRoot,omitempty" description:"prefix remapping workspace paths when the worker itself runs in a container"`
	StataLicense  string        `json:"stataLicense,omitempty" description:"host path of a stata license file mounted read only into stata stages"`
	MatlabLicense string        `json:"matlabLicense,omitempty" description:"MLM_LICENSE_FILE value injected into matlab stages"`
	EnvFile       string        `json:"envFile,omitempty" description:"env file merged into every stage container"`
	WorkspaceRoot string        `json:"workspaceRoot,omitempty" description:"directory holding per submission workspaces"`
	PollInterval  time.Duration `json:"pollInterval,omitempty" description:"container state poll interval"`
	StatsInterval time.Duration `json:"statsInterval,omitempty" description:"telemetry sampling interval"`
}

func NewDefaultOptions() *Options {
	return &Options{
		HostTmpRoot:   "/",
		StataLicense:  "",
		MatlabLicense: "",
		EnvFile:       "",
		WorkspaceRoot: "/tmp",
		PollInterval:  time.Second,
		StatsInterval: 5 * time.Second,
	}
}

// Stage names one container execution of a submission workflow.
type Stage struct {
	ImageName string `json:"image_name" binding:"required"`
	ImageTag  string `json:"image_tag" binding:"required"`
	MainFile  string `json:"main_file"`
}

// Ref returns the image reference the stage runs on.
func (s Stage) Ref() string {
	return s.ImageName + ":" + s.ImageTag
}

// ContainerSpec is the narrow creation request the engine issues.
type ContainerSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Command    []string
	WorkingDir string
	User       string
	Env        []string
	Binds      []string
}

// ContainerState mirrors the state fields the engine polls.
type ContainerState struct {
	Status     string
	ExitCode   int
	StartedAt  string
	FinishedAt string
}

// Running reports whether the container still occupies the stage.
func (s ContainerState) Running() bool {
	return s.Status == "created" || s.Status == "running"
}

// LogsOptions selects which container streams a Logs call returns.
type LogsOptions struct {
	Stdout     bool
	Stderr     bool
	Follow     bool
	Timestamps bool
}

// HostInfo describes the machine executing stages, recorded into the
// per-stage performance data.
type HostInfo struct {
	Architecture    string
	KernelVersion   string
	OperatingSystem string
	OSType          string
	OSVersion       string
	MemTotal        int64
	NCPU            int
}

// ImageInfo identifies the exact image a stage ran on.
type ImageInfo struct {
	ID          string
	RepoTags    []string
	RepoDigests []string
}

// ErrNotFound marks a container or image the daemon no longer knows. The
// engine treats it as benign during stop and remove.
var ErrNotFound = errors.New("not found")

// DockerAPI is the daemon surface the engine consumes. Tests substitute a
// fake, production wraps the docker SDK client.
type DockerAPI interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	Logs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error)
	StatsOneShot(ctx context.Context, id string) (*types.StatsJSON, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	Info(ctx context.Context) (HostInfo, error)
	InspectImage(ctx context.Context, ref string) (ImageInfo, error)
}

// MainFileNotFoundError reports a workspace without the stage entry file.
type MainFileNotFoundError struct {
	MainFile string
}

func (e *MainFileNotFoundError) Error() string {
	return fmt.Sprintf("cannot infer run command: no %s found", e.MainFile)
}

// AmbiguousMainFileError reports a workspace with several candidate entry
// files and no stage hint to pick one.
type AmbiguousMainFileError struct {
	MainFile   string
	Candidates []string
}

func (e *AmbiguousMainFileError) Error() string {
	return fmt.Sprintf("cannot infer run command: multiple %s files found: %s",
		e.MainFile, strings.Join(e.Candidates, ", "))
}

// RuntimeReportedError carries an error the runtime wrote to its log while
// still exiting zero, the stata batch mode does this.
type RuntimeReportedError struct {
	Detail string
}

func (e *RuntimeReportedError) Error() string {
	return fmt.Sprintf("stata returned an error (%s), check stdout/stderr for details", e.Detail)
}

// Outcome tags how a stage run ended. Orchestration failures are ordinary
// errors, cancellation is not.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
)

func (o Outcome) String() string {
	if o == OutcomeCancelled {
		return "cancelled"
	}
	return "completed"
}

// Engine runs stages against one Docker daemon.
type Engine struct {
	api  DockerAPI
	opts *Options
}

func NewEngine(api DockerAPI, opts *Options) *Engine {
	return &Engine{api: api, opts: opts}
}
