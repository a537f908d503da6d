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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-envparse"
	"github.com/klauspost/cpuid/v2"

	"reprun.io/reprun/pkg/log"
)

const (
	// CancelledStatusCode is the sentinel exit code recorded when a run was
	// stopped on request instead of exiting on its own.
	CancelledStatusCode = -123

	stataLicenseTarget = "/usr/local/stata/stata.lic"

	// stopRetries bounds the re-inspect loop when a graceful stop call
	// itself times out.
	stopRetries = 10
)

// ImagePullError reports a stage image the daemon could not fetch.
type ImagePullError struct {
	Ref string
	Err error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("pull image %s: %v", e.Ref, e.Err)
}

func (e *ImagePullError) Unwrap() error { return e.Err }

// RunSpec names one stage execution.
type RunSpec struct {
	JobID uint
	// 1 based, used in container names, banners and artifact names
	StageNum  int
	Stage     Stage
	Workspace string
}

// RunResult tags how the run ended. Orchestration failures are ordinary
// errors and never produce a result.
type RunResult struct {
	Outcome  Outcome
	ExitCode int
}

// Sink persists stage artifacts on the submission's durable record. The
// engine never touches storage directly.
type Sink interface {
	// OpenAccumulated returns the current content of a growing artifact,
	// os.ErrNotExist when no stage wrote it yet.
	OpenAccumulated(ctx context.Context, name string) (io.ReadCloser, error)
	// StoreAccumulated creates or replaces a growing artifact from path.
	StoreAccumulated(ctx context.Context, name string, path string) error
	// StoreStageFile uploads a per stage artifact.
	StoreStageFile(ctx context.Context, name string, content []byte) error
}

// LinePublisher fans container output lines out to live observers, best
// effort.
type LinePublisher interface {
	Publish(ctx context.Context, line string)
}

// NopPublisher drops every line.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string) {}

// RecordedRun executes one stage with telemetry: pulls the image, creates and
// starts the container, tees logs to the console and the live channel,
// samples stats, and uploads the stdout/stderr/dockerstats artifacts plus a
// performance summary. canceled is polled once per state poll; an observed
// cancellation stops the container and yields the Cancelled outcome, not an
// error.
func (e *Engine) RecordedRun(ctx context.Context, spec RunSpec, sink Sink, publish LinePublisher, canceled func(context.Context) bool) (*RunResult, error) {
	logger := log.FromContextOrDiscard(ctx).WithValues("job", spec.JobID, "stage", spec.StageNum)
	if publish == nil {
		publish = NopPublisher{}
	}
	if canceled == nil {
		canceled = func(context.Context) bool { return false }
	}

	hostinfo, err := e.api.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info: %w", err)
	}

	ref := spec.Stage.Ref()
	if err := e.api.PullImage(ctx, ref); err != nil {
		return nil, &ImagePullError{Ref: ref, Err: err}
	}

	invocation, err := InferCommand(spec.Workspace, spec.Stage)
	if err != nil {
		return nil, err
	}
	logger.Info("inferred stage command",
		"entrypoint", strings.Join(invocation.Entrypoint, " "),
		"command", invocation.Command, "workdir", invocation.WorkDir)

	cspec, err := e.containerSpec(spec, invocation)
	if err != nil {
		return nil, err
	}
	containerID, err := e.api.CreateContainer(ctx, cspec)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer e.removeContainer(context.WithoutCancel(ctx), containerID)

	scratch, err := os.MkdirTemp("", "stage-artifacts-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)
	dstatsPath := filepath.Join(scratch, "dockerstats")

	if err := e.api.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	stats := NewStatsCollector(e.api, containerID, dstatsPath, e.opts.StatsInterval)
	if err := stats.Start(ctx); err != nil {
		return nil, err
	}

	// the tee reads the combined stream as it is produced, queueing lines for
	// console echo and the live channel
	teeCtx, stopTee := context.WithCancel(ctx)
	defer stopTee()
	lines := make(chan string, 1024)
	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		e.teeLogs(teeCtx, containerID, lines)
	}()

	wasCancelled := e.pollUntilExit(ctx, containerID, lines, publish, canceled, logger)

	stopTee()
	stats.Wait()
	<-teeDone
	drainLines(ctx, lines, publish)

	result := &RunResult{Outcome: OutcomeCompleted}
	if wasCancelled {
		result.Outcome = OutcomeCancelled
		result.ExitCode = CancelledStatusCode
	} else {
		state, err := e.api.InspectContainer(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("inspect container: %w", err)
		}
		result.ExitCode = state.ExitCode
	}
	logger.Info("container exited", "code", result.ExitCode, "outcome", result.Outcome.String())

	if err := e.collectPerformanceData(ctx, spec, containerID, hostinfo, stats.CSVPath(), result, sink); err != nil {
		return nil, err
	}
	stdoutContent, err := e.dumpLogs(ctx, spec, containerID, scratch, dstatsPath, sink)
	if err != nil {
		return nil, err
	}

	if result.Outcome == OutcomeCompleted && result.ExitCode == 0 && IsStata(ref) {
		if detail := stataError(stdoutContent); detail != "" {
			return nil, &RuntimeReportedError{Detail: detail}
		}
	}
	return result, nil
}

func (e *Engine) containerSpec(spec RunSpec, invocation *Invocation) (ContainerSpec, error) {
	// the workspace path differs between host and worker when the worker
	// itself runs in a container
	hostWorkspace := filepath.Join(e.opts.HostTmpRoot, strings.TrimPrefix(spec.Workspace, "/"))
	binds := []string{hostWorkspace + ":" + ContainerWorkspace + ":rw"}
	if e.opts.StataLicense != "" {
		binds = append(binds, e.opts.StataLicense+":"+stataLicenseTarget+":ro")
	}

	env := []string{"HOME=" + invocation.Home}
	switch invocation.Family.MainExt {
	case ".R":
		env = append(env,
			"R_LIBS="+invocation.Home+"/R/library",
			"R_LIBS_USER="+invocation.Home+"/R/library")
	case ".m":
		if e.opts.MatlabLicense != "" {
			env = append(env, "MLM_LICENSE_FILE="+e.opts.MatlabLicense)
		}
	}
	extra, err := e.loadEnvFile()
	if err != nil {
		return ContainerSpec{}, err
	}
	env = append(env, extra...)

	workdir := ContainerWorkspace
	if invocation.WorkDir != "" {
		workdir = ContainerWorkspace + "/" + invocation.WorkDir
	}
	return ContainerSpec{
		Name:       fmt.Sprintf("job-%d-stage-%d", spec.JobID, spec.StageNum),
		Image:      spec.Stage.Ref(),
		Entrypoint: invocation.Entrypoint,
		Command:    []string{invocation.Command},
		WorkingDir: workdir,
		// the invoking user's identity keeps output files readable on the host
		User:  fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Env:   env,
		Binds: binds,
	}, nil
}

func (e *Engine) loadEnvFile() ([]string, error) {
	if e.opts.EnvFile == "" {
		return nil, nil
	}
	f, err := os.Open(e.opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	kvs, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse env file: %w", err)
	}
	env := make([]string, 0, len(kvs))
	for k, v := range kvs {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func (e *Engine) teeLogs(ctx context.Context, containerID string, lines chan<- string) {
	stream, err := e.api.Logs(ctx, containerID, LogsOptions{Stdout: true, Stderr: true, Follow: true})
	if err != nil {
		log.V(3).Info("container log stream failed", "err", err)
		return
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		default:
			// console echo is lossy under backpressure, artifacts keep the
			// full stream
		}
	}
}

// pollUntilExit watches the container state once per poll interval, draining
// queued log lines and honoring cancellation. It reports whether the run was
// cancelled.
func (e *Engine) pollUntilExit(ctx context.Context, containerID string, lines <-chan string, publish LinePublisher, canceled func(context.Context) bool, logger logr.Logger) bool {
	for {
		state, err := e.api.InspectContainer(ctx, containerID)
		if err != nil || !state.Running() {
			return false
		}
		drainLines(ctx, lines, publish)
		if canceled(ctx) {
			logger.Info("cancellation observed, stopping container")
			e.stopContainer(ctx, containerID)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.opts.PollInterval):
		}
	}
}

func drainLines(ctx context.Context, lines <-chan string, publish LinePublisher) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			fmt.Println(line)
			publish.Publish(ctx, line)
		default:
			return
		}
	}
}

// stopContainer issues a graceful stop, escalating to a bounded re-inspect
// loop when the stop call times out. A container already gone is fine.
func (e *Engine) stopContainer(ctx context.Context, containerID string) {
	err := e.api.StopContainer(ctx, containerID, 10*time.Second)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrNotFound):
		log.V(3).Info("container was already gone", "container", containerID)
		return
	}
	for i := 0; i < stopRetries; i++ {
		state, ierr := e.api.InspectContainer(ctx, containerID)
		if errors.Is(ierr, ErrNotFound) || (ierr == nil && !state.Running()) {
			return
		}
		time.Sleep(time.Second)
	}
	log.Error(err, "unable to stop container", "container", containerID)
}

func (e *Engine) removeContainer(ctx context.Context, containerID string) {
	if err := e.api.RemoveContainer(ctx, containerID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Error(err, "remove container", "container", containerID)
	}
}

func (e *Engine) collectPerformanceData(ctx context.Context, spec RunSpec, containerID string, hostinfo HostInfo, csvPath string, result *RunResult, sink Sink) error {
	state, err := e.api.InspectContainer(ctx, containerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("inspect container: %w", err)
	}
	image, err := e.api.InspectImage(ctx, spec.Stage.Ref())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("inspect image: %w", err)
	}

	data := map[string]interface{}{
		"Architecture":     hostinfo.Architecture,
		"KernelVersion":    hostinfo.KernelVersion,
		"OperatingSystem":  hostinfo.OperatingSystem,
		"OSType":           hostinfo.OSType,
		"OSVersion":        hostinfo.OSVersion,
		"MemTotal":         hostinfo.MemTotal,
		"NCPU":             hostinfo.NCPU,
		"Processor":        cpuid.CPU.BrandName,
		"ImageName":        spec.Stage.ImageName,
		"ImageTag":         spec.Stage.ImageTag,
		"ImageID":          image.ID,
		"ImageRepoTags":    image.RepoTags,
		"ImageRepoDigests": image.RepoDigests,
		"StartedAt":        state.StartedAt,
		"FinishedAt":       state.FinishedAt,
		"ExitCode":         result.ExitCode,
	}
	if peaks, err := ParseStatsPeaks(csvPath); err == nil {
		data["MaxCPUPercent"] = peaks.MaxCPUPercent
		data["MaxMemoryUsage"] = peaks.MaxMemoryUsage
	}

	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("performance_data_stage_%d.json", spec.StageNum)
	if err := sink.StoreStageFile(ctx, name, content); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// dumpLogs appends the stage's stdout, stderr and telemetry to the growing
// per submission artifacts, each stage separated by a banner. It returns the
// effective stdout content of this stage for the runtime error scan.
func (e *Engine) dumpLogs(ctx context.Context, spec RunSpec, containerID string, scratch string, dstatsPath string, sink Sink) (string, error) {
	banner := fmt.Sprintf("\n\n===== Stage %d Output =====\n\n", spec.StageNum)

	stdoutPath := filepath.Join(scratch, "stdout")
	stderrPath := filepath.Join(scratch, "stderr")
	if err := e.dumpStream(ctx, containerID, stdoutPath, LogsOptions{Stdout: true}); err != nil {
		return "", err
	}
	if err := e.dumpStream(ctx, containerID, stderrPath, LogsOptions{Stderr: true}); err != nil {
		return "", err
	}

	// an empty stdout falls back to the runtime's side channel log file
	effectiveStdout := stdoutPath
	if info, err := os.Stat(stdoutPath); err == nil && info.Size() == 0 {
		if side := e.findSideChannel(spec); side != "" {
			effectiveStdout = side
		}
	}

	for name, path := range map[string]string{
		"stdout":      effectiveStdout,
		"stderr":      stderrPath,
		"dockerstats": dstatsPath,
	} {
		if _, err := os.Stat(path); err != nil {
			log.V(3).Info("stage artifact missing, skipping", "name", name)
			continue
		}
		if err := e.appendAccumulated(ctx, sink, name, banner, path, scratch); err != nil {
			return "", fmt.Errorf("accumulate %s: %w", name, err)
		}
	}

	content, err := os.ReadFile(effectiveStdout)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func (e *Engine) dumpStream(ctx context.Context, containerID string, path string, opts LogsOptions) error {
	stream, err := e.api.Logs(ctx, containerID, opts)
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer stream.Close()
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, stream); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// findSideChannel locates the runtime's companion log of the main file, e.g.
// main.Rout for R or main.log for stata batch runs.
func (e *Engine) findSideChannel(spec RunSpec) string {
	mainFile := spec.Stage.MainFile
	stem := strings.TrimSuffix(mainFile, filepath.Ext(mainFile))
	var logName string
	switch {
	case strings.HasSuffix(mainFile, ".R"):
		logName = stem + ".Rout"
	case strings.HasSuffix(mainFile, ".do") || IsStata(spec.Stage.Ref()):
		logName = stem + ".log"
	default:
		return ""
	}

	found := ""
	_ = filepath.Walk(spec.Workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Name() == logName && found == "" {
			found = path
		}
		return nil
	})
	return found
}

func (e *Engine) appendAccumulated(ctx context.Context, sink Sink, name string, banner string, stagePath string, scratch string) error {
	accumulated := filepath.Join(scratch, name+"-accumulated")
	out, err := os.Create(accumulated)
	if err != nil {
		return err
	}
	defer out.Close()

	prev, err := sink.OpenAccumulated(ctx, name)
	switch {
	case err == nil:
		if _, err := io.Copy(out, prev); err != nil {
			prev.Close()
			return err
		}
		prev.Close()
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}

	if _, err := out.WriteString(banner); err != nil {
		return err
	}
	stage, err := os.Open(stagePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, stage); err != nil {
		stage.Close()
		return err
	}
	stage.Close()
	if err := out.Sync(); err != nil {
		return err
	}
	return sink.StoreAccumulated(ctx, name, accumulated)
}

var stataErrPattern = regexp.MustCompile(`r\(\d+\);`)

// stataError scans batch output for the runtime's error markers, stata exits
// zero even when the do file failed.
func stataError(content string) string {
	if m := stataErrPattern.FindString(content); m != "" {
		return m
	}
	if content == "License is invalid\n" {
		return "License is invalid"
	}
	if strings.HasPrefix(content, "Cannot find license file") {
		return "Cannot find license file"
	}
	return ""
}
