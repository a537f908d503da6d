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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerClient implements DockerAPI against a real daemon. One instance per
// process, constructed at the composition root and injected into the engine.
type DockerClient struct {
	cli *client.Client
}

var _ DockerAPI = &DockerClient{}

// NewDockerClient connects using the usual DOCKER_HOST environment, with API
// version negotiation so the worker runs against older daemons.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerClient{cli: cli}, nil
}

func (c *DockerClient) PullImage(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return mapNotFound(err)
	}
	defer rc.Close()
	// the pull completes only once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (c *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Entrypoint: strslice.StrSlice(spec.Entrypoint),
		Cmd:        strslice.StrSlice(spec.Command),
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Env:        spec.Env,
	}
	host := &container.HostConfig{Binds: spec.Binds}
	resp, err := c.cli.ContainerCreate(ctx, config, host, nil, nil, spec.Name)
	if err != nil {
		return "", mapNotFound(err)
	}
	return resp.ID, nil
}

func (c *DockerClient) StartContainer(ctx context.Context, id string) error {
	return mapNotFound(c.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}))
}

func (c *DockerClient) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, mapNotFound(err)
	}
	state := ContainerState{}
	if info.State != nil {
		state = ContainerState{
			Status:     info.State.Status,
			ExitCode:   info.State.ExitCode,
			StartedAt:  info.State.StartedAt,
			FinishedAt: info.State.FinishedAt,
		}
	}
	return state, nil
}

// Logs returns a plain text stream; the daemon's stdout/stderr multiplexing
// is stripped here so callers never see frame headers.
func (c *DockerClient) Logs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error) {
	rc, err := c.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, mapNotFound(err)
	}

	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		rc.Close()
		return nil, mapNotFound(err)
	}
	if info.Config != nil && info.Config.Tty {
		return rc, nil
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (c *DockerClient) StatsOneShot(ctx context.Context, id string) (*types.StatsJSON, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	defer resp.Body.Close()
	stats := &types.StatsJSON{}
	if err := json.NewDecoder(resp.Body).Decode(stats); err != nil {
		return nil, fmt.Errorf("decode container stats: %w", err)
	}
	return stats, nil
}

func (c *DockerClient) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return mapNotFound(c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (c *DockerClient) RemoveContainer(ctx context.Context, id string) error {
	return mapNotFound(c.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}))
}

func (c *DockerClient) Info(ctx context.Context) (HostInfo, error) {
	info, err := c.cli.Info(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{
		Architecture:    info.Architecture,
		KernelVersion:   info.KernelVersion,
		OperatingSystem: info.OperatingSystem,
		OSType:          info.OSType,
		OSVersion:       info.OSVersion,
		MemTotal:        info.MemTotal,
		NCPU:            info.NCPU,
	}, nil
}

func (c *DockerClient) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	info, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ImageInfo{}, mapNotFound(err)
	}
	return ImageInfo{
		ID:          info.ID,
		RepoTags:    info.RepoTags,
		RepoDigests: info.RepoDigests,
	}, nil
}

func mapNotFound(err error) error {
	if err != nil && errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
