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

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type Client interface {
	SubmitTask(ctx context.Context, task Task) error
	ListTasks(ctx context.Context, group, name string) ([]Task, error)
	RemoveTask(ctx context.Context, group, name string, uid string) error
	// CancelTask requests cancellation. Pending steps are marked canceled, a
	// running step is detected by the server at the next requeue boundary.
	CancelTask(ctx context.Context, group, name string, uid string) error
	// CancelMatching cancels every task whose Additionals carry the given
	// key/value, for callers that hold no task uid.
	CancelMatching(ctx context.Context, group, name string, key, value string) error
	WatchTasks(ctx context.Context, group, name string, onchange func(ctx context.Context, task *Task) error) error
}

var _ Client = &BackendClient{}

// BackendClient talks to the queue through a shared backend.
type BackendClient struct {
	backend Backend
}

func NewClientFromRedisClient(cli *redis.Client) *BackendClient {
	return NewClientFromBackend(NewRedisBackendFromClient(cli))
}

func NewClientFromBackend(backend Backend) *BackendClient {
	return &BackendClient{backend: backend}
}

func (c *BackendClient) SubmitTask(ctx context.Context, task Task) error {
	if task.Name == "" {
		return errors.New("empty task name")
	}
	task.CreationTimestamp = time.Now()
	if task.UID == "" {
		task.UID = uuid.New().String()
	}
	if task.Status == nil {
		task.Status = &TaskStatus{Status: TaskStatusPending}
	}
	content, err := json.Marshal(task)
	if err != nil {
		return err
	}

	taskkey := path.Join(task.Group, task.Name, task.UID)
	if err := c.backend.Put(ctx, taskkey, content); err != nil {
		return err
	}
	return c.backend.Pub(ctx, SubmitQueue, "", content)
}

func (c *BackendClient) ListTasks(ctx context.Context, group, name string) ([]Task, error) {
	kvs, err := c.backend.List(ctx, taskKeyPrefix(group, name))
	if err != nil {
		return nil, err
	}

	list := make([]Task, 0, len(kvs))
	for key, v := range kvs {
		if strings.HasPrefix(key, "cancel/") {
			// cancellation marks are not task records
			continue
		}
		task := Task{}
		_ = json.Unmarshal(v, &task)
		list = append(list, task)
	}

	// newest first
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreationTimestamp.After(list[j].CreationTimestamp)
	})
	return list, nil
}

func (c *BackendClient) RemoveTask(ctx context.Context, group, name string, uid string) error {
	if err := c.backend.Del(ctx, cancelMarkKey(group, name, uid)); err != nil {
		return err
	}
	return c.backend.Del(ctx, path.Join(group, name, uid))
}

func (c *BackendClient) CancelTask(ctx context.Context, group, name string, uid string) error {
	// The mark lives outside the task record so a concurrent server update
	// cannot overwrite it. The server observes it before running a step.
	if err := c.backend.Put(ctx, cancelMarkKey(group, name, uid), []byte("1"), 24*time.Hour); err != nil {
		return err
	}

	taskkey := path.Join(group, name, uid)
	content, err := c.backend.Get(ctx, taskkey)
	if err != nil || len(content) == 0 {
		return err
	}
	task := Task{}
	if err := json.Unmarshal(content, &task); err != nil {
		return err
	}
	if task.Status != nil {
		switch task.Status.Status {
		case TaskStatusSuccess, TaskStatusError, TaskStatusCanceled:
			return nil // already finished
		}
	}
	markStepsCanceled(task.Steps)
	task.Status = &TaskStatus{Status: TaskStatusCanceled, FinishTimestamp: time.Now(), Message: "canceled"}
	content, err = json.Marshal(task)
	if err != nil {
		return err
	}
	return c.backend.Put(ctx, taskkey, content)
}

func (c *BackendClient) CancelMatching(ctx context.Context, group, name string, key, value string) error {
	tasks, err := c.ListTasks(ctx, group, name)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Additionals[key] != value {
			continue
		}
		if err := c.CancelTask(ctx, task.Group, task.Name, task.UID); err != nil {
			return err
		}
	}
	return nil
}

func markStepsCanceled(steps []Step) {
	now := time.Now()
	for i := range steps {
		status := steps[i].Status
		if status == nil || status.Status == "" || status.Status == TaskStatusRunning || status.Status == TaskStatusPending {
			steps[i].Status = &TaskStatus{Status: TaskStatusCanceled, FinishTimestamp: now}
		}
		markStepsCanceled(steps[i].SubSteps)
	}
}

func (c *BackendClient) WatchTasks(ctx context.Context, group, name string, onchange func(ctx context.Context, task *Task) error) error {
	return c.backend.Watch(ctx, taskKeyPrefix(group, name), func(ctx context.Context, _ string, val []byte) error {
		task := &Task{}
		if err := json.Unmarshal(val, task); err != nil {
			return err
		}
		return onchange(ctx, task)
	})
}

func taskKeyPrefix(group, name string) string {
	if group == "" && name == "" {
		return ""
	}
	return path.Join(group, name) + "/"
}

func cancelMarkKey(group, name, uid string) string {
	return path.Join("cancel", group, name, uid)
}
