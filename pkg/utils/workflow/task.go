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
	"encoding/json"
	"time"
)

// task records are stored under {group}/{task-name}/{uid}

type Task struct {
	UID               string            `json:"uid,omitempty"`
	Name              string            `json:"name,omitempty"`
	Group             string            `json:"group,omitempty"`
	Steps             []Step            `json:"steps,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitempty"`
	NotBefore         *time.Time        `json:"notBefore,omitempty"`   // do not start before this time
	Additionals       map[string]string `json:"additionals,omitempty"` // extra metadata, matchable by clients
	Carry             json.RawMessage   `json:"carry,omitempty"`       // value passed between steps
	Status            *TaskStatus       `json:"status,omitempty"`
}

type Step struct {
	Name     string        `json:"name,omitempty"`
	Function string        `json:"function,omitempty"` // registered function name
	Args     []interface{} `json:"args,omitempty"`     // arguments after the carry
	Timeout  time.Duration `json:"timeout,omitempty"`  // per step execution timeout
	SubSteps []Step        `json:"subSteps,omitempty"`
	Status   *TaskStatus   `json:"status,omitempty"`
}

// jsonArgsTask mirrors Task but defers argument decoding, the server binds
// raw args to the registered function's parameter types at execution time.
type jsonArgsTask struct {
	UID               string            `json:"uid,omitempty"`
	Name              string            `json:"name,omitempty"`
	Group             string            `json:"group,omitempty"`
	Steps             []*jsonArgsStep   `json:"steps,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitempty"`
	NotBefore         *time.Time        `json:"notBefore,omitempty"`
	Additionals       map[string]string `json:"additionals,omitempty"`
	Carry             json.RawMessage   `json:"carry,omitempty"`
	Status            TaskStatus        `json:"status,omitempty"`
}

type jsonArgsStep struct {
	Name     string            `json:"name,omitempty"`
	Function string            `json:"function,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
	SubSteps []*jsonArgsStep   `json:"subSteps,omitempty"`
	Status   TaskStatus        `json:"status,omitempty"`
}

func ArgsOf(args ...interface{}) []interface{} {
	return args
}

type TaskStatusCode string

const (
	TaskStatusPending  TaskStatusCode = "Pending"
	TaskStatusRunning  TaskStatusCode = "Running"
	TaskStatusSuccess  TaskStatusCode = "Success"
	TaskStatusError    TaskStatusCode = "Error"
	TaskStatusCanceled TaskStatusCode = "Canceled"
	TaskStatusSkipped  TaskStatusCode = "Skipped"
)

type TaskStatus struct {
	StartTimestamp  time.Time      `json:"startTimestamp,omitempty"`
	FinishTimestamp time.Time      `json:"finishTimestamp,omitempty"`
	Status          TaskStatusCode `json:"status,omitempty"`
	Result          []interface{}  `json:"result,omitempty"`
	Executer        string         `json:"executer,omitempty"`
	Message         string         `json:"message,omitempty"`
}
