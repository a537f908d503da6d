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

// Package workflow is a small task queue on top of a queue+kv backend.
//
// A task is an ordered list of named steps. Submitting a task stores its
// record in the kv store and publishes it to the submit queue. A server
// consumes the queue, executes exactly one runnable step, persists the
// updated record and requeues the task, so a crashed worker loses at most
// the step that was in flight. Step functions are registered by name and
// invoked via reflection with JSON-decoded arguments.
//
// Tasks may carry a value between steps: the current carry is injected as
// the first non-context parameter of each step function, and a non-error
// return value replaces it. Step code can end the chain early through
// SkipRemaining, and clients can cancel a task; both are observed at the
// next requeue boundary.
package workflow
