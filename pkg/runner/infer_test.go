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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildWorkspace(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("content\n"), 0o644))
	}
	return dir
}

func TestInferCommand(t *testing.T) {
	tests := []struct {
		name        string
		files       []string
		stage       Stage
		wantCommand string
		wantWorkDir string
		wantHome    string
	}{
		{
			name:        "main file at root without lock file",
			files:       []string{"main.R"},
			stage:       Stage{ImageName: "rocker/r-ver", MainFile: "main.R"},
			wantCommand: "main.R",
			wantWorkDir: "",
			wantHome:    ContainerHome,
		},
		{
			name:        "nested main file sets its directory as workdir",
			files:       []string{"code/main.R"},
			stage:       Stage{ImageName: "rocker/r-ver", MainFile: "main.R"},
			wantCommand: "main.R",
			wantWorkDir: "code",
			wantHome:    ContainerHome,
		},
		{
			name:        "renv lock at root pins the project root",
			files:       []string{"code/main.R", "renv.lock"},
			stage:       Stage{ImageName: "rocker/r-ver", MainFile: "main.R"},
			wantCommand: "code/main.R",
			wantWorkDir: "",
			wantHome:    ContainerHome,
		},
		{
			name:        "renv lock in an intermediate ancestor",
			files:       []string{"project/renv.lock", "project/code/main.R"},
			stage:       Stage{ImageName: "rocker/r-ver", MainFile: "main.R"},
			wantCommand: "code/main.R",
			wantWorkDir: "project",
			wantHome:    ContainerHome,
		},
		{
			name:        "stata keeps its extension",
			files:       []string{"main.do"},
			stage:       Stage{ImageName: "dataeditors/stata18", MainFile: "main.do"},
			wantCommand: "main.do",
			wantWorkDir: "",
			wantHome:    ContainerHome,
		},
		{
			name:        "matlab strips the extension and overrides home",
			files:       []string{"run_model.m"},
			stage:       Stage{ImageName: "dynare/dynare", MainFile: "run_model.m"},
			wantCommand: "run_model",
			wantWorkDir: "",
			wantHome:    "/home/matlab",
		},
		{
			name:        "spaces are quoted",
			files:       []string{"my main.R"},
			stage:       Stage{ImageName: "rocker/r-ver", MainFile: "my main.R"},
			wantCommand: `"my main.R"`,
			wantWorkDir: "",
			wantHome:    ContainerHome,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := buildWorkspace(t, tt.files...)
			inv, err := InferCommand(dir, tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCommand, inv.Command)
			assert.Equal(t, tt.wantWorkDir, inv.WorkDir)
			assert.Equal(t, tt.wantHome, inv.Home)
		})
	}
}

func TestInferCommand_UnsupportedRuntime(t *testing.T) {
	dir := buildWorkspace(t, "main.py")
	_, err := InferCommand(dir, Stage{ImageName: "python", MainFile: "main.py"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported runtime")
}

func TestInferCommand_MainFileNotFound(t *testing.T) {
	dir := buildWorkspace(t, "other.R")
	_, err := InferCommand(dir, Stage{ImageName: "rocker/r-ver", MainFile: "main.R"})
	notFound := &MainFileNotFoundError{}
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "main.R", notFound.MainFile)
}

func TestInferCommand_NamedDuplicatesPickShallowest(t *testing.T) {
	dir := buildWorkspace(t, "main.R", "archive/main.R")
	inv, err := InferCommand(dir, Stage{ImageName: "rocker/r-ver", MainFile: "main.R"})
	require.NoError(t, err)
	assert.Equal(t, "main.R", inv.Command)
	assert.Equal(t, "", inv.WorkDir)
}

func TestInferCommand_AmbiguousWithoutName(t *testing.T) {
	dir := buildWorkspace(t, "a.R", "b.R")
	_, err := InferCommand(dir, Stage{ImageName: "rocker/r-ver"})
	ambiguous := &AmbiguousMainFileError{}
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"a.R", "b.R"}, ambiguous.Candidates)
}

func TestInferCommand_UnnamedSingleCandidate(t *testing.T) {
	dir := buildWorkspace(t, "analysis/run.R")
	inv, err := InferCommand(dir, Stage{ImageName: "rocker/r-ver"})
	require.NoError(t, err)
	assert.Equal(t, "run.R", inv.Command)
	assert.Equal(t, "analysis", inv.WorkDir)
}

func TestInferCommand_IgnoredDirsAreSkipped(t *testing.T) {
	dir := buildWorkspace(t, "main.R", ".git/main.R")
	inv, err := InferCommand(dir, Stage{ImageName: "rocker/r-ver", MainFile: "main.R"})
	require.NoError(t, err)
	assert.Equal(t, "main.R", inv.Command)
}
