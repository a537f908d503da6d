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
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reprun.io/reprun/pkg/archive"
)

// Family describes one supported runtime, keyed by image repository prefix.
type Family struct {
	Prefix      string
	Entrypoint  []string
	MainExt     string
	SideChannel string
	Home        string
	StripExt    bool
}

var families = []Family{
	{
		Prefix:      "rocker",
		Entrypoint:  []string{"/usr/local/bin/R", "--no-save", "--no-restore", "-f"},
		MainExt:     ".R",
		SideChannel: ".Rout",
	},
	{
		Prefix:      "dataeditors/stata",
		Entrypoint:  []string{"/usr/local/stata/stata-mp", "-b", "do"},
		MainExt:     ".do",
		SideChannel: ".log",
	},
	{
		Prefix:     "dynare",
		Entrypoint: []string{"/usr/local/bin/matlab", "-batch"},
		MainExt:    ".m",
		Home:       "/home/matlab",
		StripExt:   true,
	},
}

// FamilyFor matches an image repository against the supported runtimes.
func FamilyFor(imageName string) (*Family, bool) {
	for i := range families {
		if strings.HasPrefix(imageName, families[i].Prefix) {
			return &families[i], true
		}
	}
	return nil, false
}

// IsStata reports whether the image runs the stata batch runtime, its exit
// code is unreliable and the log must be scanned.
func IsStata(imageRef string) bool {
	return strings.HasPrefix(imageRef, "dataeditors/stata")
}

// Invocation is the inferred way to run a stage: what to exec, from which
// workspace relative directory, and the home the runtime expects.
type Invocation struct {
	Family     *Family
	Entrypoint []string
	Command    string
	WorkDir    string
	Home       string
}

// InferCommand derives the stage invocation from the workspace content. The
// stage's main file is located anywhere under the workspace; without a named
// main file the family extension must match exactly one candidate.
func InferCommand(workspace string, stage Stage) (*Invocation, error) {
	family, ok := FamilyFor(stage.ImageName)
	if !ok {
		return nil, errors.New("unsupported runtime: cannot infer the entrypoint for submission")
	}

	mainRel, err := resolveMainFile(workspace, stage.MainFile, family.MainExt)
	if err != nil {
		return nil, err
	}

	workdir := filepath.Dir(mainRel)
	if workdir == "." {
		workdir = ""
	}
	command := filepath.Base(mainRel)

	// an renv.lock above the main file pins the R project root, the runtime
	// restores the library relative to it
	if family.MainExt == ".R" {
		if lockdir, ok := findLockAncestor(workspace, workdir); ok {
			rel, err := filepath.Rel(lockdir, mainRel)
			if err == nil {
				workdir = lockdir
				if workdir == "." {
					workdir = ""
				}
				command = filepath.ToSlash(rel)
			}
		}
	}

	if family.StripExt {
		command = strings.TrimSuffix(command, filepath.Ext(command))
	}
	if strings.Contains(command, " ") {
		command = `"` + command + `"`
	}

	home := ContainerHome
	if family.Home != "" {
		home = family.Home
	}
	return &Invocation{
		Family:     family,
		Entrypoint: family.Entrypoint,
		Command:    command,
		WorkDir:    filepath.ToSlash(workdir),
		Home:       home,
	}, nil
}

// resolveMainFile returns the workspace relative path of the stage entry
// file. A named main file picks the shallowest match, an empty name requires
// exactly one file with the family extension.
func resolveMainFile(workspace string, mainFile string, ext string) (string, error) {
	match := func(name string) bool { return name == mainFile }
	label := mainFile
	if mainFile == "" {
		match = func(name string) bool { return filepath.Ext(name) == ext }
		label = "*" + ext
	}

	candidates := []string{}
	err := filepath.Walk(workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != workspace && archive.IsIgnoredDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if match(info.Name()) {
			rel, err := filepath.Rel(workspace, path)
			if err != nil {
				return err
			}
			candidates = append(candidates, rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	switch {
	case len(candidates) == 0:
		return "", &MainFileNotFoundError{MainFile: label}
	case len(candidates) == 1:
		return candidates[0], nil
	case mainFile == "":
		sort.Strings(candidates)
		return "", &AmbiguousMainFileError{MainFile: label, Candidates: candidates}
	}
	// several files carry the stage's name, the shallowest one is the entry
	sort.Slice(candidates, func(i, j int) bool {
		di := strings.Count(candidates[i], string(filepath.Separator))
		dj := strings.Count(candidates[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], nil
}

// findLockAncestor walks from the main file's directory up to the workspace
// root looking for renv.lock, returning the deepest directory holding one.
func findLockAncestor(workspace string, workdir string) (string, bool) {
	dir := workdir
	for {
		if _, err := os.Stat(filepath.Join(workspace, dir, "renv.lock")); err == nil {
			return dir, true
		}
		if dir == "" || dir == "." {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == "." {
			parent = ""
		}
		dir = parent
	}
}
