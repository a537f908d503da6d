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

// Package provenance builds the tamper evident record of a submission run: a
// JSON-LD document of workspace arrangements and execution performances,
// sealed with a detached signature and a trusted timestamp.
package provenance

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type Options struct {
	ProfileFile string `json:"profileFile,omitempty" description:"json-ld profile describing the execution environment"`
	KeyFile     string `json:"keyFile,omitempty" description:"armored private key used for detached signatures"`
	Passphrase  string `json:"passphrase,omitempty" description:"passphrase of the signing key"`
	TSAURL      string `json:"tsaURL,omitempty" description:"timestamp authority endpoint, empty disables timestamping"`
}

func NewDefaultOptions() *Options {
	return &Options{
		ProfileFile: "config/tro_profile.json",
		KeyFile:     "config/signing_key.asc",
		Passphrase:  "",
		TSAURL:      "",
	}
}

// Recorder wraps document creation and sealing for pipeline steps. Steps do
// not share document state in memory, every step loads the persisted file.
type Recorder struct {
	opts *Options
	cli  *resty.Client
}

func NewRecorder(opts *Options) *Recorder {
	return &Recorder{opts: opts, cli: resty.New().SetTimeout(30 * time.Second)}
}

// DocumentPath returns the document sidecar name for a job under dir.
func DocumentPath(dir string, jobID uint) string {
	return filepath.Join(dir, fmt.Sprintf("tro-%d.jsonld", jobID))
}

// SidecarPath swaps the .jsonld suffix for ext, e.g. ".sig" or ".tsr".
func SidecarPath(docPath string, ext string) string {
	return strings.TrimSuffix(docPath, ".jsonld") + ext
}
