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

package worker

import (
	"reprun.io/reprun/pkg/imagetags"
	"reprun.io/reprun/pkg/pipeline"
	"reprun.io/reprun/pkg/provenance"
	"reprun.io/reprun/pkg/runner"
	"reprun.io/reprun/pkg/storage"
	"reprun.io/reprun/pkg/utils/database"
	"reprun.io/reprun/pkg/utils/prometheus/exporter"
	"reprun.io/reprun/pkg/utils/redis"
)

type Options struct {
	LogLevel   string                    `json:"logLevel,omitempty" description:"log level"`
	Mysql      *database.Options         `json:"mysql,omitempty"`
	Redis      *redis.Options            `json:"redis,omitempty"`
	Storage    *storage.Options          `json:"storage,omitempty"`
	Runner     *runner.Options           `json:"runner,omitempty"`
	Provenance *provenance.Options       `json:"provenance,omitempty"`
	Imagetags  *imagetags.Options        `json:"imagetags,omitempty"`
	Pipeline   *pipeline.Options         `json:"pipeline,omitempty"`
	Exporter   *exporter.ExporterOptions `json:"exporter,omitempty"`
}

func DefaultOptions() *Options {
	return &Options{
		LogLevel:   "info",
		Mysql:      database.NewDefaultOptions(),
		Redis:      redis.NewDefaultOptions(),
		Storage:    storage.NewDefaultOptions(),
		Runner:     runner.NewDefaultOptions(),
		Provenance: provenance.NewDefaultOptions(),
		Imagetags:  imagetags.NewDefaultOptions(),
		Pipeline:   pipeline.NewDefaultOptions(),
		Exporter:   exporter.DefaultExporterOptions(),
	}
}
