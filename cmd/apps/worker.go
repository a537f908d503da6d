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

package apps

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"reprun.io/reprun/pkg/utils/config"
	"reprun.io/reprun/pkg/version"
	"reprun.io/reprun/pkg/worker"
)

func NewWorkerCmd() *cobra.Command {
	options := worker.DefaultOptions()
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "run the submission pipeline worker",
		SilenceUsage: true,
		Version:      version.Get().String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return worker.Run(ctx, options)
		},
	}
	cmd.AddCommand(newGenWorkerCfgCmd())
	config.AutoRegisterFlags(cmd.Flags(), "", options)
	return cmd
}

func newGenWorkerCfgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gencfg",
		Short: "generate config template",
		Run: func(_ *cobra.Command, _ []string) {
			config.GenerateConfig(worker.DefaultOptions())
		},
	}
}
