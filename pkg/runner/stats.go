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
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/dustin/go-humanize"

	"reprun.io/reprun/pkg/log"
)

const statsCSVHeader = "Timestamp,CPU %,Memory Usage,Memory Limit,Network RX,Network TX,Block IO Read,Block IO Write,PIDs\n"

// StatsCollector samples container statistics on an interval while the stage
// runs, appending one human readable line and one raw byte CSV row per
// sample. The human file becomes the dockerstats artifact, the CSV is parsed
// back for peak values at stage end.
type StatsCollector struct {
	api         DockerAPI
	containerID string
	humanPath   string
	interval    time.Duration
	done        chan struct{}
}

func NewStatsCollector(api DockerAPI, containerID string, outputPath string, interval time.Duration) *StatsCollector {
	return &StatsCollector{
		api:         api,
		containerID: containerID,
		humanPath:   outputPath,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (c *StatsCollector) CSVPath() string {
	return c.humanPath + ".csv"
}

// Start launches the sampler. Wait blocks until the container leaves the
// running state or ctx ends.
func (c *StatsCollector) Start(ctx context.Context) error {
	if err := os.WriteFile(c.CSVPath(), []byte(statsCSVHeader), 0o644); err != nil {
		return err
	}
	go c.run(ctx)
	return nil
}

func (c *StatsCollector) Wait() {
	<-c.done
}

func (c *StatsCollector) run(ctx context.Context) {
	defer close(c.done)
	for {
		sample, err := c.api.StatsOneShot(ctx, c.containerID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.V(3).Info("container stats sample failed", "container", c.containerID, "err", err)
			}
			return
		}

		// a zero read timestamp means the daemon has no fresh data, the
		// container state decides whether sampling is over
		if c.finished(ctx, sample.Read) {
			return
		}
		if !sample.Read.IsZero() {
			if err := c.append(sample); err != nil {
				log.V(3).Info("container stats append failed", "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

func (c *StatsCollector) finished(ctx context.Context, read time.Time) bool {
	if !read.IsZero() {
		return false
	}
	state, err := c.api.InspectContainer(ctx, c.containerID)
	if err != nil {
		return true
	}
	return !state.Running()
}

func (c *StatsCollector) append(d *types.StatsJSON) error {
	ts := d.Read.UTC().Format(time.RFC3339Nano)
	cpu := cpuPercent(d)
	memUsage, memLimit := memoryBytes(d)
	rx, tx := networkBytes(d)
	rd, wr := blkioBytes(d)
	pids := d.PidsStats.Current

	// memory in binary units, network and block io in decimal units
	line := fmt.Sprintf("%s - %.2f%%, %s / %s, %s / %s, %s / %s, %d\n",
		ts, cpu,
		humanize.IBytes(memUsage), humanize.IBytes(memLimit),
		humanize.Bytes(rx), humanize.Bytes(tx),
		humanize.Bytes(rd), humanize.Bytes(wr),
		pids)
	if err := appendFile(c.humanPath, line); err != nil {
		return err
	}

	csvLine := fmt.Sprintf("%q,%.2f,%d,%d,%d,%d,%d,%d,%d\n",
		ts, cpu, memUsage, memLimit, rx, tx, rd, wr, pids)
	return appendFile(c.CSVPath(), csvLine)
}

func appendFile(path string, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func cpuPercent(d *types.StatsJSON) float64 {
	cpus := d.CPUStats.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	cpuDelta := float64(d.CPUStats.CPUUsage.TotalUsage) - float64(d.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(d.CPUStats.SystemUsage) - float64(d.PreCPUStats.SystemUsage)
	if systemDelta <= 0 {
		return 0
	}
	return cpuDelta / systemDelta * 100 * float64(cpus)
}

func memoryBytes(d *types.StatsJSON) (usage, limit uint64) {
	return d.MemoryStats.Usage, d.MemoryStats.Limit
}

func networkBytes(d *types.StatsJSON) (rx, tx uint64) {
	for _, net := range d.Networks {
		rx += net.RxBytes
		tx += net.TxBytes
	}
	return rx, tx
}

func blkioBytes(d *types.StatsJSON) (read, write uint64) {
	for _, entry := range d.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "Read", "read":
			read += entry.Value
		case "Write", "write":
			write += entry.Value
		}
	}
	return read, write
}

// StatsPeaks carries the per stage maxima extracted from the CSV series.
type StatsPeaks struct {
	MaxCPUPercent  float64
	MaxMemoryUsage uint64
}

// ParseStatsPeaks reads the sampler's CSV back and extracts the peak CPU
// percentage and peak memory usage.
func ParseStatsPeaks(csvPath string) (StatsPeaks, error) {
	peaks := StatsPeaks{}
	f, err := os.Open(csvPath)
	if err != nil {
		return peaks, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return peaks, err
	}
	for i, row := range rows {
		if i == 0 || len(row) < 3 {
			continue
		}
		if cpu, err := strconv.ParseFloat(row[1], 64); err == nil && cpu > peaks.MaxCPUPercent {
			peaks.MaxCPUPercent = cpu
		}
		if mem, err := strconv.ParseUint(row[2], 10, 64); err == nil && mem > peaks.MaxMemoryUsage {
			peaks.MaxMemoryUsage = mem
		}
	}
	return peaks, nil
}
