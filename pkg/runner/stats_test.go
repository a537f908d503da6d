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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(read time.Time, cpuTotal, preTotal, system, preSystem uint64, cpus uint32, memUsage, memLimit uint64) *types.StatsJSON {
	s := &types.StatsJSON{}
	s.Read = read
	s.CPUStats.CPUUsage.TotalUsage = cpuTotal
	s.CPUStats.SystemUsage = system
	s.CPUStats.OnlineCPUs = cpus
	s.PreCPUStats.CPUUsage.TotalUsage = preTotal
	s.PreCPUStats.SystemUsage = preSystem
	s.MemoryStats.Usage = memUsage
	s.MemoryStats.Limit = memLimit
	s.Networks = map[string]types.NetworkStats{
		"eth0": {RxBytes: 1000, TxBytes: 2000},
		"eth1": {RxBytes: 500, TxBytes: 500},
	}
	s.BlkioStats.IoServiceBytesRecursive = []types.BlkioStatEntry{
		{Op: "Read", Value: 4096},
		{Op: "Write", Value: 8192},
		{Op: "Read", Value: 4096},
	}
	s.PidsStats.Current = 3
	return s
}

func TestCPUPercent(t *testing.T) {
	read := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    *types.StatsJSON
		want float64
	}{
		{
			name: "half of one cpu across four",
			s:    sample(read, 150, 100, 1100, 1000, 4, 0, 0),
			want: 200,
		},
		{
			name: "zero system delta",
			s:    sample(read, 150, 100, 1000, 1000, 4, 0, 0),
			want: 0,
		},
		{
			name: "missing online cpus counts as one",
			s:    sample(read, 150, 100, 1100, 1000, 0, 0, 0),
			want: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cpuPercent(tt.s), 0.001)
		})
	}
}

func TestNetworkAndBlkioSums(t *testing.T) {
	s := sample(time.Now(), 0, 0, 0, 0, 1, 0, 0)
	rx, tx := networkBytes(s)
	assert.Equal(t, uint64(1500), rx)
	assert.Equal(t, uint64(2500), tx)
	rd, wr := blkioBytes(s)
	assert.Equal(t, uint64(8192), rd)
	assert.Equal(t, uint64(8192), wr)
}

func TestStatsCollector_WritesBothFormats(t *testing.T) {
	read := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	api := newFakeDocker()
	api.stats = []*types.StatsJSON{
		sample(read, 150, 100, 1100, 1000, 2, 512*1024*1024, 2*1024*1024*1024),
		// zero read with a stopped container ends sampling
		sample(time.Time{}, 0, 0, 0, 0, 0, 0, 0),
	}

	out := filepath.Join(t.TempDir(), "dockerstats")
	collector := NewStatsCollector(api, "cid-1", out, time.Millisecond)
	require.NoError(t, collector.Start(context.Background()))
	collector.Wait()

	human, err := os.ReadFile(out)
	require.NoError(t, err)
	line := string(human)
	// memory binary, network/blkio decimal
	assert.Contains(t, line, "100.00%")
	assert.Contains(t, line, "512 MiB / 2.0 GiB")
	assert.Contains(t, line, "1.5 kB / 2.5 kB")
	assert.Contains(t, line, "8.2 kB / 8.2 kB")
	assert.True(t, strings.HasSuffix(strings.TrimRight(line, "\n"), ", 3"))

	csvContent, err := os.ReadFile(collector.CSVPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvContent)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.TrimSpace(statsCSVHeader), lines[0])
	assert.Contains(t, lines[1], ",100.00,536870912,2147483648,1500,2500,8192,8192,3")
}

func TestStatsCollector_ZeroReadForcesStateCheck(t *testing.T) {
	api := newFakeDocker()
	api.running = true
	api.stats = []*types.StatsJSON{
		sample(time.Time{}, 0, 0, 0, 0, 0, 0, 0),
		sample(time.Date(2024, 6, 1, 10, 0, 5, 0, time.UTC), 150, 100, 1100, 1000, 1, 1024, 4096),
	}

	out := filepath.Join(t.TempDir(), "dockerstats")
	collector := NewStatsCollector(api, "cid-1", out, time.Millisecond)
	require.NoError(t, collector.Start(context.Background()))
	collector.Wait()

	// the zero read sample was skipped, not recorded; the fresh one was
	human, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(human), "\n"))
}

func TestParseStatsPeaks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	content := statsCSVHeader +
		`"2024-06-01T10:00:00Z",12.50,1048576,4194304,0,0,0,0,2` + "\n" +
		`"2024-06-01T10:00:05Z",87.25,2097152,4194304,0,0,0,0,2` + "\n" +
		`"2024-06-01T10:00:10Z",40.00,524288,4194304,0,0,0,0,2` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	peaks, err := ParseStatsPeaks(path)
	require.NoError(t, err)
	assert.InDelta(t, 87.25, peaks.MaxCPUPercent, 0.001)
	assert.Equal(t, uint64(2097152), peaks.MaxMemoryUsage)
}
