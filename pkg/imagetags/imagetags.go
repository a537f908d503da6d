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

// Package imagetags maintains the catalog of container images a submission
// may reference, published as a YAML document and cached on disk.
package imagetags

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"reprun.io/reprun/pkg/log"
)

type Options struct {
	URL       string        `json:"url,omitempty" description:"url of the allowed images yaml document"`
	CacheFile string        `json:"cacheFile,omitempty" description:"path of the on disk tag cache"`
	TTL       time.Duration `json:"ttl,omitempty" description:"how long the cached tags stay fresh"`
}

func NewDefaultOptions() *Options {
	return &Options{
		URL:       "https://raw.githubusercontent.com/reprun/image-allowlist/main/allowed_repos.yaml",
		CacheFile: "data/imagetags.json",
		TTL:       4 * time.Hour,
	}
}

// Ref names the container image of one workflow stage.
type Ref struct {
	Name string
	Tag  string
}

func (r Ref) String() string {
	return r.Name + ":" + r.Tag
}

// ValidationError reports a stage image absent from the allowed catalog.
type ValidationError struct {
	Ref string
}

func (e *ValidationError) Error() string {
	return "invalid image: " + e.Ref
}

type Client struct {
	opts *Options
	cli  *resty.Client
}

func NewClient(opts *Options) *Client {
	return &Client{opts: opts, cli: resty.New().SetTimeout(10 * time.Second)}
}

// List returns repositories mapped to their tags, newest first. The on disk
// cache is served while fresh; when a refresh fails the stale cache keeps
// serving.
func (c *Client) List(ctx context.Context) (map[string][]string, error) {
	if info, err := os.Stat(c.opts.CacheFile); err == nil && time.Since(info.ModTime()) < c.opts.TTL {
		return c.readCache()
	}
	if err := c.Refresh(ctx); err != nil {
		tags, cacheErr := c.readCache()
		if cacheErr != nil {
			return nil, err
		}
		log.Warnf("image tags refresh failed, serving cached tags: %v", err)
		return tags, nil
	}
	return c.readCache()
}

// Refresh fetches the published document and rewrites the cache.
func (c *Client) Refresh(ctx context.Context) error {
	resp, err := c.cli.R().SetContext(ctx).Get(c.opts.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("fetch image tags: %s", resp.Status())
	}
	tags := map[string][]string{}
	if err := yaml.Unmarshal(resp.Body(), &tags); err != nil {
		return fmt.Errorf("parse image tags: %w", err)
	}
	for repo := range tags {
		sortTags(tags[repo])
	}
	return c.writeCache(tags)
}

// Validate checks every stage image against the allowed catalog, failing on
// the first reference outside it.
func (c *Client) Validate(ctx context.Context, refs ...Ref) error {
	tags, err := c.List(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if !containsTag(tags[ref.Name], ref.Tag) {
			return &ValidationError{Ref: ref.String()}
		}
	}
	return nil
}

func (c *Client) readCache() (map[string][]string, error) {
	content, err := os.ReadFile(c.opts.CacheFile)
	if err != nil {
		return nil, err
	}
	tags := map[string][]string{}
	if err := json.Unmarshal(content, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (c *Client) writeCache(tags map[string][]string) error {
	content, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.CacheFile), 0o755); err != nil {
		return err
	}
	// rename so a concurrent reader never sees a partial file
	tmp := c.opts.CacheFile + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.opts.CacheFile)
}

// sortTags orders tags descending by version, tags that do not parse as a
// version sort last in name order.
func sortTags(tags []string) {
	sort.SliceStable(tags, func(i, j int) bool {
		vi, erri := version.NewVersion(tags[i])
		vj, errj := version.NewVersion(tags[j])
		switch {
		case erri == nil && errj == nil:
			return vi.GreaterThan(vj)
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return tags[i] < tags[j]
		}
	})
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
