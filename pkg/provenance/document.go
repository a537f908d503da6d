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

package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"reprun.io/reprun/pkg/archive"
)

const (
	documentType    = "trov:TransparentResearchObject"
	arrangementType = "trov:ArtifactArrangement"
	locusType       = "trov:ArtifactLocus"
	performanceType = "trov:TrustedResearchPerformance"

	createdBy = "reprun.io/reprun"
)

// CapInternetIsolation is the capability recorded when nothing else was
// declared for a stage.
const CapInternetIsolation = "trov:InternetIsolation"

// Document is the evolving provenance record. Field order fixes the JSON key
// order, verification tooling diffs serialized documents.
type Document struct {
	Context      map[string]string `json:"@context"`
	ID           string            `json:"@id"`
	Type         string            `json:"@type"`
	CreatedBy    string            `json:"trov:createdBy"`
	CreatedDate  string            `json:"trov:createdDate"`
	Name         string            `json:"trov:name"`
	Description  string            `json:"trov:description"`
	Profile      json.RawMessage   `json:"trov:hasProfile,omitempty"`
	Arrangements []Arrangement     `json:"trov:hasArrangement"`
	Performances []Performance     `json:"trov:hasPerformance"`
}

// Arrangement snapshots the workspace tree at one point of the run.
type Arrangement struct {
	ID      string  `json:"@id"`
	Type    string  `json:"@type"`
	Comment string  `json:"rdfs:comment"`
	Loci    []Locus `json:"trov:hasLocus"`
}

// Locus is one file of an arrangement, located by its workspace relative
// path.
type Locus struct {
	ID       string `json:"@id"`
	Type     string `json:"@type"`
	Location string `json:"trov:hasLocation"`
	SHA256   string `json:"trov:sha256"`
}

// Performance describes one stage execution interval and the arrangement
// transition it caused.
type Performance struct {
	ID         string                 `json:"@id"`
	Type       string                 `json:"@type"`
	Comment    string                 `json:"rdfs:comment"`
	StartedAt  string                 `json:"trov:startedAtTime"`
	EndedAt    string                 `json:"trov:endedAtTime"`
	Accessed   string                 `json:"trov:accessedArrangement"`
	Modified   string                 `json:"trov:modifiedArrangement"`
	Caps       []string               `json:"trov:hadCapability"`
	Attributes map[string]interface{} `json:"trov:hasAttribute,omitempty"`
}

func defaultContext() map[string]string {
	return map[string]string{
		"trov": "https://w3id.org/trov#",
		"rdfs": "http://www.w3.org/2000/01/rdf-schema#",
	}
}

// NewDocument starts a fresh record named after the submission folder.
func NewDocument(name string, description string, profile json.RawMessage) *Document {
	return &Document{
		Context:      defaultContext(),
		ID:           "tro",
		Type:         documentType,
		CreatedBy:    createdBy,
		CreatedDate:  time.Now().UTC().Format(time.RFC3339),
		Name:         name,
		Description:  description,
		Profile:      profile,
		Arrangements: []Arrangement{},
		Performances: []Performance{},
	}
}

// Load reads a previously saved document.
func Load(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load provenance document: %w", err)
	}
	doc := &Document{}
	if err := json.Unmarshal(content, doc); err != nil {
		return nil, fmt.Errorf("parse provenance document: %w", err)
	}
	return doc, nil
}

// LoadOrCreate loads path when it exists, otherwise starts a fresh document
// with the profile file of the recorder options.
func (r *Recorder) LoadOrCreate(path string, name string, description string) (*Document, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	var profile json.RawMessage
	if r.opts.ProfileFile != "" {
		content, err := os.ReadFile(r.opts.ProfileFile)
		if err != nil {
			return nil, fmt.Errorf("read provenance profile: %w", err)
		}
		profile = content
	}
	return NewDocument(name, description, profile), nil
}

// Save writes the document with a stable serialization.
func (d *Document) Save(path string) error {
	content, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(content, '\n'), 0o644)
}

func (d *Document) ListArrangements() []Arrangement {
	return d.Arrangements
}

// AddArrangement appends a snapshot of root as the next arrangement. The
// initial snapshot follows symlinks to hash what was submitted, later
// snapshots record links as links so the record shows what execution
// produced.
func (d *Document) AddArrangement(root string, comment string, resolveSymlinks bool) error {
	loci, err := snapshotTree(root, resolveSymlinks)
	if err != nil {
		return fmt.Errorf("snapshot workspace: %w", err)
	}
	id := fmt.Sprintf("arrangement/%d", len(d.Arrangements))
	for i := range loci {
		loci[i].ID = fmt.Sprintf("%s/locus/%d", id, i)
		loci[i].Type = locusType
	}
	d.Arrangements = append(d.Arrangements, Arrangement{
		ID:      id,
		Type:    arrangementType,
		Comment: comment,
		Loci:    loci,
	})
	return nil
}

// AddPerformance links arrangement stage -> stage+1 for one executed stage.
func (d *Document) AddPerformance(stage int, start, end time.Time, comment string, caps []string, attrs map[string]interface{}) {
	if len(caps) == 0 {
		caps = []string{CapInternetIsolation}
	}
	d.Performances = append(d.Performances, Performance{
		ID:         fmt.Sprintf("performance/%d", len(d.Performances)),
		Type:       performanceType,
		Comment:    comment,
		StartedAt:  start.UTC().Format(time.RFC3339),
		EndedAt:    end.UTC().Format(time.RFC3339),
		Accessed:   fmt.Sprintf("arrangement/%d", stage),
		Modified:   fmt.Sprintf("arrangement/%d", stage+1),
		Caps:       caps,
		Attributes: attrs,
	})
}

func snapshotTree(root string, resolveSymlinks bool) ([]Locus, error) {
	loci := []Locus{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && archive.IsIgnoredDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashEntry(path, info, resolveSymlinks)
		if err != nil {
			return err
		}
		if sum == "" {
			return nil
		}
		loci = append(loci, Locus{Location: filepath.ToSlash(rel), SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loci, nil
}

func hashEntry(path string, info os.FileInfo, resolveSymlinks bool) (string, error) {
	if info.Mode()&os.ModeSymlink != 0 {
		if !resolveSymlinks {
			target, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			sum := sha256.Sum256([]byte(target))
			return hex.EncodeToString(sum[:]), nil
		}
		resolved, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		if resolved.IsDir() {
			return "", nil
		}
	}
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
