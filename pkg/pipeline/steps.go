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

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"reprun.io/reprun/pkg/archive"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/logstream"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/provenance"
	"reprun.io/reprun/pkg/runner"
	"reprun.io/reprun/pkg/utils/workflow"
)

// prepare creates the submission folder, moves the uploaded archive into it
// and stamps the folder metadata.
func (p *Pipeline) prepare(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
	folder, err := p.store.CreateRandomFolder(ctx, p.opts.SubmissionsFolderID, c.UserID)
	if err != nil {
		return c, fmt.Errorf("create submission folder: %w", err)
	}
	file, err := p.store.GetFileRecord(ctx, c.FileID)
	if err != nil {
		return c, fmt.Errorf("load uploaded file: %w", err)
	}
	if err := p.store.MoveFile(ctx, file, folder); err != nil {
		return c, fmt.Errorf("move uploaded file: %w", err)
	}
	if err := p.store.SetFolderMeta(ctx, folder, map[string]interface{}{
		models.MetaStages:    c.Stages,
		models.MetaStatus:    "submitted",
		models.MetaJobID:     c.JobID,
		models.MetaCreatorID: c.UserID,
	}); err != nil {
		return c, fmt.Errorf("stamp folder metadata: %w", err)
	}
	c.FolderID = folder.ID
	return c, nil
}

// createWorkspace stages the uploaded archive into a scratch directory and
// schedules the retention cleanup of the submission folder.
func (p *Pipeline) createWorkspace(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
	if err := p.store.UpdateJob(ctx, job, "Creating workspace from source folder.", models.JobStatusRunning); err != nil {
		return c, err
	}

	if err := os.MkdirAll(p.workspaceRoot, 0o755); err != nil {
		return c, err
	}
	dir := filepath.Join(p.workspaceRoot, fmt.Sprintf("workspace-%d", c.FolderID))
	// a pre-existing dir means a duplicate delivery, refuse to mix trees
	if err := os.Mkdir(dir, 0o755); err != nil {
		return c, fmt.Errorf("create workspace dir: %w", err)
	}

	file, err := p.store.GetFileRecord(ctx, c.FileID)
	if err != nil {
		return c, fmt.Errorf("load uploaded file: %w", err)
	}
	archivePath := filepath.Join(dir, file.Name)
	if err := p.downloadTo(ctx, file, archivePath); err != nil {
		return c, fmt.Errorf("download archive: %w", err)
	}
	if err := archive.Extract(archivePath, dir); err != nil {
		return c, err
	}
	if err := os.Remove(archivePath); err != nil {
		return c, err
	}
	c.TempDir = dir

	// retention runs regardless of how the pipeline ends, the cron sweeper
	// backstops a lost schedule
	if err := p.scheduleCleanup(ctx, c.FolderID); err != nil {
		log.Warnf("schedule retention cleanup of folder %d: %v", c.FolderID, err)
	}
	return c, nil
}

// recordArrangement snapshots the workspace into the provenance document.
// The first arrangement resolves symlinks to hash what was submitted, later
// ones record links as links. The document is saved and re-uploaded even when
// snapshotting failed, partial provenance survives for forensics.
func (p *Pipeline) recordArrangement(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
	if err := p.store.UpdateJob(ctx, job, "Updating provenance record. (add_arrangement)", models.JobStatusRunning); err != nil {
		return c, err
	}
	doc, docPath, file, err := p.loadDocument(ctx, c)
	if err != nil {
		return c, err
	}

	initial := len(doc.ListArrangements()) == 0
	comment := "After executing workflow"
	if initial {
		comment = "Before executing workflow"
	}
	addErr := doc.AddArrangement(c.TempDir, comment, initial)
	c, saveErr := p.saveDocument(ctx, c, doc, docPath, file)
	if addErr != nil {
		return c, addErr
	}
	return c, saveErr
}

// executeStage runs one container stage with telemetry and live log
// publishing. Cancellation observed by the engine severs the remaining steps,
// it is not an error.
func (p *Pipeline) executeStage(ctx context.Context, job *models.Job, c Carry, stage int) (Carry, error) {
	if stage < 0 || stage >= len(c.Stages) {
		return c, fmt.Errorf("stage index %d out of range, submission has %d stages", stage, len(c.Stages))
	}
	if err := p.store.UpdateJob(ctx, job, "Executing workflow on workspace.", models.JobStatusRunning); err != nil {
		return c, err
	}
	folder, err := p.store.GetFolder(ctx, c.FolderID)
	if err != nil {
		return c, err
	}

	var publish runner.LinePublisher = runner.NopPublisher{}
	if p.rdb != nil {
		publish = logstream.NewPublisher(p.rdb, c.UserID)
	}
	canceled := func(ctx context.Context) bool {
		current, err := p.store.GetJob(ctx, c.JobID)
		return err == nil && current.Status == models.JobStatusCanceled
	}

	start := time.Now()
	result, err := p.engine.RecordedRun(ctx, runner.RunSpec{
		JobID:     c.JobID,
		StageNum:  stage + 1,
		Stage:     c.Stages[stage],
		Workspace: c.TempDir,
	}, &folderSink{store: p.store, folder: folder}, publish, canceled)
	if err != nil {
		return c, err
	}
	if result.Outcome == runner.OutcomeCancelled {
		workflow.SkipRemaining(ctx)
		return Carry{JobID: c.JobID}, nil
	}
	if result.ExitCode != 0 {
		return c, fmt.Errorf("stage execution failed with code %d", result.ExitCode)
	}
	c.RunStartTime = start.UTC().Format(time.RFC3339)
	c.RunEndTime = time.Now().UTC().Format(time.RFC3339)
	c.RunCaps = nil
	return c, nil
}

// recordPerformance links the pre and post arrangements of one stage with the
// recorded execution interval.
func (p *Pipeline) recordPerformance(ctx context.Context, job *models.Job, c Carry, stage int) (Carry, error) {
	if err := p.store.UpdateJob(ctx, job, "Updating provenance record. (add_performance)", models.JobStatusRunning); err != nil {
		return c, err
	}
	doc, docPath, file, err := p.loadDocument(ctx, c)
	if err != nil {
		return c, err
	}
	start, err := time.Parse(time.RFC3339, c.RunStartTime)
	if err != nil {
		return c, fmt.Errorf("parse run start time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.RunEndTime)
	if err != nil {
		return c, fmt.Errorf("parse run end time: %w", err)
	}
	mainFile := ""
	if stage >= 0 && stage < len(c.Stages) {
		mainFile = c.Stages[stage].MainFile
	}
	doc.AddPerformance(stage, start, end, fmt.Sprintf("Workflow execution (%s)", mainFile), c.RunCaps, nil)
	return p.saveDocument(ctx, c, doc, docPath, file)
}

// seal signs the final document and requests the trusted timestamp, uploading
// whatever sidecars were produced even when a later sealing stage failed.
func (p *Pipeline) seal(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
	if err := p.store.UpdateJob(ctx, job, "Updating provenance record. (seal)", models.JobStatusRunning); err != nil {
		return c, err
	}
	doc, docPath, file, err := p.loadDocument(ctx, c)
	if err != nil {
		return c, err
	}
	sigPath, tsrPath, sealErr := p.recorder.Seal(ctx, doc, docPath)

	// Seal persisted the document before signing, keep the record current
	c, saveErr := p.saveDocument(ctx, c, doc, docPath, file)
	folder, folderErr := p.store.GetFolder(ctx, c.FolderID)
	if folderErr != nil {
		return c, folderErr
	}
	for artifact, path := range map[string]string{"sig": sigPath, "tsr": tsrPath} {
		if path == "" {
			continue
		}
		if err := p.uploadArtifact(ctx, folder, artifact, path); err != nil {
			return c, err
		}
	}
	if sealErr != nil {
		return c, sealErr
	}
	return c, saveErr
}

// packageWorkspace zips the executed workspace with the provenance sidecars
// under tro/ and uploads the result.
func (p *Pipeline) packageWorkspace(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
	if err := p.store.UpdateJob(ctx, job, "Uploading executed replication package.", models.JobStatusRunning); err != nil {
		return c, err
	}
	folder, err := p.store.GetFolder(ctx, c.FolderID)
	if err != nil {
		return c, err
	}
	file, err := p.store.GetFileRecord(ctx, c.FileID)
	if err != nil {
		return c, err
	}

	// sidecars may live on another worker's disk by now, fetch them back
	extras := map[string]string{}
	scratch, err := os.MkdirTemp("", "replpack-")
	if err != nil {
		return c, err
	}
	defer os.RemoveAll(scratch)
	for _, artifact := range []string{"tro", "sig", "tsr"} {
		id := metaFileID(folder, artifact)
		if id == 0 {
			continue
		}
		sidecar, err := p.store.GetFileRecord(ctx, id)
		if err != nil {
			return c, err
		}
		local := filepath.Join(scratch, sidecar.Name)
		if err := p.downloadTo(ctx, sidecar, local); err != nil {
			return c, err
		}
		extras["tro/"+sidecar.Name] = local
	}

	stem := strings.TrimSuffix(file.Name, filepath.Ext(file.Name))
	outPath := filepath.Join(scratch, fmt.Sprintf("%s-%d.zip", stem, c.JobID))
	if err := archive.PackageZip(c.TempDir, outPath, extras); err != nil {
		return c, fmt.Errorf("package workspace: %w", err)
	}
	result, err := p.store.SaveFileFromPath(ctx, folder, outPath)
	if err != nil {
		return c, fmt.Errorf("upload replication package: %w", err)
	}
	if err := p.store.SetFolderMeta(ctx, folder, map[string]interface{}{
		models.MetaFileIDKey("replpack"): result.ID,
	}); err != nil {
		return c, err
	}
	c.ResultID = result.ID
	return c, nil
}

// finalize tears the workspace down and closes the job.
func (p *Pipeline) finalize(ctx context.Context, job *models.Job, c Carry) (Carry, error) {
	if c.TempDir != "" {
		if err := os.RemoveAll(c.TempDir); err != nil {
			log.Warnf("remove workspace %s: %v", c.TempDir, err)
		}
	}
	docPath := provenance.DocumentPath(p.workspaceRoot, c.JobID)
	for _, path := range []string{docPath, provenance.SidecarPath(docPath, ".sig"), provenance.SidecarPath(docPath, ".tsr")} {
		os.Remove(path)
	}
	if err := p.store.UpdateJob(ctx, job, "Submission job finalized successfully.", models.JobStatusSuccess); err != nil {
		return c, err
	}
	return c, nil
}

// scheduleCleanup enqueues the deferred retention task of one folder.
func (p *Pipeline) scheduleCleanup(ctx context.Context, folderID uint) error {
	notBefore := time.Now().Add(time.Duration(p.opts.RetentionDays) * 24 * time.Hour)
	return p.queue.SubmitTask(ctx, workflow.Task{
		Name:      TaskNameCleanup,
		Group:     TaskGroup,
		NotBefore: &notBefore,
		Additionals: map[string]string{
			AdditionFolderID: strconv.FormatUint(uint64(folderID), 10),
		},
		Steps: []workflow.Step{
			{Name: "cleanup", Function: FuncCleanup, Args: workflow.ArgsOf(folderID)},
		},
	})
}

// CleanupFolder removes the oversized artifacts of one submission folder,
// keeping records and artifacts under the size threshold. The cron sweeper
// calls this directly for folders whose deferred task was lost.
func (p *Pipeline) CleanupFolder(ctx context.Context, folderID uint) error {
	files, err := p.store.ListFolderFiles(ctx, folderID)
	if err != nil {
		return err
	}
	for i := range files {
		if files[i].Size <= p.opts.MaxItemSize {
			continue
		}
		if err := p.store.DeleteFile(ctx, &files[i]); err != nil {
			return fmt.Errorf("delete artifact %s: %w", files[i].Name, err)
		}
		log.Infof("retention removed %s (%d bytes) from folder %d", files[i].Name, files[i].Size, folderID)
	}
	return nil
}

// loadDocument fetches the persisted provenance document of the run, or
// starts a fresh one named after the submission folder.
func (p *Pipeline) loadDocument(ctx context.Context, c Carry) (*provenance.Document, string, *models.FileRecord, error) {
	docPath := provenance.DocumentPath(p.workspaceRoot, c.JobID)
	var file *models.FileRecord
	if c.ProvenanceID != 0 {
		var err error
		file, err = p.store.GetFileRecord(ctx, c.ProvenanceID)
		if err != nil {
			return nil, "", nil, fmt.Errorf("load provenance record: %w", err)
		}
		if err := p.downloadTo(ctx, file, docPath); err != nil {
			return nil, "", nil, fmt.Errorf("download provenance document: %w", err)
		}
	}
	folder, err := p.store.GetFolder(ctx, c.FolderID)
	if err != nil {
		return nil, "", nil, err
	}
	doc, err := p.recorder.LoadOrCreate(docPath, folder.Name,
		fmt.Sprintf("Transparent research object for submission %s", folder.Name))
	if err != nil {
		return nil, "", nil, err
	}
	return doc, docPath, file, nil
}

// saveDocument persists the document and pushes it back to storage, creating
// the file record on first save and replacing content afterwards.
func (p *Pipeline) saveDocument(ctx context.Context, c Carry, doc *provenance.Document, docPath string, file *models.FileRecord) (Carry, error) {
	if err := doc.Save(docPath); err != nil {
		return c, err
	}
	if file != nil {
		if err := p.store.UpdateFileFromPath(ctx, file, docPath); err != nil {
			return c, err
		}
		c.ProvenanceID = file.ID
		return c, nil
	}
	folder, err := p.store.GetFolder(ctx, c.FolderID)
	if err != nil {
		return c, err
	}
	created, err := p.store.SaveFileFromPath(ctx, folder, docPath)
	if err != nil {
		return c, err
	}
	if err := p.store.SetFolderMeta(ctx, folder, map[string]interface{}{
		models.MetaFileIDKey("tro"): created.ID,
	}); err != nil {
		return c, err
	}
	c.ProvenanceID = created.ID
	return c, nil
}

// uploadArtifact stores a local file on the folder and stamps its metadata
// id, replacing a previous upload of the same artifact.
func (p *Pipeline) uploadArtifact(ctx context.Context, folder *models.Folder, artifact string, path string) error {
	if id := metaFileID(folder, artifact); id != 0 {
		existing, err := p.store.GetFileRecord(ctx, id)
		if err == nil {
			return p.store.UpdateFileFromPath(ctx, existing, path)
		}
	}
	file, err := p.store.SaveFileFromPath(ctx, folder, path)
	if err != nil {
		return err
	}
	return p.store.SetFolderMeta(ctx, folder, map[string]interface{}{
		models.MetaFileIDKey(artifact): file.ID,
	})
}

func (p *Pipeline) downloadTo(ctx context.Context, file *models.FileRecord, path string) error {
	rc, err := p.store.OpenFile(ctx, file)
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// metaFileID reads an artifact's file record id from the folder metadata,
// tolerating the numeric widening of a JSON round trip.
func metaFileID(folder *models.Folder, artifact string) uint {
	value, ok := folder.Meta[models.MetaFileIDKey(artifact)]
	if !ok {
		return 0
	}
	switch id := value.(type) {
	case float64:
		return uint(id)
	case int:
		return uint(id)
	case uint:
		return id
	case string:
		n, _ := strconv.ParseUint(id, 10, 64)
		return uint(n)
	}
	return 0
}
