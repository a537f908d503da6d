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

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/runner"
)

// Upload stages an archive into the submissions root folder; the pipeline
// moves it into its own folder once a run is submitted.
func (h *handlers) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, err)
		return
	}
	src, err := fh.Open()
	if err != nil {
		NotOK(c, err)
		return
	}
	defer src.Close()

	ctx := c.Request.Context()
	root, err := h.deps.Store.GetFolder(ctx, models.SubmissionsRootFolderID)
	if err != nil {
		NotOK(c, err)
		return
	}
	file, err := h.deps.Store.SaveFileFromReader(ctx, root, fh.Filename, src)
	if err != nil {
		NotOK(c, err)
		return
	}
	Created(c, file)
}

func (h *handlers) ListImageTags(c *gin.Context) {
	tags, err := h.deps.Tags.List(c.Request.Context())
	if err != nil {
		NotOK(c, err)
		return
	}
	OK(c, tags)
}

type SubmitRequest struct {
	FileID uint           `json:"file_id" binding:"required"`
	Stages []runner.Stage `json:"stages" binding:"required,min=1,dive"`
}

// Submit creates the job and enqueues the pipeline, the job record returns
// immediately while the run proceeds on the worker.
func (h *handlers) Submit(c *gin.Context) {
	req := SubmitRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		NotOK(c, err)
		return
	}
	job, err := h.deps.Pipeline.Submit(c.Request.Context(), currentUser(c), req.FileID, req.Stages)
	if err != nil {
		NotOK(c, err)
		return
	}
	Created(c, job)
}

func (h *handlers) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	OK(c, job)
}

func (h *handlers) GetJobSteps(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	steps, err := h.deps.Pipeline.JobSteps(c.Request.Context(), job)
	if err != nil {
		NotOK(c, err)
		return
	}
	OK(c, steps)
}

func (h *handlers) CancelJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	if err := h.deps.Pipeline.Cancel(c.Request.Context(), job.ID); err != nil {
		NotOK(c, err)
		return
	}
	OK(c, nil)
}

func (h *handlers) loadJob(c *gin.Context) (*models.Job, bool) {
	id, err := paramID(c)
	if err != nil {
		BadRequest(c, err)
		return nil, false
	}
	job, err := h.deps.Store.GetJob(c.Request.Context(), id)
	if err != nil {
		NotOK(c, err)
		return nil, false
	}
	if !mayAccess(currentUser(c), job.UserID) {
		Forbidden(c, errors.New("not your job"))
		return nil, false
	}
	return job, true
}

type FolderResponse struct {
	Folder *models.Folder      `json:"folder"`
	Files  []models.FileRecord `json:"files"`
}

func (h *handlers) GetFolder(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		BadRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	folder, err := h.deps.Store.GetFolder(ctx, id)
	if err != nil {
		NotOK(c, err)
		return
	}
	if !h.mayAccessFolder(currentUser(c), folder) {
		Forbidden(c, errors.New("not your folder"))
		return
	}
	files, err := h.deps.Store.ListFolderFiles(ctx, folder.ID)
	if err != nil {
		NotOK(c, err)
		return
	}
	OK(c, FolderResponse{Folder: folder, Files: files})
}

func (h *handlers) DownloadFile(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		BadRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	file, err := h.deps.Store.GetFileRecord(ctx, id)
	if err != nil {
		NotOK(c, err)
		return
	}
	if file.FolderID != nil {
		folder, err := h.deps.Store.GetFolder(ctx, *file.FolderID)
		if err != nil {
			NotOK(c, err)
			return
		}
		if !h.mayAccessFolder(currentUser(c), folder) {
			Forbidden(c, errors.New("not your file"))
			return
		}
	}
	content, err := h.deps.Store.OpenFile(ctx, file)
	if err != nil {
		NotOK(c, err)
		return
	}
	defer content.Close()
	c.DataFromReader(http.StatusOK, file.Size, file.MimeType, content, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, file.Name),
	})
}

// mayAccessFolder: submission folders belong to their creator; the root
// folder is the shared upload staging area, any account may read it.
func (h *handlers) mayAccessFolder(user *models.User, folder *models.Folder) bool {
	if folder.ID == models.SubmissionsRootFolderID {
		return user != nil
	}
	return mayAccess(user, folder.CreatorID)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the token already authenticates the caller
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamLogs relays the caller's live container output channel over a
// WebSocket until the peer closes.
func (h *handlers) StreamLogs(c *gin.Context) {
	user := currentUser(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	defer conn.Close()
	if err := h.deps.Streamer.Stream(c.Request.Context(), conn, user.ID); err != nil {
		log.V(5).Info("log stream ended", "user", user.ID, "err", err)
	}
}

func paramID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", c.Param("id"))
	}
	return uint(id), nil
}
