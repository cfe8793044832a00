package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

func taskToResponse(t *storage.Task) TaskResponse {
	return TaskResponse{
		TaskID:      t.TaskID,
		Name:        t.Name,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		DueDate:     t.DueDate,
		Tags:        t.Tags(),
		CompletedAt: t.CompletedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func parseAPIDueDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid due_date %q, expect RFC3339 or YYYY-MM-DD", s)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}
	if req.Name == nil || *req.Name == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "task name is required"})
		return
	}

	task := &storage.Task{
		UserID: uid,
		Name:   *req.Name,
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Status != nil {
		if !storage.ValidStatus(*req.Status) {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid status"})
			return
		}
		task.Status = *req.Status
	}
	if req.Priority != nil {
		if !storage.ValidPriority(*req.Priority) {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid priority"})
			return
		}
		task.Priority = *req.Priority
	}
	if req.DueDate != nil {
		due, err := parseAPIDueDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
			return
		}
		task.DueDate = due
	}
	if len(req.Tags) > 0 {
		task.SetTags(req.Tags)
	}

	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		s.logger.Error("create task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: taskToResponse(task)})
}

func (s *Server) handleListTasks(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}

	q := storage.TaskQuery{
		Status:   c.Query("status"),
		Priority: c.Query("priority"),
		Tags:     c.QueryArray("tag"),
	}
	if q.Status != "" && !storage.ValidStatus(q.Status) {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid status"})
		return
	}
	if q.Priority != "" && !storage.ValidPriority(q.Priority) {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid priority"})
		return
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), uid, q)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, taskToResponse(&tasks[i]))
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

// loadOwnedTask 按 ID 取任务并做属主校验；越权与不存在统一报 404。
func (s *Server) loadOwnedTask(c *gin.Context, uid string) (*storage.Task, bool) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("get task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return nil, false
	}
	if task == nil || task.UserID != uid {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "task not found"})
		return nil, false
	}
	return task, true
}

func (s *Server) handleGetTask(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}
	task, ok := s.loadOwnedTask(c, uid)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: taskToResponse(task)})
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}
	task, ok := s.loadOwnedTask(c, uid)
	if !ok {
		return
	}

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	up := storage.TaskUpdate{
		Name:        req.Name,
		Description: req.Description,
	}
	if req.Status != nil {
		if !storage.ValidStatus(*req.Status) {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid status"})
			return
		}
		up.Status = req.Status
	}
	if req.Priority != nil {
		if !storage.ValidPriority(*req.Priority) {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid priority"})
			return
		}
		up.Priority = req.Priority
	}
	if req.DueDate != nil {
		due, err := parseAPIDueDate(*req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
			return
		}
		up.DueDate = due
	}
	if req.Tags != nil {
		up.Tags = req.Tags
	}

	updated, err := s.store.UpdateTask(c.Request.Context(), task.TaskID, up)
	if err != nil {
		s.logger.Error("update task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}
	if updated == nil {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "task not found"})
		return
	}

	c.JSON(http.StatusOK, APIResponse{Success: true, Data: taskToResponse(updated)})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}
	task, ok := s.loadOwnedTask(c, uid)
	if !ok {
		return
	}

	if _, err := s.store.DeleteTask(c.Request.Context(), task.TaskID); err != nil {
		s.logger.Error("delete task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "task deleted"})
}
