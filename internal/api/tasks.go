package api

import (
	"net/http"
	"strconv"

	"taskboard/internal/api/middleware"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/task"

	"github.com/gin-gonic/gin"
)

// handleListTasks 返回当前用户的全部任务。
func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.tasks.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		middleware.WriteError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// handleCreateTask 创建任务。
func (s *Server) handleCreateTask(c *gin.Context) {
	var req task.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, s.logger, apperr.Invalid("malformed body"))
		return
	}
	created, err := s.tasks.Create(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		middleware.WriteError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// handleUpdateTask 部分更新标题、描述或状态。
func (s *Server) handleUpdateTask(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	var req task.UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, s.logger, apperr.Invalid("malformed body"))
		return
	}
	updated, err := s.tasks.Update(c.Request.Context(), middleware.UserID(c), id, req)
	if err != nil {
		middleware.WriteError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleDeleteTask 删除任务。
func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	if err := s.tasks.Delete(c.Request.Context(), middleware.UserID(c), id); err != nil {
		middleware.WriteError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) taskID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		middleware.WriteError(c, s.logger, apperr.Invalid("invalid task id"))
		return 0, false
	}
	return uint(id), true
}
