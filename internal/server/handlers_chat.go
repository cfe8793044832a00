package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/chat"
)

func (s *Server) handleChat(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ChatTimeout)
	defer cancel()

	res, err := s.chatSvc.HandleChat(ctx, uid, req.SessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "session not found"})
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			c.JSON(http.StatusGatewayTimeout, APIResponse{Success: false, Error: "chat turn timed out"})
		default:
			s.logger.Error("chat turn failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, APIResponse{Success: true, Data: ChatResponse{
		SessionID: res.SessionID,
		Reply:     res.Reply,
	}})
}

func (s *Server) handleListSessions(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}

	sessions, err := s.chatSvc.ListSessions(c.Request.Context(), uid, 0)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionResponse{
			SessionID: sess.SessionID,
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	uid, ok := s.currentUserID(c)
	if !ok {
		return
	}

	msgs, err := s.chatSvc.SessionMessages(c.Request.Context(), uid, c.Param("id"), 0)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "session not found"})
			return
		}
		s.logger.Error("list session messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			ToolName:  m.ToolName,
			CreatedAt: m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}
