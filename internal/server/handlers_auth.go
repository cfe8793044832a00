package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/auth"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	user, err := s.authSvc.Register(c.Request.Context(), req.Username, req.Password, req.Name, req.Lastname)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, APIResponse{Success: false, Error: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: gin.H{
		"user_id":  user.UserID,
		"username": user.Username,
	}})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	tok, err := s.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserInactive) {
			c.JSON(http.StatusUnauthorized, APIResponse{Success: false, Error: err.Error()})
			return
		}
		s.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, APIResponse{Success: true, Data: LoginResponse{
		Token:     tok.Token,
		UserID:    tok.UserID,
		ExpiresAt: tok.ExpiresAt,
	}})
}
