package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// websocket subscribes the caller to their own close notifications.
func (s *Server) websocket(c *gin.Context) {
	if s.deps.Hub == nil {
		unavailable(c, "notification hub")
		return
	}
	userID := CurrentUserID(c)
	if err := s.deps.Hub.ServeWS(c.Writer, c.Request, userID); err != nil {
		s.logger.Debug("ws session ended", zap.String("user_id", userID), zap.Error(err))
	}
}
