package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/auth"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/service"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	p2pSvc   *service.P2PService
	groupSvc *service.GroupService
	hub      *ws.Hub
}

func NewHandler(userSvc *service.UserService, p2pSvc *service.P2PService, groupSvc *service.GroupService, hub *ws.Hub) *Handler {
	return &Handler{userSvc: userSvc, p2pSvc: p2pSvc, groupSvc: groupSvc, hub: hub}
}

// writeError 把业务错误映射为 HTTP 状态码，未知错误记录日志后返回 500。
func writeError(c *gin.Context, err error, op string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Str("username", auth.GetUsername(c)).Msg("request failed")
		c.JSON(status, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func groupID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return 0, false
	}
	return uint(id), true
}

// Login 领取用户名；已被占用的用户名需要携带上次返回的 login_code。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		LoginCode string `json:"login_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	res, err := h.userSvc.Login(c.Request.Context(), req.Username, req.LoginCode)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.userSvc.Logout(c.Request.Context(), auth.GetUsername(c)); err != nil {
		writeError(c, err, "logout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) JoinP2P(c *gin.Context) {
	res, err := h.p2pSvc.Join(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		writeError(c, err, "join p2p")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CheckP2P(c *gin.Context) {
	res, err := h.p2pSvc.Check(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		writeError(c, err, "check p2p")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) LeaveP2P(c *gin.Context) {
	if err := h.p2pSvc.Leave(c.Request.Context(), auth.GetUsername(c)); err != nil {
		writeError(c, err, "leave p2p")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) SendP2PMessage(c *gin.Context) {
	var req struct {
		Receiver string `json:"receiver"`
		Message  string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if _, err := h.p2pSvc.SendMessage(c.Request.Context(), auth.GetUsername(c), req.Receiver, req.Message); err != nil {
		writeError(c, err, "send p2p message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) P2PMessages(c *gin.Context) {
	res, err := h.p2pSvc.GetMessages(c.Request.Context(), auth.GetUsername(c), c.Query("partner"))
	if err != nil {
		writeError(c, err, "list p2p messages")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) QueueStats(c *gin.Context) {
	res, err := h.p2pSvc.QueueStats(c.Request.Context())
	if err != nil {
		writeError(c, err, "queue stats")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Topic       string `json:"topic"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	g, err := h.groupSvc.Create(c.Request.Context(), auth.GetUsername(c), req.Topic, req.Description)
	if err != nil {
		writeError(c, err, "create group")
		return
	}
	c.JSON(http.StatusOK, g)
}

type groupDTO struct {
	models.Group
	Online int `json:"online"`
}

// ListGroups 支持 search 与 limit 查询参数，并附带每个群的实时在线连接数。
func (h *Handler) ListGroups(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	groups, err := h.groupSvc.List(c.Request.Context(), c.Query("search"), limit)
	if err != nil {
		writeError(c, err, "list groups")
		return
	}
	out := make([]groupDTO, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupDTO{Group: g, Online: h.hub.Online(g.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (h *Handler) JoinGroup(c *gin.Context) {
	id, ok := groupID(c)
	if !ok {
		return
	}
	if err := h.groupSvc.Join(c.Request.Context(), auth.GetUsername(c), id); err != nil {
		writeError(c, err, "join group")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	id, ok := groupID(c)
	if !ok {
		return
	}
	if err := h.groupSvc.Leave(c.Request.Context(), auth.GetUsername(c), id); err != nil {
		writeError(c, err, "leave group")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) SendGroupMessage(c *gin.Context) {
	id, ok := groupID(c)
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.groupSvc.SendMessage(c.Request.Context(), auth.GetUsername(c), id, req.Message)
	if err != nil {
		writeError(c, err, "send group message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) GroupMessages(c *gin.Context) {
	id, ok := groupID(c)
	if !ok {
		return
	}
	res, err := h.groupSvc.Messages(c.Request.Context(), auth.GetUsername(c), id)
	if err != nil {
		writeError(c, err, "list group messages")
		return
	}
	c.JSON(http.StatusOK, res)
}
