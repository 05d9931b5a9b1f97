package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whatsapp-gateway/src/go/gateway"
	"whatsapp-gateway/src/go/realtime"
)

// Server exposes the management REST surface and the realtime endpoint.
type Server struct {
	gateway *gateway.Gateway
	hub     *realtime.Hub
	logger  *logrus.Logger
}

func NewServer(gw *gateway.Gateway, hub *realtime.Hub, logger *logrus.Logger) *Server {
	return &Server{gateway: gw, hub: hub, logger: logger}
}

// SetupRoutes builds the gin engine with all routes attached.
func (s *Server) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	router.POST("/connections", s.createConnection)
	router.GET("/connections", s.listConnections)
	router.GET("/connections/:id", s.getConnection)
	router.GET("/connections/:id/qr", s.getQRCode)
	router.POST("/connections/:id/pairing-code", s.requestPairingCode)
	router.DELETE("/connections/:id", s.disconnect)
	router.POST("/connections/:id/messages", s.sendMessage)
	router.GET("/connections/:id/chats", s.listChats)
	router.GET("/connections/:id/chats/:jid/messages", s.fetchHistory)
	router.GET("/connections/:id/contacts", s.listContacts)
	router.POST("/connections/:id/groups", s.createGroup)
	router.GET("/connections/:id/groups/:jid", s.getGroupMetadata)
	router.POST("/connections/:id/groups/:jid/participants", s.updateGroupParticipants)
	router.PUT("/connections/:id/groups/:jid/name", s.setGroupName)
	router.PUT("/connections/:id/groups/:jid/topic", s.setGroupTopic)
	router.GET("/connections/:id/groups/:jid/invite-link", s.getGroupInviteLink)
	router.POST("/connections/:id/groups/:jid/leave", s.leaveGroup)
	router.POST("/connections/:id/group-invites", s.joinGroup)

	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"connections":      len(s.gateway.Connections()),
			"realtime_clients": s.hub.ClientCount(),
		})
	})

	return router
}

type createConnectionRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
}

func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	info, err := s.gateway.CreateConnection(c.Request.Context(), req.ID, req.DisplayName, req.PhoneNumber)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) listConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": s.gateway.Connections()})
}

func (s *Server) getConnection(c *gin.Context) {
	info, err := s.gateway.Connection(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getQRCode(c *gin.Context) {
	info, err := s.gateway.Connection(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if info.QRCode == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no QR code available", "state": info.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": info.QRCode, "png": info.QRPNG})
}

type pairingCodeRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
}

func (s *Server) requestPairingCode(c *gin.Context) {
	var req pairingCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	code, err := s.gateway.RequestPairingCode(c.Request.Context(), c.Param("id"), req.PhoneNumber)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairing_code": code})
}

func (s *Server) disconnect(c *gin.Context) {
	if err := s.gateway.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type sendMessageRequest struct {
	To       string                   `json:"to" binding:"required"`
	Kind     string                   `json:"kind"`
	Text     string                   `json:"text"`
	QuotedID string                   `json:"quoted_id"`
	Media    *gateway.MediaPayload    `json:"media"`
	Location *gateway.LocationPayload `json:"location"`
	Reaction *reactionRequest         `json:"reaction"`
	Poll     *pollRequest             `json:"poll"`
}

type reactionRequest struct {
	MessageID    string `json:"message_id" binding:"required"`
	Emoji        string `json:"emoji"`
	TargetFromMe bool   `json:"target_from_me"`
}

type pollRequest struct {
	Name            string   `json:"name" binding:"required"`
	Options         []string `json:"options" binding:"required"`
	SelectableCount int      `json:"selectable_count"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()

	switch {
	case req.Reaction != nil:
		err := s.gateway.React(ctx, id, req.To, req.Reaction.MessageID, req.Reaction.TargetFromMe, req.Reaction.Emoji)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})

	case req.Poll != nil:
		msg, err := s.gateway.SendPoll(ctx, id, req.To, req.Poll.Name, req.Poll.Options, req.Poll.SelectableCount)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)

	default:
		msg, err := s.gateway.SendMessage(ctx, id, req.To, gateway.SendPayload{
			Text:     req.Text,
			QuotedID: req.QuotedID,
			Media:    req.Media,
			Location: req.Location,
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.gateway.Chats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) fetchHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	messages, err := s.gateway.Messages(c.Request.Context(), c.Param("id"), c.Param("jid"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) listContacts(c *gin.Context) {
	contacts, err := s.gateway.Contacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

func (s *Server) getGroupMetadata(c *gin.Context) {
	info, err := s.gateway.GroupMetadata(c.Request.Context(), c.Param("id"), c.Param("jid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type createGroupRequest struct {
	Name         string   `json:"name" binding:"required"`
	Participants []string `json:"participants" binding:"required"`
}

func (s *Server) createGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := s.gateway.CreateGroup(c.Request.Context(), c.Param("id"), req.Name, req.Participants)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

type participantsRequest struct {
	Action       string   `json:"action" binding:"required"`
	Participants []string `json:"participants" binding:"required"`
}

func (s *Server) updateGroupParticipants(c *gin.Context) {
	var req participantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.gateway.UpdateGroupParticipants(c.Request.Context(), c.Param("id"), c.Param("jid"), req.Action, req.Participants)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": req.Action, "results": results})
}

type groupNameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) setGroupName(c *gin.Context) {
	var req groupNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.gateway.SetGroupName(c.Request.Context(), c.Param("id"), c.Param("jid"), req.Name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type groupTopicRequest struct {
	Topic string `json:"topic"`
}

func (s *Server) setGroupTopic(c *gin.Context) {
	var req groupTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.gateway.SetGroupTopic(c.Request.Context(), c.Param("id"), c.Param("jid"), req.Topic); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) getGroupInviteLink(c *gin.Context) {
	reset := c.Query("reset") == "true"

	link, err := s.gateway.GroupInviteLink(c.Request.Context(), c.Param("id"), c.Param("jid"), reset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_link": link, "revoked": reset})
}

type joinGroupRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) joinGroup(c *gin.Context) {
	var req joinGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jid, err := s.gateway.JoinGroup(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_jid": jid})
}

func (s *Server) leaveGroup(c *gin.Context) {
	if err := s.gateway.LeaveGroup(c.Request.Context(), c.Param("id"), c.Param("jid")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// fail maps gateway errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrConnectionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, gateway.ErrConnectionNotOpen),
		errors.Is(err, gateway.ErrPairingAlreadyRequested),
		errors.Is(err, gateway.ErrLoggedOut):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
