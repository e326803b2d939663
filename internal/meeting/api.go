package meeting

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
	"github.com/wilsonzlin/meshmeet/internal/origin"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

const DefaultPushInterval = time.Second

type APIConfig struct {
	Service *Service
	ICE     *ICEProvider
	// Origins gates WebSocket upgrades. Nil allows same-host origins only.
	Origins      *origin.Policy
	PushInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// API serves the meeting endpoints under /api.
type API struct {
	svc          *Service
	ice          *ICEProvider
	origins      *origin.Policy
	pushInterval time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Origins == nil {
		cfg.Origins = origin.NewPolicy(nil)
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		svc:          cfg.Service,
		ice:          cfg.ICE,
		origins:      cfg.Origins,
		pushInterval: cfg.PushInterval,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// Handler returns a gin engine with every route registered. Request logging
// and panic recovery are left to the hosting server.
func (a *API) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	a.Register(r)
	return r
}

func (a *API) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.GET("/ice", a.handleICE)

	m := api.Group("/meetings/:meetingID")
	m.POST("/participants", a.handleJoin)
	m.DELETE("/participants/:peerID", a.handleLeave)
	m.GET("/poll", a.handlePoll)
	m.POST("/signals", a.handleSignal)
	m.GET("/ws", a.handlePush)
}

func (a *API) handleICE(c *gin.Context) {
	servers, err := a.ice.Servers(c.Query("peer"))
	if err != nil {
		a.log.Error("minting turn credentials failed", "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, signaling.ICEResponse{ICEServers: servers})
}

func (a *API) handleJoin(c *gin.Context) {
	body, err := readBody(c, 4<<10)
	if err != nil {
		writeError(c, err)
		return
	}
	p, err := signaling.ParseParticipantMessage(body)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := a.svc.Join(c.Request.Context(), c.Param("meetingID"), p.ToMesh()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleLeave(c *gin.Context) {
	id, err := mesh.ParsePeerID(c.Param("peerID"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := a.svc.Leave(c.Request.Context(), c.Param("meetingID"), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handlePoll(c *gin.Context) {
	id, err := mesh.ParsePeerID(c.Query("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp, err := a.svc.Poll(c.Request.Context(), c.Param("meetingID"), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleSignal(c *gin.Context) {
	body, err := readBody(c, int64(a.svc.MaxSignalBytes()))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := a.svc.PostSignal(c.Request.Context(), c.Param("meetingID"), body, 0); err != nil {
		if !errors.Is(err, ErrRateLimited) {
			a.log.Warn("signal rejected", "meeting_id", c.Param("meetingID"), "err", err)
		}
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrSignalTooLarge
		}
		return nil, err
	}
	return body, nil
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.AbortWithStatusJSON(status, signaling.ErrorResponse{Code: code, Message: err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, signaling.ErrInvalidMessage), errors.Is(err, signaling.ErrUnsupportedType),
		errors.Is(err, ErrSenderMismatch):
		return http.StatusBadRequest, signaling.CodeInvalidSignal
	case errors.Is(err, signaling.ErrInvalidMeetingID), errors.Is(err, mesh.ErrInvalidPeerID),
		errors.Is(err, ErrInvalidPeerID):
		return http.StatusBadRequest, signaling.CodeInvalidRequest
	case errors.Is(err, ErrNotInMeeting):
		return http.StatusNotFound, signaling.CodeNotInMeeting
	case errors.Is(err, ErrUnknownRecipient):
		return http.StatusNotFound, signaling.CodeUnknownRecipient
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, signaling.CodeRateLimited
	case errors.Is(err, ErrSignalTooLarge):
		return http.StatusRequestEntityTooLarge, signaling.CodeTooLarge
	default:
		return http.StatusInternalServerError, signaling.CodeInternal
	}
}
