package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/geo"
	"github.com/gocomet/ride-dispatch/internal/service/dispatch"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/internal/session"
	"github.com/gocomet/ride-dispatch/internal/zone"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	ws "github.com/gocomet/ride-dispatch/pkg/websocket"
)

const eventTimeout = 10 * time.Second

// WebSocketHandler authenticates the handshake, binds the session and
// routes inbound events to the dispatch engine, the lifecycle manager
// and the zone directory. Failures go back to the initiating connection
// as error events; they are never broadcast.
type WebSocketHandler struct {
	upgrader  gorilla.Upgrader
	sessions  *session.Registry
	directory *zone.Directory
	engine    *dispatch.Engine
	lifecycle *lifecycle.Manager
	jwtSecret string
	precision int
	logger    *logger.Logger
}

// WebSocketConfig holds handler tunables.
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	JWTSecret        string
	GeohashPrecision int
}

// NewWebSocketHandler creates the websocket handler.
func NewWebSocketHandler(sessions *session.Registry, directory *zone.Directory, engine *dispatch.Engine, lc *lifecycle.Manager, cfg WebSocketConfig, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions:  sessions,
		directory: directory,
		engine:    engine,
		lifecycle: lc,
		jwtSecret: cfg.JWTSecret,
		precision: cfg.GeohashPrecision,
		logger:    log,
	}
}

// HandleConnection upgrades GET /v1/ws. The bearer token comes from the
// Authorization header or, for browser clients that cannot set headers
// on a websocket handshake, the token query parameter. The role query
// parameter picks which surface this session operates as and must be
// present in the token's role set.
//
// Auth runs after the upgrade so a browser client sees a close frame
// with a readable reason instead of an opaque handshake failure. A
// rejected connection is never bound.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", logger.Err(err))
		return
	}

	identity, err := auth.Verify(bearerToken(c), h.jwtSecret)
	if err != nil {
		rejectConn(conn, "auth_failed")
		return
	}

	role := auth.Role(c.Query("role"))
	if role != auth.RoleCustomer && role != auth.RoleDriver {
		rejectConn(conn, "invalid_role")
		return
	}
	if !identity.HasRole(role) {
		rejectConn(conn, "role_not_granted")
		return
	}

	client := ws.NewClient(conn, identity, role, h, h.logger)
	h.sessions.Bind(identity, role, client)
	if role == auth.RoleDriver {
		h.directory.Touch(identity.UserID)
	}

	go client.WritePump()
	go client.ReadPump()
}

// OnEvent routes one inbound frame.
func (h *WebSocketHandler) OnEvent(client *ws.Client, raw []byte) {
	var evt dto.ClientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		h.sendError(client, apperrors.BadRequest("Malformed event", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	var err error
	switch evt.Event {
	case dto.EventDutyOn:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleDutyOn(ctx, client, evt.Data) })
	case dto.EventDutyOff:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleDutyOff(ctx, client) })
	case dto.EventZoneSubscribe:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleZoneSubscribe(client, evt.Data) })
	case dto.EventLocationUpdate:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleLocationUpdate(ctx, client, evt.Data) })
	case dto.EventAcceptRide:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleAcceptRide(ctx, client, evt.Data) })
	case dto.EventMarkArrived:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleMarkArrived(ctx, client, evt.Data) })
	case dto.EventStartRide:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleStartRide(ctx, client, evt.Data) })
	case dto.EventCompleteRide:
		err = h.requireRole(client, auth.RoleDriver, func() error { return h.handleCompleteRide(ctx, client, evt.Data) })
	case dto.EventRequestRide:
		err = h.requireRole(client, auth.RoleCustomer, func() error { return h.handleRequestRide(ctx, client, evt.Data) })
	case dto.EventCancelRide:
		err = h.handleCancelRide(ctx, client, evt.Data)
	default:
		err = apperrors.BadRequest("Unknown event: "+evt.Event, nil)
	}

	if err != nil {
		h.sendError(client, err)
	}
}

// OnDisconnect unbinds the session. Duty state deliberately survives the
// disconnect; the silent-driver sweep forces it off after the quiet
// window if the driver never comes back.
func (h *WebSocketHandler) OnDisconnect(client *ws.Client) {
	h.sessions.Unbind(client.UserID(), client)
}

func (h *WebSocketHandler) handleDutyOn(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.DutyOnPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed duty_on payload", err)
	}
	if !p.Location.IsValid() {
		return apperrors.ErrInvalidCoordinates
	}
	vt := driver.VehicleType(p.VehicleType)
	if !vt.IsValid() {
		return apperrors.ErrInvalidVehicleType
	}

	zoneID := h.directory.SetDuty(ctx, client.UserID(), p.Location, vt, true)
	return client.Deliver(dto.EventDutyStatusChanged, dto.DutyStatusPayload{OnDuty: true, Zone: zoneID})
}

func (h *WebSocketHandler) handleDutyOff(ctx context.Context, client *ws.Client) error {
	h.directory.SetDuty(ctx, client.UserID(), driver.Location{}, "", false)
	return client.Deliver(dto.EventDutyStatusChanged, dto.DutyStatusPayload{OnDuty: false})
}

func (h *WebSocketHandler) handleZoneSubscribe(client *ws.Client, data json.RawMessage) error {
	var p dto.ZoneSubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed zone_subscribe payload", err)
	}
	if !p.Location.IsValid() {
		return apperrors.ErrInvalidCoordinates
	}

	candidates := geo.CandidateZones(p.Location.Latitude, p.Location.Longitude, h.precision)
	return client.Deliver(dto.EventZoneSubscribed, dto.ZoneSubscribedPayload{
		Zone:           candidates[0],
		CandidateZones: candidates,
	})
}

func (h *WebSocketHandler) handleLocationUpdate(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.LocationUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed location_update payload", err)
	}
	if !p.Location.IsValid() {
		return apperrors.ErrInvalidCoordinates
	}

	h.directory.UpdateLocation(ctx, client.UserID(), p.Location)

	// forward to the customer only while assigned to a ride
	if p.RideID != "" {
		rideID, err := uuid.Parse(p.RideID)
		if err != nil {
			return apperrors.BadRequest("Invalid ride id", err)
		}
		return h.lifecycle.DriverLocation(ctx, client.UserID(), rideID, p.Location)
	}
	return nil
}

func (h *WebSocketHandler) handleAcceptRide(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.AcceptRidePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed accept_ride payload", err)
	}
	rideID, err := uuid.Parse(p.RideID)
	if err != nil {
		return apperrors.BadRequest("Invalid ride id", err)
	}

	if _, err := h.engine.AcceptRide(ctx, client.UserID(), rideID); err != nil {
		// a lost race is an expected outcome, not an error event
		if errors.Is(err, apperrors.ErrRideUnavailable) {
			return client.Deliver(dto.EventRideUnavailable, dto.RideUnavailablePayload{RideID: p.RideID})
		}
		return err
	}
	return nil
}

func (h *WebSocketHandler) handleMarkArrived(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.MarkArrivedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed mark_arrived payload", err)
	}
	rideID, err := uuid.Parse(p.RideID)
	if err != nil {
		return apperrors.BadRequest("Invalid ride id", err)
	}

	updated, err := h.lifecycle.MarkArrived(ctx, client.UserID(), rideID)
	if err != nil {
		return err
	}
	return client.Deliver(dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID: p.RideID,
		Status: string(updated.Status),
	})
}

func (h *WebSocketHandler) handleStartRide(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.StartRidePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed start_ride payload", err)
	}
	rideID, err := uuid.Parse(p.RideID)
	if err != nil {
		return apperrors.BadRequest("Invalid ride id", err)
	}

	updated, err := h.lifecycle.StartRide(ctx, client.UserID(), rideID, p.Otp)
	if err != nil {
		return err
	}
	// the end OTP goes to the customer only
	return client.Deliver(dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID: p.RideID,
		Status: string(updated.Status),
	})
}

func (h *WebSocketHandler) handleCompleteRide(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.CompleteRidePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed complete_ride payload", err)
	}
	rideID, err := uuid.Parse(p.RideID)
	if err != nil {
		return apperrors.BadRequest("Invalid ride id", err)
	}

	updated, err := h.lifecycle.CompleteRide(ctx, client.UserID(), rideID, p.Otp, p.DistanceKm)
	if err != nil {
		return err
	}
	fare := updated.Fare
	return client.Deliver(dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID: p.RideID,
		Status: string(updated.Status),
		Fare:   &fare,
	})
}

func (h *WebSocketHandler) handleRequestRide(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.RequestRidePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed request_ride payload", err)
	}
	vt := driver.VehicleType(p.VehicleType)

	r, err := h.engine.RequestRide(ctx, client.UserID(), p.Pickup, p.Dropoff, vt)
	if err != nil {
		return err
	}

	// the acknowledgment carries the start OTP the customer reads to the
	// driver at pickup
	return client.Deliver(dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID:   r.ID.String(),
		Status:   string(ride.StatusSearching),
		StartOtp: r.StartOtp,
	})
}

func (h *WebSocketHandler) handleCancelRide(ctx context.Context, client *ws.Client, data json.RawMessage) error {
	var p dto.CancelRidePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.BadRequest("Malformed cancel_ride payload", err)
	}
	rideID, err := uuid.Parse(p.RideID)
	if err != nil {
		return apperrors.BadRequest("Invalid ride id", err)
	}

	cancelled, err := h.engine.CancelRide(ctx, client.UserID(), rideID, p.Reason)
	if err != nil {
		return err
	}
	return client.Deliver(dto.EventRideCancelled, dto.RideCancelledPayload{
		RideID:      p.RideID,
		CancelledBy: cancelled.CancelledBy,
		Reason:      cancelled.CancellationReason,
	})
}

func (h *WebSocketHandler) requireRole(client *ws.Client, role auth.Role, fn func() error) error {
	if client.ActiveRole != role {
		return apperrors.BadRequest("Event not permitted for role "+string(client.ActiveRole), nil)
	}
	return fn()
}

func (h *WebSocketHandler) sendError(client *ws.Client, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.Code == "INTERNAL_ERROR" {
		h.logger.Error("Event handling failed",
			logger.String("user_id", client.UserID()),
			logger.Err(err),
		)
	}
	_ = client.Deliver(dto.EventError, dto.ErrorPayload{Code: appErr.Code, Message: appErr.Message})
}

func rejectConn(conn *gorilla.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}
