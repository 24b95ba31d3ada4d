package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// RideHandler serves read-only ride lookups over REST. All mutations go
// through the websocket surface.
type RideHandler struct {
	repo      ride.Repository
	jwtSecret string
	logger    *logger.Logger
}

// NewRideHandler creates a ride handler.
func NewRideHandler(repo ride.Repository, jwtSecret string, log *logger.Logger) *RideHandler {
	return &RideHandler{repo: repo, jwtSecret: jwtSecret, logger: log}
}

// GetRide handles GET /v1/rides/:id. Only the ride's customer or its
// assigned driver may read it; anyone else sees not-found.
func (h *RideHandler) GetRide(c *gin.Context) {
	identity, err := auth.Verify(bearerToken(c), h.jwtSecret)
	if err != nil {
		respondError(c, err)
		return
	}

	rideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.BadRequest("Invalid ride id", err))
		return
	}

	r, err := h.repo.GetByID(c.Request.Context(), rideID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			respondError(c, apperrors.ErrRideNotFound)
			return
		}
		h.logger.Error("Failed to load ride", logger.String("ride_id", rideID.String()), logger.Err(err))
		respondError(c, apperrors.Internal("Failed to load ride", err))
		return
	}

	isCustomer, isDriver := r.Party(identity.UserID)
	if !isCustomer && !isDriver {
		respondError(c, apperrors.ErrRideNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": r})
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	c.JSON(appErr.Status, gin.H{"error": appErr})
}
