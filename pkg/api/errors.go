package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/rally/pkg/model"
)

var validationErrors = []error{
	model.ErrPartyNameEmpty,
	model.ErrPartyNameTooLong,
	model.ErrActivityTooLong,
	model.ErrInvalidCapacity,
	model.ErrBranchEmpty,
	model.ErrBranchTooLong,
	model.ErrUserIDEmpty,
	model.ErrUserIDTooLong,
	model.ErrDisplayNameEmpty,
	model.ErrDisplayNameTooLong,
	model.ErrInvalidRoleTag,
	model.ErrLeaderNotMember,
	model.ErrMirrorMismatch,
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyInParty),
		errors.Is(err, model.ErrPartyFull),
		errors.Is(err, model.ErrQueueFull),
		errors.Is(err, model.ErrOnCooldown):
		return http.StatusConflict
	case errors.Is(err, model.ErrWrongBranch),
		errors.Is(err, model.ErrNotLeader),
		errors.Is(err, model.ErrCannotKickSelf):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// errorCode is the stable machine-readable name of an engine error.
func errorCode(err error) string {
	codes := []struct {
		err  error
		code string
	}{
		{model.ErrStoreUnavailable, "store_unavailable"},
		{model.ErrNotFound, "not_found"},
		{model.ErrAlreadyInParty, "already_in_party"},
		{model.ErrWrongBranch, "wrong_branch"},
		{model.ErrPartyFull, "party_full"},
		{model.ErrNotLeader, "not_leader"},
		{model.ErrCannotKickSelf, "cannot_kick_self"},
		{model.ErrConfirmationRequired, "confirmation_required"},
		{model.ErrQueueFull, "queue_full"},
		{model.ErrOnCooldown, "on_cooldown"},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if statusFor(err) == http.StatusBadRequest {
		return "invalid"
	}
	return "internal"
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": errorCode(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid"})
}
