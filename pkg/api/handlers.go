package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/party"
)

type createPartyRequest struct {
	FounderID string `json:"founder_id"`
	Name      string `json:"name"`
	Activity  string `json:"activity"`
	Capacity  int    `json:"capacity"`
}

type userRequest struct {
	UserID string `json:"user_id"`
}

type leaveRequest struct {
	UserID  string `json:"user_id"`
	Confirm bool   `json:"confirm"`
}

type kickRequest struct {
	RequesterID string `json:"requester_id"`
	TargetID    string `json:"target_id"`
}

type disbandRequest struct {
	RequesterID string `json:"requester_id"`
}

type heartbeatRequest struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type cooldownRequest struct {
	Reason string `json:"reason"`
}

type queueSlot struct {
	Position int `json:"position"`
	model.QueueEntry
}

// bind decodes the JSON body into req; an empty body leaves req untouched.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func requireID(c *gin.Context, name, value string) bool {
	if strings.TrimSpace(value) == "" {
		badRequest(c, "missing "+name)
		return false
	}
	return true
}

// ---- Parties ----

func (h *handlers) createParty(c *gin.Context) {
	var req createPartyRequest
	if !bind(c, &req) || !requireID(c, "founder_id", req.FounderID) {
		return
	}
	p, err := h.Parties.CreateParty(c.Request.Context(), party.CreateRequest{
		Branch:    c.Param("branch"),
		FounderID: req.FounderID,
		Name:      req.Name,
		Activity:  req.Activity,
		Capacity:  req.Capacity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *handlers) listParties(c *gin.Context) {
	ps, err := h.Parties.ListBranch(c.Request.Context(), c.Param("branch"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": c.Param("branch"), "parties": ps})
}

func (h *handlers) getParty(c *gin.Context) {
	r, err := h.Parties.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) joinParty(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) || !requireID(c, "user_id", req.UserID) {
		return
	}
	p, err := h.Parties.JoinParty(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) leaveParty(c *gin.Context) {
	var req leaveRequest
	if !bind(c, &req) || !requireID(c, "user_id", req.UserID) {
		return
	}
	disbanded, err := h.Parties.LeaveParty(c.Request.Context(), c.Param("id"), req.UserID, req.Confirm)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"party_id": c.Param("id"), "disbanded": disbanded})
}

func (h *handlers) kickMember(c *gin.Context) {
	var req kickRequest
	if !bind(c, &req) || !requireID(c, "requester_id", req.RequesterID) || !requireID(c, "target_id", req.TargetID) {
		return
	}
	if err := h.Parties.KickMember(c.Request.Context(), c.Param("id"), req.RequesterID, req.TargetID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) disbandParty(c *gin.Context) {
	req := disbandRequest{RequesterID: c.Query("requester_id")}
	if !bind(c, &req) || !requireID(c, "requester_id", req.RequesterID) {
		return
	}
	if err := h.Parties.DisbandParty(c.Request.Context(), c.Param("id"), req.RequesterID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) partyOf(c *gin.Context) {
	p, err := h.Parties.PartyOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ---- Presence ----

func (h *handlers) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if !bind(c, &req) || !requireID(c, "user_id", req.UserID) {
		return
	}
	if req.Status == "" {
		req.Status = model.StatusOnline
	}
	at := h.Now()
	if err := h.Presence.Heartbeat(c.Request.Context(), req.UserID, req.Status, at); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":   req.UserID,
		"status":    model.NormalizeStatus(req.Status),
		"last_seen": at,
	})
}

// ---- Queues ----

func (h *handlers) queueEntries(c *gin.Context) {
	entries, err := h.Queues.Entries(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	slots := make([]queueSlot, len(entries))
	for i, e := range entries {
		slots[i] = queueSlot{Position: i + 1, QueueEntry: e}
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":    c.Param("id"),
		"capacity": h.Queues.Capacity(),
		"entries":  slots,
	})
}

func (h *handlers) queueJoin(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) || !requireID(c, "user_id", req.UserID) {
		return
	}
	pos, err := h.Queues.Join(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("id"), "user_id": req.UserID, "position": pos})
}

func (h *handlers) queueLeave(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) || !requireID(c, "user_id", req.UserID) {
		return
	}
	if err := h.Queues.Leave(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) queuePosition(c *gin.Context) {
	pos, ok, err := h.Queues.PositionOf(c.Request.Context(), c.Param("id"), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in queue", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("id"), "user_id": c.Param("user"), "position": pos})
}

func (h *handlers) queueServe(c *gin.Context) {
	e, err := h.Queues.Serve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// ---- Cooldowns ----

func (h *handlers) getCooldown(c *gin.Context) {
	cd, err := h.Queues.Cooldown(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	if cd == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cooldown", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, cd)
}

func (h *handlers) setCooldown(c *gin.Context) {
	var req cooldownRequest
	if !bind(c, &req) {
		return
	}
	if err := h.Queues.GrantCooldown(c.Request.Context(), c.Param("user"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) clearCooldown(c *gin.Context) {
	if err := h.Queues.ClearCooldown(c.Request.Context(), c.Param("user")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
