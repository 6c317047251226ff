//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalapp/surveytokens/cmd/internal/util"
	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tokens"
)

const defaultEventLimit = 100

var errTokenArgument = errors.New("exactly one of token and tokenHash must be provided")

// SurveyHandler serves the admin, respondent and audit APIs.
type SurveyHandler struct {
	svc *tokens.Service
	// returnLinks is set when no sink is configured, in which case the issuing
	// response is the only place the links are handed out.
	returnLinks bool
}

func (h *SurveyHandler) routes(accounts gin.Accounts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), accessLog())

	admin := router.Group("/admin", gin.BasicAuth(accounts))
	admin.GET("/surveys", h.listSurveys)
	admin.POST("/surveys", h.createSurvey)
	admin.POST("/surveys/:id/questions", h.addQuestion)
	admin.GET("/surveys/:id/batches", h.listBatches)
	admin.POST("/surveys/:id/batches", h.issueBatch)
	admin.POST("/batches/:id/tokens/:hash/revoke", h.revokeToken)
	admin.GET("/events", h.auditEvents)

	respond := router.Group("/respond")
	respond.GET("/surveys/:id", h.getSurvey)
	respond.POST("/submit", h.submit)

	audit := router.Group("/audit")
	audit.GET("/batches/:id", h.batchDetail)
	audit.GET("/verify", h.verify)
	audit.GET("/key", h.publicKey)

	return router
}

func (h *SurveyHandler) createSurvey(c *gin.Context) {
	var req tokens.NewSurvey
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	survey, err := h.svc.CreateSurvey(c.Request.Context(), &req)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, survey)
}

func (h *SurveyHandler) listSurveys(c *gin.Context) {
	surveys, err := h.svc.ListSurveys(c.Request.Context())
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"surveys": surveys})
}

func (h *SurveyHandler) addQuestion(c *gin.Context) {
	var req tokens.NewQuestion
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	question, err := h.svc.AddQuestion(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, question)
}

func (h *SurveyHandler) listBatches(c *gin.Context) {
	batches, err := h.svc.ListBatches(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

type issueBatchRequest struct {
	Size int `json:"size"`
}

type issueBatchResponse struct {
	*db.Batch
	Links         []string `json:"links,omitempty"`
	DeliveryError string   `json:"deliveryError,omitempty"`
}

func (h *SurveyHandler) issueBatch(c *gin.Context) {
	var req issueBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	issued, err := h.svc.IssueBatch(c.Request.Context(), c.Param("id"), req.Size)
	if err != nil && !errors.Is(err, tokens.ErrDeliveryFailed) {
		abortWithError(c, statusFor(err), err)
		return
	}

	res := &issueBatchResponse{Batch: issued.Batch}
	if err != nil {
		// The batch is stored, so the links must not be lost with the failed
		// delivery.
		util.Log().Errorf("batch %v: %v", issued.Batch.ID, err)
		res.Links = issued.Links
		res.DeliveryError = err.Error()
	} else if h.returnLinks {
		res.Links = issued.Links
	}
	c.JSON(http.StatusCreated, res)
}

func (h *SurveyHandler) revokeToken(c *gin.Context) {
	if err := h.svc.RevokeToken(c.Request.Context(), c.Param("id"), c.Param("hash")); err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SurveyHandler) auditEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := h.svc.AuditEvents(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *SurveyHandler) getSurvey(c *gin.Context) {
	survey, err := h.svc.GetSurveyForRespondent(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, survey)
}

// submitRequest carries either the token secret from a respondent link or
// its hash.
type submitRequest struct {
	SurveyID  string       `json:"surveyId" binding:"required"`
	BatchID   string       `json:"batchId"`
	Token     string       `json:"token"`
	TokenHash string       `json:"tokenHash"`
	Answers   []*db.Answer `json:"answers"`
}

func (req *submitRequest) tokenHash() (string, error) {
	if (req.Token == "") == (req.TokenHash == "") {
		return "", errTokenArgument
	} else if req.TokenHash != "" {
		return req.TokenHash, nil
	}
	secret, err := tokens.ParseSecret(req.Token)
	if err != nil {
		return "", err
	}
	return secret.Hash().String(), nil
}

func (h *SurveyHandler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	tokenHash, err := req.tokenHash()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.svc.Redeem(c.Request.Context(), &tokens.Submission{
		SurveyID:  req.SurveyID,
		BatchID:   req.BatchID,
		TokenHash: tokenHash,
		Answers:   req.Answers,
	})
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func (h *SurveyHandler) batchDetail(c *gin.Context) {
	detail, err := h.svc.GetBatchDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *SurveyHandler) verify(c *gin.Context) {
	batchID, tokenHash := c.Query("batchId"), c.Query("tokenHash")
	if batchID == "" || tokenHash == "" {
		abortWithError(c, http.StatusBadRequest, errors.New("batchId and tokenHash are required"))
		return
	}
	res, err := h.svc.Verify(c.Request.Context(), batchID, tokenHash)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SurveyHandler) publicKey(c *gin.Context) {
	pub := h.svc.PublicKey()
	if pub == nil {
		abortWithError(c, http.StatusNotFound, errors.New("batches are not signed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": hex.EncodeToString(pub)})
}
