package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
)

// StudentHandler handles student-facing endpoints (paper, autosave, submit).
type StudentHandler struct {
	answers     *service.AnswerService
	submissions *service.SubmissionService
	catalog     *service.CatalogService
	log         zerolog.Logger
}

// NewStudentHandler creates a new StudentHandler.
func NewStudentHandler(
	answers *service.AnswerService,
	submissions *service.SubmissionService,
	catalog *service.CatalogService,
	log zerolog.Logger,
) *StudentHandler {
	return &StudentHandler{
		answers:     answers,
		submissions: submissions,
		catalog:     catalog,
		log:         log.With().Str("component", "student_handler").Logger(),
	}
}

// GetPaper godoc
// GET /api/v1/student/paper
// Returns the active test's questions without correctness flags.
func (h *StudentHandler) GetPaper(c *gin.Context) {
	paper, err := h.catalog.Paper(c.Request.Context())
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// GetState godoc
// GET /api/v1/student/state
// Returns the snapshot, the student's answers and submission for reload recovery.
func (h *StudentHandler) GetState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	state, err := h.answers.State(c.Request.Context(), claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// RecordAnswer godoc
// PUT /api/v1/student/answers
// Upserts one answer. Safe to retry.
func (h *StudentHandler) RecordAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	answer, err := h.answers.RecordAnswer(c.Request.Context(), claims.UserID, req.QuestionID, *req.OptionIndex, req.Generation)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, answer)
}

// Submit godoc
// POST /api/v1/student/submit
// Finalizes the run. Both accepted and already_submitted are 200.
func (h *StudentHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.submissions.Finalize(c.Request.Context(), claims.UserID, req.Trigger)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}
