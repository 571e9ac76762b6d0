package management

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"relayq/internal/logger"
	"relayq/pkg/cel"
	"relayq/pkg/errors"
)

// OperatorHeader names the operator on audited requests.
const OperatorHeader = "X-Operator"

const defaultOperator = "system"

type Operator struct {
	Name      string
	IPAddress string
}

type operatorKey struct{}

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

func OperatorFrom(ctx context.Context) Operator {
	if op, ok := ctx.Value(operatorKey{}).(Operator); ok && op.Name != "" {
		return op
	}
	return Operator{Name: defaultOperator}
}

// OperatorMiddleware attaches the caller to the request context.
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.GetHeader(OperatorHeader)
		if name == "" {
			name = defaultOperator
		}
		ctx := WithOperator(c.Request.Context(), Operator{Name: name, IPAddress: c.ClientIP()})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, errors.ToErrorResponse(err))
}

// exactJSON binds like binding.JSON but decodes numbers as json.Number,
// so payload integers are not rounded through float64.
type exactJSON struct{}

func (exactJSON) Name() string {
	return "json"
}

func (exactJSON) Bind(req *http.Request, obj interface{}) error {
	if req == nil || req.Body == nil {
		return fmt.Errorf("invalid request")
	}
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(obj); err != nil {
		return err
	}
	if binding.Validator == nil {
		return nil
	}
	return binding.Validator.ValidateStruct(obj)
}

func (h *BaseHandler) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindWith(dst, exactJSON{}); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err).WithMessage(err.Error())))
		return false
	}
	return true
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	v1.Use(OperatorMiddleware())
	{
		messages := v1.Group("/messages")
		{
			messages.POST("", h.Enqueue)
			messages.GET("/:id", h.Lookup)
			messages.POST("/:id/ack", h.Ack)
			messages.POST("/:id/nack", h.Nack)
		}

		q := v1.Group("/queue")
		{
			q.GET("/stats", h.Stats)
			q.DELETE("", h.Drain)
		}

		deadLetters := v1.Group("/dead-letters")
		{
			deadLetters.GET("", h.DeadLetters)
			deadLetters.GET("/archive", h.ArchivedDeadLetters)
		}

		v1.POST("/rules/validate", h.ValidateRule)
		v1.GET("/rules/examples", h.RuleExamples)
		v1.GET("/audit/logs", h.AuditLogs)
	}
}

// @Summary      Enqueue a message
// @Description  Append a message to the pending list. The id is generated when omitted.
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        message  body      EnqueueRequest  true  "Message to enqueue"
// @Success      201      {object}  models.Message
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Failure      500      {object}  errors.ErrorResponse
// @Router       /messages [post]
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if !h.bindJSON(c, &req) {
		return
	}

	msg, err := h.Service.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// @Summary      Look up a message
// @Description  Report which list currently holds the message
// @Tags         messages
// @Produce      json
// @Param        id   path      string  true  "Message ID"
// @Success      200  {object}  MessageState
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /messages/{id} [get]
func (h *Handler) Lookup(c *gin.Context) {
	state, err := h.Service.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// @Summary      Acknowledge a message
// @Description  Remove a processing message for good
// @Tags         messages
// @Produce      json
// @Param        id   path      string  true  "Message ID"
// @Success      200  {object}  AckResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /messages/{id}/ack [post]
func (h *Handler) Ack(c *gin.Context) {
	resp, err := h.Service.Ack(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Nack takes an optional body with a reason.
//
// @Summary      Reject a message
// @Description  Requeue a processing message, or dead-letter it once its retries are spent
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        id      path      string       true   "Message ID"
// @Param        reason  body      NackRequest  false  "Failure reason"
// @Success      200     {object}  NackResponse
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      404     {object}  errors.ErrorResponse
// @Failure      409     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /messages/{id}/nack [post]
func (h *Handler) Nack(c *gin.Context) {
	var req NackRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}

	resp, err := h.Service.Nack(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      Queue statistics
// @Tags         queue
// @Produce      json
// @Success      200  {object}  StatsResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /queue/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.Service.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary      Drain the queue
// @Description  Delete every pending, processing and dead-lettered message
// @Tags         queue
// @Success      204
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /queue [delete]
func (h *Handler) Drain(c *gin.Context) {
	if err := h.Service.Drain(c.Request.Context()); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary      List dead-lettered messages
// @Tags         dead-letters
// @Produce      json
// @Param        limit  query     int  false  "Maximum number of messages"
// @Success      200    {object}  DeadLettersResponse
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /dead-letters [get]
func (h *Handler) DeadLetters(c *gin.Context) {
	limit, err := ParseLimit(c.Query("limit"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp, err := h.Service.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      List archived dead letters
// @Description  Newest first. Requires a configured archive.
// @Tags         dead-letters
// @Produce      json
// @Param        limit  query     int  false  "Maximum number of entries"
// @Success      200    {array}   deadletter.ArchivedMessage
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      404    {object}  errors.ErrorResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /dead-letters/archive [get]
func (h *Handler) ArchivedDeadLetters(c *gin.Context) {
	limit, err := ParseLimit(c.Query("limit"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	archived, err := h.Service.ArchivedDeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, archived)
}

// @Summary      Validate a CEL routing rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        rule  body      ValidateRuleRequest  true  "Rule expression"
// @Success      200   {object}  ValidateRuleResponse
// @Failure      400   {object}  errors.ErrorResponse
// @Router       /rules/validate [post]
func (h *Handler) ValidateRule(c *gin.Context) {
	var req ValidateRuleRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.Service.ValidateRule(c.Request.Context(), req); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ValidateRuleResponse{Expression: req.Expression, Valid: true})
}

// @Summary      Example CEL rules
// @Tags         rules
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /rules/examples [get]
func (h *Handler) RuleExamples(c *gin.Context) {
	c.JSON(http.StatusOK, cel.RuleExamples)
}

// @Summary      List audit log entries
// @Tags         audit
// @Produce      json
// @Param        limit  query     int  false  "Maximum number of entries"
// @Success      200    {array}   AuditLogEntry
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      404    {object}  errors.ErrorResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /audit/logs [get]
func (h *Handler) AuditLogs(c *gin.Context) {
	limit, err := ParseLimit(c.Query("limit"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	entries, err := h.Service.AuditLogs(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
