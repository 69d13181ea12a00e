/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package usage

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-quotaguard/httpserver/middleware"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/restapi"
)

// MaxDailyUsageDays limits the "days" query parameter.
const MaxDailyUsageDays = 90

// Failure messages of the usage endpoint.
const (
	MessageSummaryFailed = "Failed to get usage summary."
	MessageInvalidDays   = "Invalid days parameter."
)

// HandlerOpts represents options for Handler.
type HandlerOpts struct {
	Limits      quota.Limits
	Profile     string
	ErrorDomain string
	Logger      log.FieldLogger
}

// Handler serves the usage summary of the configured profile wrapped into restapi.Envelope.
// The optional "days" query parameter overrides the number of days in dailyUsage.
type Handler struct {
	reporter *Reporter
	opts     HandlerOpts
}

// NewHandler creates a new Handler.
func NewHandler(reporter *Reporter, opts HandlerOpts) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Handler{reporter: reporter, opts: opts}
}

// Routes mounts the handler at GET /usage.
func (h *Handler) Routes(router chi.Router) {
	router.Method(http.MethodGet, "/usage", h)
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	if logger == nil {
		logger = h.opts.Logger
	}

	days := h.reporter.DailyUsageDays()
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxDailyUsageDays {
			restapi.RespondFailure(rw, http.StatusBadRequest, h.opts.ErrorDomain, MessageInvalidDays, logger)
			return
		}
		days = n
	}

	summary, err := h.reporter.SummaryForDays(r.Context(), h.opts.Limits, h.opts.Profile, days)
	if err != nil {
		logger.Error("failed to build usage summary", log.Error(err), log.String("profile", h.opts.Profile))
		restapi.RespondFailure(rw, http.StatusInternalServerError, h.opts.ErrorDomain, MessageSummaryFailed, logger)
		return
	}
	restapi.RespondSuccess(rw, summary, logger)
}
