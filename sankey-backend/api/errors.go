package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/gilchrisn/feature-sankey-service/pkg/featurestore"
	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/percentile"
	"github.com/gilchrisn/feature-sankey-service/pkg/selection"
	"github.com/gilchrisn/feature-sankey-service/pkg/session"
	"github.com/gilchrisn/feature-sankey-service/pkg/tagging"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/service"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/utils"
)

var validate = validator.New()

var statusByError = []struct {
	err    error
	status int
}{
	{service.ErrSessionNotFound, http.StatusNotFound},
	{partition.ErrNodeNotFound, http.StatusNotFound},
	{selection.ErrGroupNotFound, http.StatusNotFound},
	{service.ErrTooManySessions, http.StatusTooManyRequests},

	{session.ErrNoUniverse, http.StatusConflict},
	{session.ErrStaleUniverse, http.StatusConflict},
	{partition.ErrAlreadySplit, http.StatusConflict},
	{partition.ErrNotSplit, http.StatusConflict},
	{partition.ErrPatternSplit, http.StatusConflict},
	{partition.ErrMetricMismatch, http.StatusConflict},
	{selection.ErrDraftActive, http.StatusConflict},
	{selection.ErrNoDraft, http.StatusConflict},

	{partition.ErrInvalidStage, http.StatusBadRequest},
	{partition.ErrInvalidThresholds, http.StatusBadRequest},
	{partition.ErrThresholdCount, http.StatusBadRequest},
	{partition.ErrGroupMismatch, http.StatusBadRequest},
	{selection.ErrEmptyGroup, http.StatusBadRequest},
	{selection.ErrSelectionIndex, http.StatusBadRequest},
	{selection.ErrInvalid, http.StatusBadRequest},
	{tagging.ErrUnknownCategory, http.StatusBadRequest},
	{featurestore.ErrUnknownMetric, http.StatusBadRequest},
	{grouping.ErrInvalidRequest, http.StatusBadRequest},
	{percentile.ErrNoScores, http.StatusUnprocessableEntity},

	{grouping.ErrServiceUnavailable, http.StatusBadGateway},
	{grouping.ErrBadResponse, http.StatusBadGateway},
}

// statusFor maps a domain error to an HTTP status
func statusFor(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// writeError writes err with the status statusFor picks
func writeError(w http.ResponseWriter, message string, err error) {
	utils.WriteErrorResponse(w, statusFor(err), message, err)
}

// decodeAndValidate decodes the body into v and runs its validate tags. It
// writes the error response itself and reports whether the handler may go on.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := utils.DecodeJSON(r, v); err != nil {
		utils.WriteErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			utils.WriteValidationErrorResponse(w, "Request validation failed", fields)
			return false
		}
		utils.WriteErrorResponse(w, http.StatusBadRequest, "Request validation failed", err)
		return false
	}
	return true
}
