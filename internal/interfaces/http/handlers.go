package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Feed    string `json:"feed,omitempty"`
	Message string `json:"message,omitempty"`
}

type batchRequest struct {
	Feeds []feedRef `json:"feeds"`
}

type feedRef struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

type batchResponse struct {
	Prices []models.AggregatedPrice `json:"prices"`
	Errors []*errorBody             `json:"errors"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := feedFromPath(w, r)
	if !ok {
		return
	}
	ap, err := s.provider.GetCurrentPrice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "malformed JSON body"})
		return
	}
	if len(req.Feeds) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "feeds list is empty"})
		return
	}

	ids := make([]models.FeedID, 0, len(req.Feeds))
	for _, f := range req.Feeds {
		cat, ok := models.ParseCategory(f.Category)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: "bad_request", Feed: f.Category + ":" + f.Name, Message: "unknown category",
			})
			return
		}
		ids = append(ids, models.FeedID{Category: cat, Name: f.Name})
	}

	prices, errList := s.provider.GetCurrentPrices(r.Context(), ids)
	resp := batchResponse{Prices: prices, Errors: make([]*errorBody, len(errList))}
	for i, err := range errList {
		if err == nil {
			continue
		}
		resp.Errors[i] = toErrorBody(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.provider.GetSystemHealth(r.Context())
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := feedFromPath(w, r)
	if !ok {
		return
	}
	if err := s.provider.SubscribeToFeed(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed", "feed": id.String()})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := feedFromPath(w, r)
	if !ok {
		return
	}
	if err := s.provider.UnsubscribeFromFeed(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "feed": id.String()})
}

func feedFromPath(w http.ResponseWriter, r *http.Request) (models.FeedID, bool) {
	vars := mux.Vars(r)
	cat, ok := models.ParseCategory(vars["category"])
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: "unknown category " + vars["category"],
		})
		return models.FeedID{}, false
	}
	return models.FeedID{Category: cat, Name: vars["base"] + "/" + vars["quote"]}, true
}

// writeError maps the request error taxonomy onto status codes. Stale and
// degraded data are both 503: the feed exists but cannot be served right
// now. A caller-side deadline maps to 504.
func writeError(w http.ResponseWriter, err error) {
	body := toErrorBody(err)
	code := http.StatusInternalServerError
	switch errs.Code(body.Error) {
	case errs.CodeNotFound:
		code = http.StatusNotFound
	case errs.CodeStale, errs.CodeDegraded:
		code = http.StatusServiceUnavailable
	case errs.CodeRequestTimeout:
		code = http.StatusGatewayTimeout
	case errs.CodeConfigInvalid:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, body)
}

func toErrorBody(err error) *errorBody {
	var re *errs.RequestError
	if errors.As(err, &re) {
		return &errorBody{Error: string(re.Code), Feed: re.Feed, Message: re.Message}
	}
	return &errorBody{Error: "internal_error", Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
