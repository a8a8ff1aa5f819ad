package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentim/agentim/internal/settings"
)

func (a *API) handleListSettings(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, a.settings.List(r.Context()))
}

// handleSetSetting validates and persists one setting. The new value is
// picked up by every broker instance through the settings bus.
func (a *API) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := a.settings.Set(r.Context(), key, req.Value); err != nil {
		if errors.Is(err, settings.ErrUnknownKey) {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("setting changed", "key", key, "ip", a.clientIP(r))
	writeOK(w, http.StatusOK, nil)
}
