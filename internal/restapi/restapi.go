// Package restapi exposes the driver surface over HTTP, per spec §6:
// connect-all, balanced-connect-all, connect-all-to-index/leader,
// disconnect, device-status, device-id-map at a configurable base path
// (default /driver). Request bodies are JSON. A body that does not decode
// returns 400, a /response lookup with no readings returns 404, and an
// error from the driver service returns 500, each with a plain-text
// message, grounded on internal/cluster/transport.go's writeError helper.
package restapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hedopia/communicators/internal/driver"
	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
)

// RegisterRoutes mounts the driver REST surface on router under basePath.
func RegisterRoutes(router *mux.Router, basePath string, svc *driver.Service) {
	sub := router.PathPrefix(basePath).Subrouter()

	sub.HandleFunc("/connect-all", handleConnectAll(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/connect-all-to-leader", handleConnectAllToLeader(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/connect-all-to-index", handleConnectAllToIndex(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/balanced-connect-all", handleBalancedConnectAll(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/disconnect", handleDisconnect(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/reconnect-all", handleReconnectAll(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/device-status", handleDeviceStatus(svc)).Methods(http.MethodGet)
	sub.HandleFunc("/device-id-map", handleDeviceIDMap(svc)).Methods(http.MethodGet)
	sub.HandleFunc("/response", handleResponse(svc)).Methods(http.MethodGet)
	sub.HandleFunc("/execute-commands", handleExecuteCommands(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/request-commands", handleExecuteCommands(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/execute-command-ids", handleExecuteCommandIDs(svc)).Methods(http.MethodPost)
	sub.HandleFunc("/request-command-ids", handleExecuteCommandIDs(svc)).Methods(http.MethodPost)
}

type connectAllBody struct {
	NodeIndex int               `json:"nodeIndex"`
	Devices   []protocol.Device `json:"devices"`
}

func handleConnectAll(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body connectAllBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.ConnectAllToLeader(r.Context(), svc.SelfIndex(), body.Devices); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

func handleConnectAllToLeader(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body connectAllBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.ConnectAllToLeader(r.Context(), body.NodeIndex, body.Devices); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

func handleConnectAllToIndex(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body connectAllBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.ConnectAllLocal(r.Context(), body.Devices); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

func handleBalancedConnectAll(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body connectAllBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.BalancedConnectAll(r.Context(), body.Devices); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

type disconnectBody struct {
	DeviceIDs []string `json:"deviceIds"`
	OnlySelf  bool     `json:"onlySelf"`
}

func handleDisconnect(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body disconnectBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.DisconnectList(r.Context(), body.DeviceIDs, body.OnlySelf); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}

func handleReconnectAll(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ReconnectAll(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reconnected"})
	}
}

func handleDeviceStatus(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.DeviceStatus(r.Context()))
	}
}

func handleDeviceIDMap(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.DeviceIDMap(r.Context()))
	}
}

// deviceOnlyBody is the wire body for endpoints that act on every command of
// one device.
type deviceOnlyBody struct {
	DeviceID string `json:"deviceId"`
}

// commandIDsBody is the wire body for endpoints that act on a named subset
// of one device's commands.
type commandIDsBody struct {
	DeviceID   string   `json:"deviceId"`
	CommandIDs []string `json:"commandIds"`
}

func handleResponse(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("deviceId"); id != "" {
			responses, ok := svc.Responses(id)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("no responses recorded for device %q", id))
				return
			}
			writeJSON(w, http.StatusOK, responses)
			return
		}
		writeJSON(w, http.StatusOK, svc.AllResponses())
	}
}

func handleExecuteCommands(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body deviceOnlyBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.ExecuteCommands(body.DeviceID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
	}
}

func handleExecuteCommandIDs(svc *driver.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body commandIDsBody
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := svc.ExecuteCommandIDs(body.DeviceID, body.CommandIDs); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error(nil, logging.ComponentREST, "response", "failed to encode response body", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}
