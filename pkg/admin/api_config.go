package admin

import (
	"encoding/json"
	"io"
	"log"
	"mime"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

// handleGetConfig returns the config file both as text and decoded, so a
// client can show the raw file or edit individual keys.
func (a *Admin) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	confPath := a.ctrl.ConfPath()
	if confPath == "" {
		writeError(w, http.StatusNotFound, "host is running on built-in defaults")
		return
	}
	data, err := os.ReadFile(confPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read config: "+err.Error())
		return
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		writeError(w, http.StatusInternalServerError, "config on disk is not valid YAML: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   confPath,
		"yaml":   string(data),
		"config": decoded,
	})
}

// configBody turns a PUT body into YAML. A JSON object is re-encoded;
// application/yaml and text/yaml bodies are taken as they are.
func configBody(r *http.Request) ([]byte, int, string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, http.StatusBadRequest, "read body: " + err.Error()
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return body, 0, ""
	}
	var keys map[string]any
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, http.StatusBadRequest, "invalid JSON: " + err.Error()
	}
	out, err := yaml.Marshal(keys)
	if err != nil {
		return nil, http.StatusInternalServerError, "encode YAML: " + err.Error()
	}
	return out, 0, ""
}

// handlePutConfig validates and replaces the config file, keeping the
// previous version as <path>.bak. The running host is not reconfigured.
func (a *Admin) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	confPath := a.ctrl.ConfPath()
	if confPath == "" {
		writeError(w, http.StatusNotFound, "host is running on built-in defaults")
		return
	}
	data, status, msg := configBody(r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	if err := a.ctrl.ValidateConfig(data); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if old, err := os.ReadFile(confPath); err == nil {
		if err := os.WriteFile(confPath+".bak", old, 0644); err != nil {
			writeError(w, http.StatusInternalServerError, "back up config: "+err.Error())
			return
		}
	}
	if err := os.WriteFile(confPath, data, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, "write config: "+err.Error())
		return
	}
	log.Printf("admin: config %s replaced by %s, applies on restart", confPath, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "saved",
		"path":    confPath,
		"backup":  confPath + ".bak",
		"restart": true,
	})
}
