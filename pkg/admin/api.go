package admin

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/crystal-mush/luahost/pkg/scripting"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// --- Host ---

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.StatsMap())
}

func (a *Admin) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("admin: world saved by %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (a *Admin) handleArchive(w http.ResponseWriter, r *http.Request) {
	path, err := a.ctrl.Archive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("admin: archive %s created by %s", path, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived", "path": path})
}

func (a *Admin) handleArchives(w http.ResponseWriter, r *http.Request) {
	list, err := a.ctrl.Archives()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": list, "count": len(list)})
}

// --- World ---

// entityJSON is the API form of an entity. Components are only filled in
// for single-entity responses.
type entityJSON struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Components map[string]any `json:"components,omitempty"`
	Names      []string       `json:"component_names,omitempty"`
	Scripts    []string       `json:"scripts,omitempty"`
	Consumer   string         `json:"consumer"` // "none", "requesting" or "ready"
}

func (a *Admin) consumerState(id world.EntityID) string {
	c, ok := a.rt.Consumer(id)
	switch {
	case !ok:
		return "none"
	case c.Ready():
		return "ready"
	default:
		return "requesting"
	}
}

// handleListEntities handles GET /api/entities[?component=a&component=b]
func (a *Admin) handleListEntities(w http.ResponseWriter, r *http.Request) {
	var out []entityJSON
	a.rt.World().WithRead(func(v *world.View) {
		for _, id := range v.Query(r.URL.Query()["component"]...) {
			e, ok := v.Entity(id)
			if !ok {
				continue
			}
			out = append(out, entityJSON{
				ID:      int64(e.ID),
				Name:    e.Name,
				Names:   e.ComponentNames(),
				Scripts: e.Scripts,
			})
		}
	})
	for i := range out {
		out[i].Consumer = a.consumerState(world.EntityID(out[i].ID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": out, "count": len(out)})
}

func pathID(r *http.Request) (world.EntityID, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return world.EntityID(id), err == nil
}

func (a *Admin) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	var e *world.Entity
	a.rt.World().WithRead(func(v *world.View) {
		e, ok = v.Entity(id)
	})
	if !ok {
		writeError(w, http.StatusNotFound, "no such entity")
		return
	}
	comps := make(map[string]any, len(e.Components))
	for k, c := range e.Components {
		comps[k] = vars.ToAny(c)
	}
	writeJSON(w, http.StatusOK, entityJSON{
		ID:         int64(e.ID),
		Name:       e.Name,
		Components: comps,
		Scripts:    e.Scripts,
		Consumer:   a.consumerState(id),
	})
}

// handleSpawn handles POST /api/entities {name, components, scripts}
func (a *Admin) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string         `json:"name"`
		Components map[string]any `json:"components"`
		Scripts    []string       `json:"scripts"`
	}
	if err := readJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	comps := make(map[string]vars.Value, len(req.Components))
	for k, raw := range req.Components {
		v, err := vars.FromPlain(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "component "+k+": "+err.Error())
			return
		}
		comps[k] = v
	}

	id, err := a.rt.Spawn(req.Name, comps, req.Scripts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("admin: spawned #%d %q with %d scripts", id, req.Name, len(req.Scripts))
	writeJSON(w, http.StatusCreated, map[string]any{"id": int64(id)})
}

func (a *Admin) handleDespawn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	switch err := a.rt.DespawnEntity(id); {
	case errors.Is(err, world.ErrNoEntity):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, world.ErrRootEntity):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Printf("admin: despawned #%d", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "despawned"})
	}
}

// handleSend handles POST /api/send. "to" is entity, group, broadcast or
// none; args are JSON values converted like components.
func (a *Admin) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     string `json:"to"`
		Entity int64  `json:"entity"`
		Group  string `json:"group"`
		Hook   string `json:"hook"`
		Args   []any  `json:"args"`
	}
	if err := readJSON(r, &req); err != nil || req.Hook == "" {
		writeError(w, http.StatusBadRequest, "hook is required")
		return
	}

	var to scripting.Recipient
	switch req.To {
	case "entity":
		to = scripting.ToEntity(world.EntityID(req.Entity))
	case "group":
		to = scripting.ToGroup(req.Group)
	case "broadcast":
		to = scripting.ToAll()
	case "none", "":
		to = scripting.ToNone()
	default:
		writeError(w, http.StatusBadRequest, "to must be entity, group, broadcast or none")
		return
	}

	args := make(vars.Many, len(req.Args))
	for i, raw := range req.Args {
		v, err := vars.FromPlain(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "args["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
		args[i] = v
	}

	if err := a.rt.Send(to, req.Hook, args); err != nil {
		if errors.Is(err, scripting.ErrUnknownGroup) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "queued",
		"to":     to.String(),
	})
}

// --- Registry ---

func (a *Admin) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	reg := a.rt.Registry()
	out := make(map[string]any)
	for _, name := range reg.Names() {
		if v, ok := reg.Get(name); ok {
			out[name] = vars.ToAny(v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": out, "count": len(out)})
}

func (a *Admin) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	v, ok := a.rt.Registry().Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such registry value")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("name"), "value": vars.ToAny(v)})
}

// handlePutRegistry handles PUT /api/registry/{name} {value}
func (a *Admin) handlePutRegistry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value any `json:"value"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	v, err := vars.FromPlain(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := r.PathValue("name")
	old, existed := a.rt.Registry().Replace(name, v)
	resp := map[string]any{"name": name, "replaced": existed}
	if existed {
		resp["old"] = vars.ToAny(old)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Admin) handleDeleteRegistry(w http.ResponseWriter, r *http.Request) {
	if !a.rt.Registry().Delete(r.PathValue("name")) {
		writeError(w, http.StatusNotFound, "no such registry value")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
