package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/automode"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

const maxBody = 1 << 20

type handler struct {
	svc    *Service
	health func() map[string]bool
	logger *slog.Logger
}

// ---------- Health ----------

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.health != nil {
		checks := h.health()
		for _, ok := range checks {
			if !ok {
				resp["status"] = "degraded"
			}
		}
		resp["checks"] = checks
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------- Auto-mode ----------

func (h *handler) ListAutoMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": h.svc.ListAutoMode()})
}

func (h *handler) AutoModeStatus(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.AutoModeStatus(chat))
}

func (h *handler) StartAutoMode(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	info, started, err := h.svc.StartAutoMode(chat)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"started": started, "worker": info})
}

func (h *handler) StopAutoMode(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	info, signalled := h.svc.StopAutoMode(chat)
	writeJSON(w, http.StatusOK, map[string]any{"stopping": signalled, "worker": info})
}

// ---------- Settings ----------

type settingsRequest struct {
	Persona        string             `json:"persona,omitempty"`
	Overrides      settings.Overrides `json:"overrides"`
	PersonaDefault bool               `json:"also_update_persona_default,omitempty"`
}

func (h *handler) ResolveSettings(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	view, err := h.svc.ResolveSettings(r.Context(), chat, r.URL.Query().Get("persona"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.svc.SaveSettings(r.Context(), chat, req.Persona, req.Overrides, req.PersonaDefault)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) ResetSettings(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.ResetSettings(r.Context(), chat, r.URL.Query().Get("persona")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) BindPersona(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Persona string `json:"persona"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Persona == "" {
		writeError(w, http.StatusBadRequest, "persona is required")
		return
	}
	if _, err := h.svc.GetPersona(r.Context(), req.Persona); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.svc.BindPersona(r.Context(), chat, req.Persona); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat, "persona": req.Persona})
}

func (h *handler) SaveChatNote(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Persona string `json:"persona,omitempty"`
		Note    string `json:"note"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SaveChatNote(r.Context(), chat, req.Persona, req.Note); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- Manual generation ----------

func (h *handler) Generate(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	draft, err := h.svc.Generate(r.Context(), chat)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (h *handler) Send(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Send(r.Context(), chat, req.Text)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.UpdateMemory(r.Context(), chat)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ---------- Personas ----------

func (h *handler) ListPersonas(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListPersonas(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []store.PersonaSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": list})
}

func (h *handler) CreatePersona(w http.ResponseWriter, r *http.Request) {
	var in PersonaInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.svc.CreatePersona(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) GetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPersona(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) UpdatePersona(w http.ResponseWriter, r *http.Request) {
	var in PersonaInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.svc.UpdatePersona(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ---------- Helpers ----------

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var llmErr *llm.Error
	var trErr *transport.Error
	switch {
	case errors.Is(err, persona.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, automode.ErrNoPersona):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidSettings), errors.Is(err, ErrInvalidPersona):
		return http.StatusBadRequest
	case errors.Is(err, compose.ErrNothingToSend):
		return http.StatusUnprocessableEntity
	case errors.Is(err, automode.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &llmErr), errors.As(err, &trErr),
		errors.Is(err, transport.ErrDisconnected), errors.Is(err, automode.ErrHistory):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("control: request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func chatParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "chat")
	chat, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid chat id %q", raw))
		return 0, false
	}
	return chat, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
