package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/gigglebyte/bot"
	"github.com/onnwee/gigglebyte/command"
	"github.com/onnwee/gigglebyte/db"
	"github.com/onnwee/gigglebyte/settings"
	"github.com/onnwee/gigglebyte/telemetry"
)

const maxSettingsBody = 64 << 10

type userResponse struct {
	Username       string      `json:"username"`
	BotEnabled     bool        `json:"botEnabled"`
	JokeFrequency  int         `json:"jokeFrequency"`
	JokeCategories []string    `json:"jokeCategories"`
	CustomCommands command.Set `json:"customCommands"`
	Bot            *bot.Status `json:"bot"`
}

// HandleUser returns the signed-in user's settings and bot status.
func (h *Handlers) HandleUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := sessionFrom(r.Context())
	u, err := h.Store.GetUser(r.Context(), claims.Subject)
	if errors.Is(err, db.ErrUserNotFound) {
		h.clearSessionCookie(w)
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("failed to load user", slog.String("twitch_id", claims.Subject), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	resp := userResponse{
		Username:       u.Login,
		BotEnabled:     u.BotEnabled,
		JokeFrequency:  u.JokeFrequency,
		JokeCategories: u.JokeCategories,
		CustomCommands: u.CustomCommands,
	}
	if resp.JokeCategories == nil {
		resp.JokeCategories = []string{}
	}
	if resp.CustomCommands == nil {
		resp.CustomCommands = command.Set{}
	}
	if st, ok := h.Sessions.Get(u.TwitchID); ok {
		resp.Bot = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type settingsRequest struct {
	BotEnabled     bool        `json:"botEnabled"`
	JokeFrequency  int         `json:"jokeFrequency"`
	JokeCategories []string    `json:"jokeCategories"`
	CustomCommands commandList `json:"customCommands"`
}

// commandList accepts [{"name","response"}] objects as well as the older
// [["name","response"]] pair form.
type commandList command.Set

func (c *commandList) UnmarshalJSON(b []byte) error {
	var objs command.Set
	if err := json.Unmarshal(b, &objs); err == nil {
		*c = commandList(objs)
		return nil
	}
	var pairs [][2]string
	if err := json.Unmarshal(b, &pairs); err != nil {
		return errors.New("customCommands must be a list of {name, response} objects or [name, response] pairs")
	}
	out := make(commandList, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, command.Custom{Name: p[0], Response: p[1]})
	}
	*c = out
	return nil
}

// HandleSettings saves the signed-in user's settings and applies them to the
// running bot.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	claims, _ := sessionFrom(r.Context())
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("twitch_id", claims.Subject))

	var req settingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	st, err := h.Settings.Apply(r.Context(), claims.Subject, db.Settings{
		BotEnabled:     req.BotEnabled,
		JokeFrequency:  req.JokeFrequency,
		JokeCategories: req.JokeCategories,
		CustomCommands: command.Set(req.CustomCommands),
	})
	switch {
	case err == nil:
	case settings.IsInvalid(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, db.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	default:
		logger.Error("failed to apply settings", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "failed to apply settings")
		return
	}

	resp := map[string]any{"success": true, "settings": userResponse{
		Username:       claims.Login,
		BotEnabled:     st.BotEnabled,
		JokeFrequency:  st.JokeFrequency,
		JokeCategories: st.JokeCategories,
		CustomCommands: st.CustomCommands,
	}}
	if bs, ok := h.Sessions.Get(claims.Subject); ok {
		resp["bot"] = bs
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBotStatus returns the signed-in user's session snapshot.
func (h *Handlers) HandleBotStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := sessionFrom(r.Context())
	if st, ok := h.Sessions.Get(claims.Subject); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenantId": claims.Subject, "state": string(bot.StateStopped)})
}
