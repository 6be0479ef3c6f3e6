package hook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"finances/internal/log"
)

// Path is where the auth backend posts the hook.
const Path = "/hooks/send-email"

const maxBodyBytes = 1 << 20

// Handler serves the send-email hook.
type Handler struct {
	mailer     Mailer
	appBaseURL string
	logger     *log.Logger
}

func NewHandler(mailer Mailer, appBaseURL string, logger *log.Logger) *Handler {
	return &Handler{mailer: mailer, appBaseURL: appBaseURL, logger: log.Or(logger, log.ComponentHook)}
}

type errorBody struct {
	Error struct {
		HTTPCode int    `json:"http_code"`
		Message  string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var body errorBody
	body.Error.HTTPCode = status
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var p Payload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	user := p.Recipient()
	if user == nil || user.Email == "" {
		h.logger.WarnContext(ctx, "Hook payload without user email")
		writeError(w, http.StatusBadRequest, "Missing user/email in hook payload")
		return
	}
	if p.EmailData == nil {
		h.logger.WarnContext(ctx, "Hook payload without email_data", log.FieldUserID, user.ID)
		writeError(w, http.StatusBadRequest, "Missing email_data in hook payload")
		return
	}

	link, err := BuildConfirmationURL(h.appBaseURL, *p.EmailData)
	switch {
	case errors.Is(err, ErrInvalidBaseURL):
		h.logger.ErrorContext(ctx, "Cannot build confirmation URL", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "Failed to build confirmation URL")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "No confirmation URL in hook payload", log.FieldUserID, user.ID)
		writeError(w, http.StatusInternalServerError, "Failed to generate confirmation link")
		return
	}

	lang := user.Language()
	h.logger.InfoContext(ctx, "Processing signup email", log.FieldUserID, user.ID, log.FieldLanguage, string(lang))

	email, err := BuildEmail(lang, link, user.Email)
	if err != nil {
		h.logger.ErrorContext(ctx, "Email rendering failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "Internal error in send-email hook")
		return
	}
	if err := h.mailer.Send(ctx, email); err != nil {
		log.NewStructuredLogger(h.logger).LogError(ctx, "Email delivery failed", err, log.OpSend,
			log.NewFields().WithUser(user.ID))
		writeError(w, http.StatusBadGateway, "Failed to send email via Resend")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}
