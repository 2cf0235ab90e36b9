package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/kiraleos/accountant-client/internal/connectivity"
	"github.com/kiraleos/accountant-client/internal/core"
	"github.com/kiraleos/accountant-client/internal/logger"
	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/kiraleos/accountant-client/internal/store"
	"github.com/rs/zerolog"
)

// maxUploadSize bounds statement uploads on POST /api/messages.
const maxUploadSize = 10 << 20

var keepAliveInterval = 30 * time.Second

// SyncCoordinator is implemented by *core.SyncService.
type SyncCoordinator interface {
	State() core.State
	Subscribe(fn func(core.State)) (unsubscribe func())
	Sync(ctx context.Context) error
	RecordTransaction(ctx context.Context, tx store.Transaction) (store.Transaction, error)
	Transactions(ctx context.Context) ([]store.Transaction, error)
	ExportLedger(ctx context.Context, w io.Writer) (int64, error)
	ResetThread(ctx context.Context) (string, error)
}

// Conversation is implemented by *core.ConversationService.
type Conversation interface {
	Submit(ctx context.Context, content string, att *remote.Attachment) error
	RetryLastTurn(ctx context.Context) error
}

type APIHandler struct {
	sync   SyncCoordinator
	chat   Conversation
	manual *connectivity.Manual // nil when connectivity is probed
	log    zerolog.Logger
}

func NewAPIHandler(sync SyncCoordinator, chat Conversation, manual *connectivity.Manual, log zerolog.Logger) *APIHandler {
	return &APIHandler{sync: sync, chat: chat, manual: manual, log: log}
}

func (h *APIHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.State())
}

// EventsHandler streams a "state" server-sent event for every transition,
// starting with the current State. A slow client skips intermediate states
// but always receives the latest one.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server's write timeout would otherwise cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.log.Warn().Err(err).Msg("Failed to clear write deadline for event stream")
	}

	updates := make(chan core.State, 1)
	unsubscribe := h.sync.Subscribe(func(st core.State) {
		select {
		case <-updates:
		default:
		}
		updates <- st
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, h.sync.State()); err != nil {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-updates:
			if err := writeEvent(w, rc, st); err != nil {
				h.log.Debug().Err(err).Msg("Event stream closed")
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			rc.Flush()
		}
	}
}

func writeEvent(w io.Writer, rc *http.ResponseController, st core.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

// PostMessageHandler accepts JSON {"content"} or a multipart form with a
// "content" field and an optional "file".
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var (
		content string
		att     *remote.Attachment
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
			return
		}
		content = r.FormValue("content")

		file, header, err := r.FormFile("file")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			writeError(w, http.StatusBadRequest, "Invalid file upload: "+err.Error())
			return
		default:
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
				return
			}
			att = &remote.Attachment{FileName: header.Filename, Data: data}
		}
	} else {
		var req PostMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
		content = req.Content
	}

	if err := h.chat.Submit(r.Context(), content, att); err != nil {
		h.writeServiceError(w, r, err, "Failed to send message")
		return
	}
	writeJSON(w, http.StatusOK, h.sync.State())
}

func (h *APIHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.RetryLastTurn(r.Context()); err != nil {
		h.writeServiceError(w, r, err, "Failed to retry message")
		return
	}
	writeJSON(w, http.StatusOK, h.sync.State())
}

func (h *APIHandler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Sync(r.Context()); err != nil {
		h.writeServiceError(w, r, err, "Failed to sync")
		return
	}
	writeJSON(w, http.StatusOK, h.sync.State())
}

func (h *APIHandler) RecordTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var tx store.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	saved, err := h.sync.RecordTransaction(r.Context(), tx)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to record transaction")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *APIHandler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	txs, err := h.sync.Transactions(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to load transactions")
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// ExportHandler buffers the export so that a failure can still be reported
// with a proper status.
func (h *APIHandler) ExportHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := h.sync.ExportLedger(r.Context(), &buf); err != nil {
		h.writeServiceError(w, r, err, "Failed to export ledger")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *APIHandler) ConnectivityHandler(w http.ResponseWriter, r *http.Request) {
	if h.manual == nil {
		writeError(w, http.StatusConflict, "Connectivity is probed automatically")
		return
	}

	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `Request body must be {"online": true|false}`)
		return
	}

	h.manual.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, h.sync.State())
}

func (h *APIHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	threadID, err := h.sync.ResetThread(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to reset local data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": threadID})
}

// writeServiceError maps core and remote errors to HTTP statuses.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, message string) {
	log := logger.FromContext(r.Context())
	var remoteErr *remote.RemoteError
	switch {
	case errors.Is(err, core.ErrEmptyMessage), errors.Is(err, core.ErrInvalidLedgerTx):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrTurnInProgress), errors.Is(err, core.ErrNothingToRetry), errors.Is(err, core.ErrSyncConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrOffline), errors.Is(err, core.ErrNotStarted), errors.Is(err, remote.ErrNetworkUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &remoteErr):
		log.Warn().Err(err).Msg(message)
		writeError(w, http.StatusBadGateway, message+": "+remoteErr.Message)
	case errors.Is(err, context.Canceled):
		// Client went away; nobody is listening for the answer.
	default:
		log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message)
	}
}
