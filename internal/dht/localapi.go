package dht

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/ssd-technologies/whisper/internal/mailbox"
)

// Inbox is the local mailbox as seen by the API and the console.
type Inbox interface {
	List(limit int) ([]mailbox.Message, error)
	Delete(id int64) error
}

// LocalAPI exposes a Node's functionality as a localhost HTTP REST API.
// All endpoints are prefixed with /local/ and return JSON responses.
type LocalAPI struct {
	node  *Node
	inbox Inbox
	ws    http.Handler
}

// NewLocalAPI creates a new LocalAPI wrapping the given node. inbox and ws
// are optional; their endpoints answer 404 when nil.
func NewLocalAPI(node *Node, inbox Inbox, ws http.Handler) *LocalAPI {
	return &LocalAPI{node: node, inbox: inbox, ws: ws}
}

// Handler returns an http.Handler that routes requests to the appropriate
// LocalAPI methods. Designed to be mounted on a localhost-only HTTP server.
func (api *LocalAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/local/health", api.handleHealth)
	mux.HandleFunc("/local/buckets", api.handleBuckets)
	mux.HandleFunc("/local/key", api.handleKey)
	mux.HandleFunc("/local/messages/send", api.handleMessageSend)
	mux.HandleFunc("/local/messages/inbox", api.handleMessageInbox)
	mux.HandleFunc("DELETE /local/messages/inbox/{id}", api.handleMessageDelete)
	if api.ws != nil {
		mux.Handle("/local/ws", api.ws)
	}

	return mux
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// maxAPIBodySize is the maximum allowed request body for LocalAPI endpoints.
const maxAPIBodySize = 64 << 10 // 64 KB

// readBody reads and returns the request body, enforcing a size limit.
// Returns nil, false if the body exceeds the limit or cannot be read.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	if len(body) > maxAPIBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

// handleHealth responds with node health status.
// GET /local/health
func (api *LocalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"username": api.node.Username(),
		"node_id":  api.node.ID().String(),
		"addr":     api.node.Addr(),
		"peers":    api.node.Table().Size(),
		"queries":  api.node.queries.len(),
	})
}

type bucketEntry struct {
	Index    int           `json:"index"`
	Contacts []contactView `json:"contacts"`
}

type contactView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Addr     string `json:"addr"`
	HasKey   bool   `json:"has_key"`
}

// handleBuckets lists the non-empty k-buckets in index order.
// GET /local/buckets
func (api *LocalAPI) handleBuckets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	buckets := api.node.Buckets()
	out := make([]bucketEntry, 0, len(buckets))
	for idx, cs := range buckets {
		e := bucketEntry{Index: idx}
		for _, c := range cs {
			e.Contacts = append(e.Contacts, contactView{
				ID:       c.ID.String(),
				Username: c.Username,
				Addr:     c.Addr(),
				HasKey:   c.PublicKey != "",
			})
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": out})
}

// handleKey resolves a username's public key.
// GET /local/key?username=U
func (api *LocalAPI) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username parameter required")
		return
	}
	key, err := api.node.FindPublicKey(r.Context(), username)
	if err != nil {
		writeError(w, lookupStatus(err), "key lookup failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username, "public_key": key})
}

// handleMessageSend handles POST /local/messages/send.
// Body: {"to": "username", "text": "..."}
func (api *LocalAPI) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to field required")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text field required")
		return
	}

	delivered, err := api.node.SendMessage(r.Context(), req.To, req.Text)
	if err != nil {
		writeError(w, lookupStatus(err), "send message failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "sent", "delivered": delivered})
}

// handleMessageInbox handles GET /local/messages/inbox?limit=N.
func (api *LocalAPI) handleMessageInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if api.inbox == nil {
		writeError(w, http.StatusNotFound, "no mailbox configured")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}
	msgs, err := api.inbox.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "inbox failed: "+err.Error())
		return
	}
	if msgs == nil {
		msgs = []mailbox.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleMessageDelete handles DELETE /local/messages/inbox/{id}.
func (api *LocalAPI) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	if api.inbox == nil {
		writeError(w, http.StatusNotFound, "no mailbox configured")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := api.inbox.Delete(id); err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "id": id})
}

// lookupStatus maps overlay errors onto HTTP status codes.
func lookupStatus(err error) int {
	switch {
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, ErrNoConsensus):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
