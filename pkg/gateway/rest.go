package gateway

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/harun/courier/pkg/chat"
)

// REST routes mirror the original HTTP surface of the chat server.
func (s *Server) registerRESTRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sendmsg", s.withHTTPAuth(s.handleSendMsg))
	mux.HandleFunc("GET /getmessages/{uid}/{id}", s.withHTTPAuth(s.handleGetMessages))
	mux.HandleFunc("PUT /updatemsg", s.withHTTPAuth(s.handleUpdateMsg))
	mux.HandleFunc("DELETE /deletemsg", s.withHTTPAuth(s.handleDeleteMsg))
}

func (s *Server) handleSendMsg(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := authorizeAs(subjectFromContext(r.Context()), req.Sender); err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := s.chat.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Message sent successfully!",
		"data":    msg,
	})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	req := chat.HistoryRequest{UserA: r.PathValue("uid"), UserB: r.PathValue("id")}
	if sub := subjectFromContext(r.Context()); sub != "" && sub != req.UserA && sub != req.UserB {
		s.writeError(w, authorizeAs(sub, req.UserA))
		return
	}
	msgs, err := s.chat.History(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleUpdateMsg(w http.ResponseWriter, r *http.Request) {
	var req chat.EditRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.chat.Edit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"message":        "Message updated successfully",
		"updatedMessage": msg,
	})
}

func (s *Server) handleDeleteMsg(w http.ResponseWriter, r *http.Request) {
	var req chat.DeleteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.chat.Delete(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Message deleted successfully",
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("REST request failed")
		message = "Internal server error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withCORS answers preflight requests and tags responses for allowed origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Courier-Secret, X-Trace-Id")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}
