package server

import (
	"net/http"
	"strconv"
	"strings"
)

// handleReply posts a comment to the forum on the user's behalf, using the
// stored forum password when none is supplied.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	text := strings.TrimSpace(r.FormValue("text"))
	parentID, err := strconv.Atoi(r.FormValue("parentId"))
	if username == "" || text == "" || err != nil || parentID <= 0 {
		http.Error(w, "username, text, and a numeric parentId are required", http.StatusBadRequest)
		return
	}

	password := r.FormValue("password")
	if password == "" {
		password, err = s.store.UserPassword(r.Context(), username)
		if err != nil {
			s.logger.Warn("Reply without credentials for unknown user", "username", username)
			http.Error(w, "Unknown user and no password supplied", http.StatusUnauthorized)
			return
		}
	}

	if err := s.reply.PostComment(r.Context(), parentID, text, username, password); err != nil {
		s.logger.Error("Failed to post reply", "username", username, "parent_id", parentID, "error", err)
		http.Error(w, "Failed to post reply", http.StatusBadGateway)
		return
	}

	s.logger.Info("Reply posted", "username", username, "parent_id", parentID)
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}
