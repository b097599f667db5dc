package server

import (
	"net/http"
	"strings"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	deviceURI := strings.TrimSpace(r.FormValue("deviceUri"))
	deviceName := strings.TrimSpace(r.FormValue("deviceName"))

	if username == "" || deviceURI == "" {
		http.Error(w, "username and deviceUri are required", http.StatusBadRequest)
		return
	}

	user, err := s.store.EnsureUser(r.Context(), username, password)
	if err != nil {
		s.logger.Error("Failed to ensure user", "username", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := s.store.RegisterDevice(r.Context(), user.ID, deviceURI, deviceName); err != nil {
		s.logger.Error("Failed to register device", "username", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Device registered", "username", username, "device", deviceName)
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	deviceURI := strings.TrimSpace(r.FormValue("deviceUri"))
	if deviceURI == "" {
		http.Error(w, "deviceUri is required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteDeviceByURI(r.Context(), deviceURI); err != nil {
		s.logger.Error("Failed to deregister device", "uri", deviceURI, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleKeyword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	word := strings.TrimSpace(r.FormValue("word"))
	if username == "" || word == "" {
		http.Error(w, "username and word are required", http.StatusBadRequest)
		return
	}

	user, err := s.store.EnsureUser(r.Context(), username, r.FormValue("password"))
	if err != nil {
		s.logger.Error("Failed to ensure user", "username", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodPost:
		err = s.store.AddKeyword(r.Context(), user.ID, word)
	case http.MethodDelete:
		err = s.store.RemoveKeyword(r.Context(), user.ID, word)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		s.logger.Error("Keyword update failed", "username", username, "word", word, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleMention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	enabled := r.FormValue("enabled") == "true"

	user, err := s.store.EnsureUser(r.Context(), username, r.FormValue("password"))
	if err != nil {
		s.logger.Error("Failed to ensure user", "username", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := s.store.SetMentionAlert(r.Context(), user.ID, enabled); err != nil {
		s.logger.Error("Failed to set mention alert", "username", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}
