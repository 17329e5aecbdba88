package handlers

import (
	"net/http"

	"github.com/lorekeep-ai/lorekeep/internal/kb"
)

// UserHandler serves the /users family. Everything except /me is
// admin-only, enforced in the service layer.
type UserHandler struct {
	users *kb.UserService
}

// NewUserHandler wires the user routes.
func NewUserHandler(users *kb.UserService) *UserHandler {
	return &UserHandler{users: users}
}

// Me handles GET /users/me.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	WriteData(w, http.StatusOK, actor(r))
}

type passwordDTO struct {
	Current string `json:"current_password"`
	Next    string `json:"new_password"`
}

// ChangePassword handles POST /users/me/password.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var dto passwordDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.users.ChangePassword(r.Context(), actor(r), dto.Current, dto.Next); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "password updated")
}

type userCreateDTO struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// Create handles POST /users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var dto userCreateDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	created, err := h.users.Create(r.Context(), actor(r), dto.Email, dto.Password, dto.IsAdmin)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusCreated, created)
}

// List handles GET /users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context(), actor(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, users)
}

// Get handles GET /users/{userID}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	user, err := h.users.Get(r.Context(), actor(r), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, user)
}

// Deactivate handles POST /users/{userID}/deactivate.
func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.users.Deactivate(r.Context(), actor(r), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "user deactivated")
}

// Delete handles DELETE /users/{userID}.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.users.Delete(r.Context(), actor(r), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "user deleted")
}
