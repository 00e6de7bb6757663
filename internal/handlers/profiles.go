package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/containerd/errdefs"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/devpocket/devpocket-server/internal/crypto"
	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/middleware"
	"github.com/devpocket/devpocket-server/internal/sshtransport"
)

// ProfileHandlers serves SSH profile CRUD. Key material is Fernet-encrypted
// before it reaches the database and never leaves the server once stored.
type ProfileHandlers struct {
	Repo *database.ProfileRepo
}

type profileRequest struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	AuthMethod    string `json:"auth_method"`
	PrivateKey    string `json:"private_key,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
	Password      string `json:"password,omitempty"`
}

func (p *profileRequest) validate() string {
	if p.Name == "" || p.Host == "" || p.Username == "" {
		return "name, host and username are required"
	}
	switch p.AuthMethod {
	case "key":
		if p.PrivateKey == "" {
			return "private_key is required for key auth"
		}
		if _, err := sshtransport.ParsePrivateKey([]byte(p.PrivateKey), p.KeyPassphrase); err != nil {
			return "private key is not parseable: " + err.Error()
		}
	case "password":
		if p.Password == "" {
			return "password is required for password auth"
		}
	default:
		return "auth_method must be \"key\" or \"password\""
	}
	return ""
}

// CreateProfile handles POST /ssh/profiles.
func (h *ProfileHandlers) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.AuthMethod == "" {
		req.AuthMethod = "key"
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if detail := req.validate(); detail != "" {
		writeError(w, http.StatusUnprocessableEntity, detail)
		return
	}

	profile := &database.SSHProfile{
		ID:         uuid.New().String(),
		UserID:     middleware.GetUserID(r),
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		AuthMethod: req.AuthMethod,
	}

	var err error
	if req.PrivateKey != "" {
		if profile.PrivateKey, err = crypto.Encrypt(req.PrivateKey); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt key material")
			return
		}
	}
	if req.KeyPassphrase != "" {
		if profile.KeyPassphrase, err = crypto.Encrypt(req.KeyPassphrase); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt key material")
			return
		}
	}
	if req.Password != "" {
		if profile.Password, err = crypto.Encrypt(req.Password); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt key material")
			return
		}
	}

	if err := h.Repo.Create(r.Context(), profile); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store profile")
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// ListProfiles handles GET /ssh/profiles.
func (h *ProfileHandlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Repo.ListByUser(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list profiles")
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// GetProfile handles GET /ssh/profiles/{id}. Secret fields are omitted from
// the JSON encoding; only metadata comes back.
func (h *ProfileHandlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.fetchOwned(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "SSH profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// DeleteProfile handles DELETE /ssh/profiles/{id}.
func (h *ProfileHandlers) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.fetchOwned(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "SSH profile not found")
		return
	}
	if err := h.Repo.Delete(r.Context(), profile.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateKeyPair handles POST /ssh/keys/generate: a fresh ed25519 pair for
// clients that want the server to mint their key. The private key is
// returned once and not retained.
func (h *ProfileHandlers) GenerateKeyPair(w http.ResponseWriter, r *http.Request) {
	pub, priv, err := sshtransport.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate key pair")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"public_key":  string(pub),
		"private_key": string(priv),
		"key_type":    "ssh-ed25519",
	})
}

// fetchOwned loads a profile and verifies ownership. A foreign profile reads
// the same as a missing one.
func (h *ProfileHandlers) fetchOwned(r *http.Request) (*database.SSHProfile, error) {
	profile, err := h.Repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if profile.UserID != middleware.GetUserID(r) {
		return nil, errdefs.ErrNotFound
	}
	return profile, nil
}
