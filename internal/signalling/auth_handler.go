package signalling

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/domain"
)

const adminUser = "admin"

// AuthHandler admits operators by credential and source network. Robots
// are never restricted.
type AuthHandler struct {
	mu       sync.RWMutex
	security config.SecurityConfig
}

func NewAuthHandler(security config.SecurityConfig) *AuthHandler {
	return &AuthHandler{security: security}
}

func (h *AuthHandler) SetConfig(security config.SecurityConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.security = security
}

// CheckOperatorCredential passes when no credential is configured.
func (h *AuthHandler) CheckOperatorCredential(credential string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.security.OperatorCredential == nil || equal(*h.security.OperatorCredential, credential)
}

// IsOperatorIP reports whether addrPort is inside an allowed operator
// network. An empty network list allows every address.
func (h *AuthHandler) IsOperatorIP(addrPort string) bool {
	h.mu.RLock()
	networks := h.security.OperatorNetworks
	h.mu.RUnlock()

	if len(networks) == 0 {
		return true
	}
	ip, err := netip.ParseAddrPort(addrPort)
	if err != nil {
		slog.Error("failed to parse IP address", "addr", addrPort, "error", err)
		return false
	}
	addr := ip.Addr().Unmap()
	for _, n := range networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckAdmin authorizes the admin API. Without an operator credential it
// is open, like operator registration.
func (h *AuthHandler) CheckAdmin(user, pass string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.security.OperatorCredential == nil {
		return true
	}
	return user == adminUser && equal(*h.security.OperatorCredential, pass)
}

// Admit decides whether a registration may proceed.
func (h *AuthHandler) Admit(register api.RegisterMessage, remoteAddr string) error {
	if register.Role != domain.RoleOperator {
		return nil
	}
	if !h.IsOperatorIP(remoteAddr) {
		slog.Warn("operator IP not in allowed networks", "clientID", register.ID, "remoteAddr", remoteAddr)
		return fmt.Errorf("%w: address %s is not allowed", domain.ErrForbidden, remoteAddr)
	}
	if !h.CheckOperatorCredential(register.Credential) {
		slog.Warn("operator authentication failed", "clientID", register.ID, "remoteAddr", remoteAddr)
		return fmt.Errorf("%w: incorrect credential", domain.ErrForbidden)
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
