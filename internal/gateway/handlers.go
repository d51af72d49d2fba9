package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/providers"
	"github.com/rpcgate/rpcgate/internal/ratelimit"
	"github.com/rpcgate/rpcgate/pkg/errors"
)

// Handler serves the gateway API on top of the provider registry, rate
// limiter, and connection pool.
type Handler struct {
	registry *providers.Registry
	limiter  *ratelimit.Limiter
	pool     *pool.Pool
}

// NewHandler builds the API handler set.
func NewHandler(registry *providers.Registry, limiter *ratelimit.Limiter, p *pool.Pool) *Handler {
	return &Handler{registry: registry, limiter: limiter, pool: p}
}

type rpcCallRequest struct {
	Method   string      `json:"method"`
	Params   interface{} `json:"params,omitempty"`
	Strategy string      `json:"strategy,omitempty"`
}

// RPC proxies one JSON-RPC call to an upstream provider. The optional strategy
// field overrides the registry's default selection strategy for this call.
func (h *Handler) RPC(c *gin.Context) {
	var req rpcCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, errors.NewValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if req.Method == "" {
		ErrorResponse(c, errors.NewValidationError("method is required"))
		return
	}

	strategy := providers.Strategy(req.Strategy)
	if req.Strategy != "" && !strategy.Valid() {
		ErrorResponse(c, errors.NewValidationError(fmt.Sprintf("unknown strategy %q", req.Strategy)))
		return
	}

	var result interface{}
	var err error
	if req.Strategy != "" {
		result, err = h.registry.CallWith(c.Request.Context(), strategy, req.Method, req.Params)
	} else {
		result, err = h.registry.Call(c.Request.Context(), req.Method, req.Params)
	}
	if err != nil {
		ErrorResponse(c, err)
		return
	}
	SuccessResponse(c, gin.H{"result": result})
}

// ListProviders returns the current provider set with health and load.
func (h *Handler) ListProviders(c *gin.Context) {
	SuccessResponse(c, h.registry.Stats().Providers)
}

// GetProvider returns one provider's stats.
func (h *Handler) GetProvider(c *gin.Context) {
	name := c.Param("name")
	p := h.registry.Provider(name)
	if p == nil {
		c.JSON(http.StatusNotFound, APIResponse{
			Success: false,
			Error: &APIError{
				Type:    string(errors.ErrorTypeValidation),
				Code:    "PROVIDER_NOT_FOUND",
				Message: fmt.Sprintf("unknown provider %s", name),
			},
			RequestID: requestID(c),
		})
		return
	}
	SuccessResponse(c, p.Stats())
}

// AddProvider registers a new upstream provider at runtime.
func (h *Handler) AddProvider(c *gin.Context) {
	var spec providers.ProviderSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		ErrorResponse(c, errors.NewValidationError(fmt.Sprintf("invalid provider spec: %v", err)))
		return
	}
	if err := h.registry.AddProvider(spec); err != nil {
		ErrorResponse(c, err)
		return
	}
	CreatedResponse(c, h.registry.Provider(spec.Name).Stats())
}

// UpdateProvider applies a partial spec change to an existing provider.
func (h *Handler) UpdateProvider(c *gin.Context) {
	var spec providers.ProviderSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		ErrorResponse(c, errors.NewValidationError(fmt.Sprintf("invalid provider spec: %v", err)))
		return
	}
	spec.Name = c.Param("name")
	if err := h.registry.UpdateProvider(spec); err != nil {
		ErrorResponse(c, err)
		return
	}
	SuccessResponse(c, h.registry.Provider(spec.Name).Stats())
}

// RemoveProvider deregisters a provider.
func (h *Handler) RemoveProvider(c *gin.Context) {
	if err := h.registry.RemoveProvider(c.Param("name")); err != nil {
		ErrorResponse(c, err)
		return
	}
	SuccessResponse(c, gin.H{"removed": c.Param("name")})
}

// Stats aggregates the registry, limiter, and pool snapshots.
func (h *Handler) Stats(c *gin.Context) {
	SuccessResponse(c, gin.H{
		"providers":  h.registry.Stats(),
		"rate_limit": h.limiter.Stats(),
		"pool":       h.pool.Stats(),
	})
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

var knownTiers = map[ratelimit.Tier]bool{
	ratelimit.TierBasic:      true,
	ratelimit.TierPremium:    true,
	ratelimit.TierEnterprise: true,
	ratelimit.TierTrusted:    true,
	ratelimit.TierBlocked:    true,
}

// SetUserTier assigns a rate-limit tier to a user.
func (h *Handler) SetUserTier(c *gin.Context) {
	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, errors.NewValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	tier := ratelimit.Tier(req.Tier)
	if !knownTiers[tier] {
		ErrorResponse(c, errors.NewValidationError(fmt.Sprintf("unknown tier %q", req.Tier)))
		return
	}
	userID := c.Param("id")
	h.limiter.SetUserTier(userID, tier)
	SuccessResponse(c, gin.H{"user_id": userID, "tier": string(tier)})
}
