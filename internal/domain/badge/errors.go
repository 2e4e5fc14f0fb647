package badge

import "github.com/choreboard/points-engine/internal/domain/shared"

// Structural errors returned by the ladder engine. Semantic no-ops (nothing
// due, nothing to promote) are reported as nil results instead.
var (
	ErrInvalidBadge       = shared.NewDomainError("badge", "Validate", shared.ErrValidation, "invalid badge definition")
	ErrPartialMaintenance = shared.NewDomainError("badge", "Validate", shared.ErrValidation, "maintenance fields must be set together")
	ErrDuplicateBadge     = shared.NewDomainError("badge", "NewCatalog", shared.ErrAlreadyExists, "duplicate badge id")
	ErrUnknownBadge       = shared.NewDomainError("badge", "Lookup", shared.ErrNotFound, "badge not in catalog")
	ErrInvalidLadderState = shared.NewDomainError("badge", "ValidateState", shared.ErrInvalidState, "invalid ladder state")
	ErrMissingPeriodEnd   = shared.NewDomainError("badge", "ProcessMaintenanceInterval", shared.ErrInvalidState, "maintained badge has no period end")
	ErrUnknownPolicy      = shared.NewDomainError("badge", "ReconcileRank", shared.ErrInvalidInput, "unknown demotion policy")
)
