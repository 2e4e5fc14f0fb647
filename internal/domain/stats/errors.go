package stats

import "github.com/choreboard/points-engine/internal/domain/shared"

// Structural errors. They all match shared.ErrValidation via errors.Is.
var (
	ErrMalformedTree      = shared.NewDomainError("stats", "Validate", shared.ErrValidation, "malformed bucket tree")
	ErrUnknownGranularity = shared.NewDomainError("stats", "ParseGranularity", shared.ErrValidation, "unknown granularity")
	ErrInvalidPeriodKey   = shared.NewDomainError("stats", "ParseKey", shared.ErrInvalidFormat, "invalid period key")
	ErrInvalidIncrement   = shared.NewDomainError("stats", "RecordTransaction", shared.ErrInvalidInput, "invalid increment")
	ErrInvalidRetention   = shared.NewDomainError("stats", "PruneHistory", shared.ErrValueOutOfRange, "invalid retention")
	ErrInvalidStreakKey   = shared.NewDomainError("stats", "UpdateStreak", shared.ErrInvalidInput, "invalid streak key")
)
