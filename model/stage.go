package model

import "strings"

// Stage is a named step in an item's lifecycle.
type Stage string

// Forward path stages, in order, plus the absorbing REJECTED side-state.
const (
	StagePhotoUpload  Stage = "PHOTO_UPLOAD"
	StageAIProcessing Stage = "AI_PROCESSING"
	StageReviewEdit   Stage = "REVIEW_EDIT"
	StagePricing      Stage = "PRICING"
	StageFinalReview  Stage = "FINAL_REVIEW"
	StagePublished    Stage = "PUBLISHED"
	StageRejected     Stage = "REJECTED"
)

// AllStages lists every stage in forward order, REJECTED last.
var AllStages = []Stage{
	StagePhotoUpload,
	StageAIProcessing,
	StageReviewEdit,
	StagePricing,
	StageFinalReview,
	StagePublished,
	StageRejected,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStage converts a case-insensitive name ("pricing", "FINAL_REVIEW",
// "final-review") into a Stage.
func ParseStage(raw string) (Stage, bool) {
	s := Stage(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	return s, s.Valid()
}

// Status is an item's operational status, orthogonal to its stage.
type Status string

// Item statuses.
const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusError  Status = "ERROR"
)

// Role is a caller's authorization class.
type Role string

// Roles.
const (
	RolePhotographer Role = "PHOTOGRAPHER"
	RoleProcessor    Role = "PROCESSOR"
	RolePricer       Role = "PRICER"
	RolePublisher    Role = "PUBLISHER"
	RoleManager      Role = "MANAGER"
	RoleAdmin        Role = "ADMIN"
)

// AllRoles lists every role.
var AllRoles = []Role{
	RolePhotographer,
	RoleProcessor,
	RolePricer,
	RolePublisher,
	RoleManager,
	RoleAdmin,
}

// Privileged reports whether the role is implicitly allowed on every
// transition rule.
func (r Role) Privileged() bool {
	return r == RoleManager || r == RoleAdmin
}

// ParseRole converts a case-insensitive role name into a Role.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range AllRoles {
		if r == known {
			return r, true
		}
	}
	return "", false
}
