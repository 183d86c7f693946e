// Package transition holds the fixed stage/role policy: which stage follows
// which on a plain advance, which edges exist at all, and which roles may take
// them. It is pure data with no I/O.
package transition

import "github.com/pitabwire/listflow/model"

// Action names recorded on workflow actions.
const (
	ActionSubmitPhotos         = "submit_photos"
	ActionCompleteAIProcessing = "complete_ai_processing"
	ActionApproveReview        = "approve_review"
	ActionSetPrice             = "set_price"
	ActionPublish              = "publish"
	ActionReject               = "reject"
	ActionSendBack             = "send_back"
)

// step binds a stage to its canonical successor and every rule leaving it.
// The canonical rule is always Rules[0].
type step struct {
	Next  model.Stage
	Rules []model.TransitionRule
}

func rule(from, to model.Stage, action string, roles ...model.Role) model.TransitionRule {
	return model.TransitionRule{From: from, To: to, AllowedRoles: roles, Action: action}
}

// table is keyed by the stage an item is leaving. Stages absent from the
// table (PUBLISHED, REJECTED) are terminal.
var table = map[model.Stage]step{
	model.StagePhotoUpload: {
		Next: model.StageAIProcessing,
		Rules: []model.TransitionRule{
			rule(model.StagePhotoUpload, model.StageAIProcessing, ActionSubmitPhotos, model.RolePhotographer),
		},
	},
	model.StageAIProcessing: {
		Next: model.StageReviewEdit,
		Rules: []model.TransitionRule{
			rule(model.StageAIProcessing, model.StageReviewEdit, ActionCompleteAIProcessing, model.RoleProcessor),
		},
	},
	model.StageReviewEdit: {
		Next: model.StagePricing,
		Rules: []model.TransitionRule{
			rule(model.StageReviewEdit, model.StagePricing, ActionApproveReview, model.RoleProcessor),
			rule(model.StageReviewEdit, model.StageRejected, ActionReject, model.RoleProcessor),
		},
	},
	model.StagePricing: {
		Next: model.StageFinalReview,
		Rules: []model.TransitionRule{
			rule(model.StagePricing, model.StageFinalReview, ActionSetPrice, model.RolePricer),
			rule(model.StagePricing, model.StageRejected, ActionReject, model.RolePricer),
			rule(model.StagePricing, model.StageReviewEdit, ActionSendBack, model.RolePricer),
		},
	},
	model.StageFinalReview: {
		Next: model.StagePublished,
		Rules: []model.TransitionRule{
			rule(model.StageFinalReview, model.StagePublished, ActionPublish, model.RolePublisher),
			rule(model.StageFinalReview, model.StageRejected, ActionReject, model.RolePublisher),
			rule(model.StageFinalReview, model.StagePricing, ActionSendBack, model.RolePublisher),
		},
	},
}

// queues maps each non-privileged role to the stages it pulls work from.
var queues = map[model.Role][]model.Stage{
	model.RolePhotographer: {model.StagePhotoUpload},
	model.RoleProcessor:    {model.StageReviewEdit},
	model.RolePricer:       {model.StagePricing},
	model.RolePublisher:    {model.StageFinalReview},
}

// workStages are the stages a privileged role can pull from.
var workStages = []model.Stage{
	model.StagePhotoUpload,
	model.StageReviewEdit,
	model.StagePricing,
	model.StageFinalReview,
}

// CanonicalNext returns the stage a plain advance moves an item to. ok is
// false for terminal stages.
func CanonicalNext(from model.Stage) (next model.Stage, ok bool) {
	s, ok := table[from]
	if !ok {
		return "", false
	}
	return s.Next, true
}

// Lookup returns the rule for the edge from → to, if one exists.
func Lookup(from, to model.Stage) (model.TransitionRule, bool) {
	s, ok := table[from]
	if !ok {
		return model.TransitionRule{}, false
	}
	for _, r := range s.Rules {
		if r.To == to {
			return r, true
		}
	}
	return model.TransitionRule{}, false
}

// IsAuthorized reports whether role may move an item from → to. It returns
// false when no rule exists for the edge. It never panics and has no side
// effects.
func IsAuthorized(role model.Role, from, to model.Stage) bool {
	r, ok := Lookup(from, to)
	if !ok {
		return false
	}
	return r.Allows(role)
}

// IsReversal reports whether from → to is a send-back edge.
func IsReversal(from, to model.Stage) bool {
	r, ok := Lookup(from, to)
	return ok && r.Action == ActionSendBack
}

// ReversalTargets lists the stages an item at from may be sent back to.
func ReversalTargets(from model.Stage) []model.Stage {
	var out []model.Stage
	for _, r := range table[from].Rules {
		if r.Action == ActionSendBack {
			out = append(out, r.To)
		}
	}
	return out
}

// EligibleStages returns the stages role pulls queue work from. The result is
// a fresh slice; unknown roles get nil.
func EligibleStages(role model.Role) []model.Stage {
	if role.Privileged() {
		return append([]model.Stage(nil), workStages...)
	}
	stages, ok := queues[role]
	if !ok {
		return nil
	}
	return append([]model.Stage(nil), stages...)
}

// Rules returns every rule in the table, ordered by source stage along the
// forward path.
func Rules() []model.TransitionRule {
	var out []model.TransitionRule
	for _, stage := range model.AllStages {
		out = append(out, table[stage].Rules...)
	}
	return out
}
