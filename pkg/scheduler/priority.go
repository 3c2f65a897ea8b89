// Package scheduler turns a submitted BuildRequest into a dispatch priority.
//
// PriorityScheduler is pure and stateless: Score and Classify look only at
// the request's own fields, never at queue depth or cluster state, so the
// same request always scores the same way regardless of when it arrives.
package scheduler

import (
	"strings"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	"github.com/khryptorgraphics/gpubuild/pkg/shared/logging"
	"log/slog"
)

// protectedBranches get the largest branch bonus (+100), ahead of hotfix
// (+90) and release (+80) prefixes; labels can still add more.
var protectedBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
	"release": true,
}

var releasePrefixes = []string{"release/", "release-", "v"}
var hotfixPrefixes = []string{"hotfix/", "hotfix-", "fix/"}

// labelWeights gives the score contributed by a label on the request, taken
// as the max over every label present rather than a sum.
var labelWeights = map[string]int{
	"critical":      100,
	"urgent":        80,
	"high-priority": 60,
	"quick-test":    40,
}

var botTriggerers = map[string]bool{
	"dependabot[bot]": true,
	"dependabot":      true,
	"renovate[bot]":   true,
	"renovate":        true,
}

// PriorityScheduler assigns a numeric score and a coarse model.Priority
// bucket to every BuildRequest ahead of admission into the queue.
type PriorityScheduler struct {
	logger *slog.Logger
}

// NewPriorityScheduler constructs a PriorityScheduler. logger may be nil, in
// which case slog.Default() is used.
func NewPriorityScheduler(logger *slog.Logger) *PriorityScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriorityScheduler{logger: logger}
}

// Score computes the request's raw priority score. Higher scores dispatch
// first. The components are:
//
//	branch name                +100 / +90 / +80 (protected / hotfix / release)
//	labels (max of matches)    +100 / +80 / +60 / +40
//	ready for review           +30
//	draft                      -20
//	bot-triggered (dependabot, renovate)  -10
//	retry                      -5 per previous attempt
func (s *PriorityScheduler) Score(req model.BuildRequest) int {
	score := s.branchScore(req.Branch)

	if label := s.bestLabelScore(req.Labels()); label > 0 {
		score += label
	}

	if req.BoolMeta("is_ready_for_review") {
		score += 30
	}
	if req.BoolMeta("is_draft") {
		score -= 20
	}
	if botTriggerers[strings.ToLower(req.TriggeredBy)] {
		score -= 10
	}
	score -= 5 * req.RetryCount()

	return score
}

func (s *PriorityScheduler) branchScore(branch string) int {
	b := strings.ToLower(branch)
	if protectedBranches[b] {
		return 100
	}
	for _, p := range hotfixPrefixes {
		if strings.HasPrefix(b, p) {
			return 90
		}
	}
	for _, p := range releasePrefixes {
		if strings.HasPrefix(b, p) {
			return 80
		}
	}
	return 0
}

func (s *PriorityScheduler) bestLabelScore(labels []string) int {
	best := 0
	for _, label := range labels {
		if w, ok := labelWeights[strings.ToLower(label)]; ok && w > best {
			best = w
		}
	}
	return best
}

// Classify maps a score to the coarse bucket the queue orders on.
//
//	>= 150  Critical
//	>= 80   High
//	>= 20   Normal
//	else    Low
func (s *PriorityScheduler) Classify(req model.BuildRequest) model.Priority {
	score := s.Score(req)
	priority := classifyScore(score)
	s.logger.Debug("classified build request",
		logging.SchedulerFields("classify", priority.String()).
			Custom("score", score).
			Resource("build", req.ID).ToLogrus())
	return priority
}

func classifyScore(score int) model.Priority {
	switch {
	case score >= 150:
		return model.PriorityCritical
	case score >= 80:
		return model.PriorityHigh
	case score >= 20:
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}

// Compare orders two requests for dispatch: lower QueueRank first, and
// within the same bucket the higher raw score (the more urgent request)
// first. It returns a negative number if a should dispatch before b, zero if
// they are equivalent, and positive if b should dispatch first.
func (s *PriorityScheduler) Compare(a, b model.BuildRequest) int {
	pa, pb := s.Classify(a), s.Classify(b)
	if pa.QueueRank() != pb.QueueRank() {
		return pa.QueueRank() - pb.QueueRank()
	}
	return s.Score(b) - s.Score(a)
}

// ShouldPreempt reports whether a newly admitted request is urgent enough to
// bump an already-dispatched running request back onto the queue. The new
// request must classify as Critical; it then preempts a non-Critical running
// build outright, or another Critical running build only if newReq itself is
// on a hotfix branch.
func (s *PriorityScheduler) ShouldPreempt(newReq, running model.BuildRequest) bool {
	if s.Classify(newReq) != model.PriorityCritical {
		return false
	}
	if s.Classify(running) != model.PriorityCritical {
		return true
	}
	return isHotfixBranch(newReq.Branch)
}

func isHotfixBranch(branch string) bool {
	b := strings.ToLower(branch)
	for _, p := range hotfixPrefixes {
		if strings.HasPrefix(b, p) {
			return true
		}
	}
	return false
}

// Explain returns the score and bucket for a request, for diagnostic
// endpoints and logging — never consulted by the scheduling decision itself.
func (s *PriorityScheduler) Explain(req model.BuildRequest) (score int, priority model.Priority) {
	score = s.Score(req)
	priority = classifyScore(score)
	return score, priority
}
