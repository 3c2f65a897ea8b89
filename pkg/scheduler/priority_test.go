package scheduler

import (
	"testing"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
)

func req(branch string, meta map[string]interface{}) model.BuildRequest {
	return model.BuildRequest{
		ID:       "build-1",
		Branch:   branch,
		Metadata: meta,
	}
}

func TestScore_ProtectedBranch(t *testing.T) {
	s := NewPriorityScheduler(nil)

	got := s.Score(req("main", nil))
	if got != 100 {
		t.Errorf("Score(main) = %d, want 100", got)
	}
}

func TestScore_HotfixOutranksRelease(t *testing.T) {
	s := NewPriorityScheduler(nil)

	hotfix := s.Score(req("hotfix/oom-crash", nil))
	release := s.Score(req("release/1.4", nil))

	if hotfix <= release {
		t.Errorf("hotfix score %d should exceed release score %d", hotfix, release)
	}
}

func TestScore_LabelsTakeMaxNotSum(t *testing.T) {
	s := NewPriorityScheduler(nil)

	got := s.Score(req("feature/x", map[string]interface{}{
		"labels": []string{"urgent", "quick-test"},
	}))
	// branch 0 + max(80, 40) = 80
	if got != 80 {
		t.Errorf("Score(urgent+quick-test) = %d, want 80", got)
	}
}

func TestScore_DraftPenalty(t *testing.T) {
	s := NewPriorityScheduler(nil)

	got := s.Score(req("feature/x", map[string]interface{}{
		"is_draft": true,
	}))
	if got != -20 {
		t.Errorf("Score(draft) = %d, want -20", got)
	}
}

func TestScore_ReadyForReviewBonus(t *testing.T) {
	s := NewPriorityScheduler(nil)

	got := s.Score(req("feature/x", map[string]interface{}{
		"is_ready_for_review": true,
	}))
	if got != 30 {
		t.Errorf("Score(ready) = %d, want 30", got)
	}
}

func TestScore_BotTriggererPenalty(t *testing.T) {
	s := NewPriorityScheduler(nil)

	r := req("feature/bump-deps", nil)
	r.TriggeredBy = "dependabot[bot]"

	got := s.Score(r)
	if got != -10 {
		t.Errorf("Score(dependabot) = %d, want -10", got)
	}
}

func TestScore_RetryPenaltyScalesWithCount(t *testing.T) {
	s := NewPriorityScheduler(nil)

	r := req("feature/x", map[string]interface{}{"retry_count": 3})
	got := s.Score(r)
	if got != -15 {
		t.Errorf("Score(retry_count=3) = %d, want -15", got)
	}
}

func TestClassify_Thresholds(t *testing.T) {
	s := NewPriorityScheduler(nil)

	cases := []struct {
		score int
		want  model.Priority
	}{
		{150, model.PriorityCritical},
		{149, model.PriorityHigh},
		{80, model.PriorityHigh},
		{79, model.PriorityNormal},
		{20, model.PriorityNormal},
		{19, model.PriorityLow},
		{-20, model.PriorityLow},
	}
	for _, c := range cases {
		got := classifyScore(c.score)
		if got != c.want {
			t.Errorf("classifyScore(%d) = %v, want %v", c.score, got, c.want)
		}
	}
	_ = s
}

func TestCompare_OrdersByBucketThenScore(t *testing.T) {
	s := NewPriorityScheduler(nil)

	critical := req("main", nil)                                            // score 100 -> High, not Critical
	urgent := req("feature/x", map[string]interface{}{"labels": []string{"critical"}}) // score 100 -> High too

	// main(100) vs hotfix(90)+urgent(80)=170 -> Critical beats High
	mainReq := req("main", nil)
	hotfixUrgent := req("hotfix/x", map[string]interface{}{"labels": []string{"urgent"}})

	if got := s.Compare(hotfixUrgent, mainReq); got >= 0 {
		t.Errorf("Compare(hotfixUrgent, mainReq) = %d, want negative (hotfixUrgent dispatches first)", got)
	}

	// Both classify as High (score 100 each), so Compare falls through to
	// the score-based tie-break, which is a wash between two equal scores.
	if got := s.Compare(critical, urgent); got != 0 {
		t.Errorf("Compare(critical, urgent) = %d, want 0 (equal score tie)", got)
	}
}

func TestShouldPreempt_OnlyCriticalPreempts(t *testing.T) {
	s := NewPriorityScheduler(nil)

	criticalArrival := req("main", map[string]interface{}{"labels": []string{"critical"}}) // 100+100=200
	normalRunning := req("feature/x", nil)                                                  // 0 -> Low

	if !s.ShouldPreempt(criticalArrival, normalRunning) {
		t.Error("expected a critical arrival to preempt a low-priority running build")
	}

	highArrival := req("release/1.0", nil) // 80 -> High, not Critical
	if s.ShouldPreempt(highArrival, normalRunning) {
		t.Error("a non-critical arrival must never preempt")
	}

	runningCritical := req("main", map[string]interface{}{"labels": []string{"critical"}})
	if s.ShouldPreempt(criticalArrival, runningCritical) {
		t.Error("a critical build must never preempt another critical build unless it's a hotfix")
	}

	hotfixCriticalArrival := req("hotfix/oom-crash", map[string]interface{}{"labels": []string{"critical"}})
	if !s.ShouldPreempt(hotfixCriticalArrival, runningCritical) {
		t.Error("a critical hotfix-branch arrival must preempt another running critical build")
	}
}
