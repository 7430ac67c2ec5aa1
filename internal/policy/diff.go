package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// DiffResult — человекочитаемое сравнение двух версий для админки.
type DiffResult struct {
	FromVersion int64 `json:"from_version"`
	ToVersion   int64 `json:"to_version"`

	Identical bool `json:"identical"`

	RulesAdded   []string `json:"rules_added,omitempty"`
	RulesRemoved []string `json:"rules_removed,omitempty"`
	RulesChanged []string `json:"rules_changed,omitempty"`

	ThresholdsChanged []string `json:"thresholds_changed,omitempty"`
	ListsChanged      []string `json:"lists_changed,omitempty"`
	ScoringChanged    bool     `json:"scoring_changed,omitempty"`
	DefaultChanged    bool     `json:"default_changed,omitempty"`
}

// Diff сравнивает две версии из истории.
func (s *Service) Diff(ctx context.Context, fromID, toID int64) (*DiffResult, error) {
	from, err := s.repo.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, fmt.Errorf("policy: version not found")
	}

	res := &DiffResult{FromVersion: fromID, ToVersion: toID}
	if from.Hash == to.Hash {
		res.Identical = true
		return res, nil
	}

	a, b := &from.Document, &to.Document

	// Правила: по ID, изменение фиксируем через сериализованное сравнение
	aRules := rulesByID(a.Rules)
	bRules := rulesByID(b.Rules)
	for id, br := range bRules {
		ar, ok := aRules[id]
		if !ok {
			res.RulesAdded = append(res.RulesAdded, id)
			continue
		}
		if !jsonEqual(ar, br) {
			res.RulesChanged = append(res.RulesChanged, id)
		}
	}
	for id := range aRules {
		if _, ok := bRules[id]; !ok {
			res.RulesRemoved = append(res.RulesRemoved, id)
		}
	}

	for axis, bt := range b.Thresholds {
		if at, ok := a.Thresholds[axis]; !ok || at != bt {
			res.ThresholdsChanged = append(res.ThresholdsChanged, axis)
		}
	}
	for axis := range a.Thresholds {
		if _, ok := b.Thresholds[axis]; !ok {
			res.ThresholdsChanged = append(res.ThresholdsChanged, axis)
		}
	}

	lists := []struct {
		name string
		av   []string
		bv   []string
	}{
		{ListBlockCards, a.BlocklistCards, b.BlocklistCards},
		{ListBlockDevices, a.BlocklistDevices, b.BlocklistDevices},
		{ListBlockIPs, a.BlocklistIPs, b.BlocklistIPs},
		{ListBlockUsers, a.BlocklistUsers, b.BlocklistUsers},
		{ListAllowCards, a.AllowlistCards, b.AllowlistCards},
		{ListAllowUsers, a.AllowlistUsers, b.AllowlistUsers},
		{ListAllowServices, a.AllowlistServices, b.AllowlistServices},
	}
	for _, l := range lists {
		if !jsonEqual(l.av, l.bv) {
			res.ListsChanged = append(res.ListsChanged, l.name)
		}
	}

	res.ScoringChanged = a.Scoring != b.Scoring
	res.DefaultChanged = a.DefaultAction != b.DefaultAction
	return res, nil
}

func rulesByID(rules []domain.PolicyRule) map[string]domain.PolicyRule {
	m := make(map[string]domain.PolicyRule, len(rules))
	for _, r := range rules {
		m[r.ID] = r
	}
	return m
}

func jsonEqual(a, b interface{}) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}
