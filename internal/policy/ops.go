package policy

import (
	"context"
	"fmt"

	"github.com/xela07ax/fraudgate/internal/domain"
)

/*
Типовые операции админки. Каждая — тонкая обертка над Mutate:
клон документа, точечное изменение, новая версия.
*/

// UpdateThreshold заменяет пороговую лестницу одной оси (risk/criminal/friendly).
func (s *Service) UpdateThreshold(ctx context.Context, axis string, t domain.ScoreThreshold, changedBy string) (*domain.PolicyVersion, error) {
	return s.Mutate(ctx, domain.ChangeThresholds,
		fmt.Sprintf("thresholds updated for %s axis", axis), changedBy,
		func(doc *domain.PolicyDocument) error {
			if _, ok := doc.Thresholds[axis]; !ok {
				return fmt.Errorf("policy: unknown threshold axis %q", axis)
			}
			doc.Thresholds[axis] = t
			return nil
		})
}

// UpsertRule добавляет правило или заменяет существующее по ID.
func (s *Service) UpsertRule(ctx context.Context, rule domain.PolicyRule, changedBy string) (*domain.PolicyVersion, error) {
	changeType := domain.ChangeRuleAdd
	if snap := s.engine.Active(); snap != nil {
		for _, r := range snap.Document.Rules {
			if r.ID == rule.ID {
				changeType = domain.ChangeRuleUpdate
				break
			}
		}
	}
	return s.Mutate(ctx, changeType,
		fmt.Sprintf("rule %s upserted", rule.ID), changedBy,
		func(doc *domain.PolicyDocument) error {
			for i := range doc.Rules {
				if doc.Rules[i].ID == rule.ID {
					doc.Rules[i] = rule
					return nil
				}
			}
			doc.Rules = append(doc.Rules, rule)
			return nil
		})
}

// DeleteRule убирает правило из документа (история его, конечно, помнит).
func (s *Service) DeleteRule(ctx context.Context, ruleID, changedBy string) (*domain.PolicyVersion, error) {
	return s.Mutate(ctx, domain.ChangeRuleDelete,
		fmt.Sprintf("rule %s deleted", ruleID), changedBy,
		func(doc *domain.PolicyDocument) error {
			for i := range doc.Rules {
				if doc.Rules[i].ID == ruleID {
					doc.Rules = append(doc.Rules[:i], doc.Rules[i+1:]...)
					return nil
				}
			}
			return fmt.Errorf("policy: rule %q not found", ruleID)
		})
}

// Имена списков в API админки.
const (
	ListBlockCards    = "blocklist_cards"
	ListBlockDevices  = "blocklist_devices"
	ListBlockIPs      = "blocklist_ips"
	ListBlockUsers    = "blocklist_users"
	ListAllowCards    = "allowlist_cards"
	ListAllowUsers    = "allowlist_users"
	ListAllowServices = "allowlist_services"
)

func listRef(doc *domain.PolicyDocument, name string) (*[]string, error) {
	switch name {
	case ListBlockCards:
		return &doc.BlocklistCards, nil
	case ListBlockDevices:
		return &doc.BlocklistDevices, nil
	case ListBlockIPs:
		return &doc.BlocklistIPs, nil
	case ListBlockUsers:
		return &doc.BlocklistUsers, nil
	case ListAllowCards:
		return &doc.AllowlistCards, nil
	case ListAllowUsers:
		return &doc.AllowlistUsers, nil
	case ListAllowServices:
		return &doc.AllowlistServices, nil
	}
	return nil, fmt.Errorf("policy: unknown list %q", name)
}

// AddListEntry — идемпотентное добавление в список.
func (s *Service) AddListEntry(ctx context.Context, list, value, changedBy string) (*domain.PolicyVersion, error) {
	if value == "" {
		return nil, fmt.Errorf("policy: empty list value")
	}
	return s.Mutate(ctx, domain.ChangeListAdd,
		fmt.Sprintf("%s += %s", list, value), changedBy,
		func(doc *domain.PolicyDocument) error {
			ref, err := listRef(doc, list)
			if err != nil {
				return err
			}
			for _, v := range *ref {
				if v == value {
					return nil // уже есть
				}
			}
			*ref = append(*ref, value)
			return nil
		})
}

// RemoveListEntry — удаление из списка; отсутствующее значение — ошибка,
// чтобы опечатка оператора не выглядела успешной разблокировкой.
func (s *Service) RemoveListEntry(ctx context.Context, list, value, changedBy string) (*domain.PolicyVersion, error) {
	return s.Mutate(ctx, domain.ChangeListRemove,
		fmt.Sprintf("%s -= %s", list, value), changedBy,
		func(doc *domain.PolicyDocument) error {
			ref, err := listRef(doc, list)
			if err != nil {
				return err
			}
			for i, v := range *ref {
				if v == value {
					*ref = append((*ref)[:i], (*ref)[i+1:]...)
					return nil
				}
			}
			return fmt.Errorf("policy: %q not present in %s", value, list)
		})
}
