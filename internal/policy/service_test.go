package policy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// fakeVersionRepo — история версий в памяти для тестов сервиса.
type fakeVersionRepo struct {
	mu       sync.Mutex
	versions []domain.PolicyVersion
}

func (r *fakeVersionRepo) ActiveVersion(context.Context) (*domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].Active {
			v := r.versions[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (r *fakeVersionRepo) SaveVersion(_ context.Context, v *domain.PolicyVersion) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.versions {
		r.versions[i].Active = false
	}
	nv := *v
	nv.ID = int64(len(r.versions) + 1)
	nv.Active = true
	r.versions = append(r.versions, nv)
	return nv.ID, nil
}

func (r *fakeVersionRepo) GetVersion(_ context.Context, id int64) (*domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions {
		if v.ID == id {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeVersionRepo) ListVersions(_ context.Context, limit int) ([]domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PolicyVersion, 0, limit)
	for i := len(r.versions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.versions[i])
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *fakeVersionRepo) {
	t.Helper()
	repo := &fakeVersionRepo{}
	svc := NewService(NewEngine(zap.NewNop()), repo, nil, zap.NewNop())
	require.NoError(t, svc.Bootstrap(context.Background(), nil))
	return svc, repo
}

func TestBootstrapSeedsInitialVersion(t *testing.T) {
	svc, repo := newTestService(t)

	active := svc.Active()
	require.NotNil(t, active)
	assert.EqualValues(t, 1, active.ID)
	assert.Equal(t, domain.ChangeInitial, active.ChangeType)
	assert.Len(t, repo.versions, 1)
}

func TestMutationsProduceMonotonicVersions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	v2, err := svc.AddListEntry(ctx, ListBlockCards, "tok_bad", "analyst")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v2.ID)

	v3, err := svc.UpdateThreshold(ctx, "risk",
		domain.ScoreThreshold{BlockThreshold: 0.95, ReviewThreshold: 0.75, FrictionThreshold: 0.55}, "analyst")
	require.NoError(t, err)
	assert.EqualValues(t, 3, v3.ID)

	// Активная — последняя; ее документ содержит ОБА изменения
	active := svc.Active()
	assert.EqualValues(t, 3, active.ID)
	assert.Contains(t, active.Document.BlocklistCards, "tok_bad")
	assert.InDelta(t, 0.95, active.Document.Thresholds["risk"].BlockThreshold, 0.001)
}

func TestInvalidThresholdRejectedWithoutNewVersion(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.UpdateThreshold(context.Background(), "risk",
		domain.ScoreThreshold{BlockThreshold: 0.4, ReviewThreshold: 0.7, FrictionThreshold: 0.9}, "analyst")
	require.Error(t, err)

	assert.EqualValues(t, 1, svc.Active().ID)
	assert.Len(t, repo.versions, 1)
}

func TestRollbackCreatesNewVersion(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddListEntry(ctx, ListBlockUsers, "u_bad", "analyst") // v2
	require.NoError(t, err)

	v3, err := svc.Rollback(ctx, 1, "oncall")
	require.NoError(t, err)
	assert.EqualValues(t, 3, v3.ID)
	assert.EqualValues(t, 1, v3.RollbackOf)

	// Ссылка на целевую версию должна лежать в персистентной записи,
	// а не только на возвращенной копии
	saved, err := repo.GetVersion(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.EqualValues(t, 1, saved.RollbackOf)

	// Содержимое откатилось, история — нет
	active := svc.Active()
	assert.EqualValues(t, 3, active.ID)
	assert.NotContains(t, active.Document.BlocklistUsers, "u_bad")
	assert.Equal(t, domain.ChangeRollback, active.ChangeType)

	versions, err := svc.Versions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, versions, 3)
}

func TestRuleUpsertAndDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rule := domain.PolicyRule{
		ID: "vpn_friction", Name: "friction for VPN", Enabled: true, Priority: 30,
		Conditions: []domain.Predicate{{Field: "ip_is_vpn", Op: domain.CmpEq, Value: json.RawMessage("true")}},
		Action:     domain.ActionFriction, FrictionType: domain.FrictionOTP,
	}
	_, err := svc.UpsertRule(ctx, rule, "analyst")
	require.NoError(t, err)

	// Замена на месте по тому же ID
	rule.Priority = 5
	v, err := svc.UpsertRule(ctx, rule, "analyst")
	require.NoError(t, err)

	var found int
	for _, r := range v.Document.Rules {
		if r.ID == "vpn_friction" {
			found++
			assert.Equal(t, 5, r.Priority)
		}
	}
	assert.Equal(t, 1, found)

	_, err = svc.DeleteRule(ctx, "vpn_friction", "analyst")
	require.NoError(t, err)
	for _, r := range svc.Active().Document.Rules {
		assert.NotEqual(t, "vpn_friction", r.ID)
	}

	_, err = svc.DeleteRule(ctx, "no_such_rule", "analyst")
	assert.Error(t, err)
}

func TestRemoveMissingListEntryFails(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RemoveListEntry(context.Background(), ListBlockCards, "ghost", "analyst")
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddListEntry(ctx, ListBlockIPs, "10.0.0.9", "analyst") // v2
	require.NoError(t, err)
	_, err = svc.UpsertRule(ctx, domain.PolicyRule{
		ID: "new_rule", Name: "n", Enabled: true, Priority: 99,
		Conditions: []domain.Predicate{{Field: "is_weekend", Op: domain.CmpEq, Value: json.RawMessage("true")}},
		Action:     domain.ActionReview,
	}, "analyst") // v3
	require.NoError(t, err)

	diff, err := svc.Diff(ctx, 1, 3)
	require.NoError(t, err)
	assert.False(t, diff.Identical)
	assert.Contains(t, diff.RulesAdded, "new_rule")
	assert.Contains(t, diff.ListsChanged, ListBlockIPs)

	// Откат к v1 и сравнение с v1 — идентичны по хэшу
	_, err = svc.Rollback(ctx, 1, "oncall") // v4
	require.NoError(t, err)
	diff, err = svc.Diff(ctx, 1, 4)
	require.NoError(t, err)
	assert.True(t, diff.Identical)
}
