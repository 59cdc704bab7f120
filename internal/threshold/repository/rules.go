package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/smallbiznis/quotaguard/pkg/db/option"
	"github.com/smallbiznis/quotaguard/pkg/repository"
	"gorm.io/gorm"
)

const ruleOrder = "created_at ASC, id ASC"

type ruleRepo struct {
	store repository.Repository[domain.Rule]
}

func ProvideRules(db *gorm.DB) domain.RuleRepository {
	return &ruleRepo{store: repository.ProvideStore[domain.Rule](db)}
}

func (r *ruleRepo) ListActiveBlockRules(ctx context.Context, tenantID, agentName string) ([]domain.Rule, error) {
	tenantID = strings.TrimSpace(tenantID)
	agentName = strings.TrimSpace(agentName)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if agentName == "" {
		return nil, domain.ErrInvalidAgentName
	}

	rows, err := r.store.Find(ctx,
		&domain.Rule{TenantID: tenantID, AgentName: agentName, Active: true},
		option.WhereIn("action", blockActions()),
		option.OrderBy(ruleOrder),
	)
	if err != nil {
		return nil, err
	}
	return derefRules(rows), nil
}

func (r *ruleRepo) ListAllActiveRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := r.store.Find(ctx,
		&domain.Rule{Active: true},
		option.OrderBy(ruleOrder),
	)
	if err != nil {
		return nil, err
	}
	return derefRules(rows), nil
}

func blockActions() []string {
	actions := make([]string, 0, len(domain.BlockActions))
	for _, action := range domain.BlockActions {
		actions = append(actions, string(action))
	}
	return actions
}

func derefRules(rows []*domain.Rule) []domain.Rule {
	rules := make([]domain.Rule, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		rules = append(rules, *row)
	}
	return rules
}
