package azauth

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// TenantFilter is the durable set of tenants the user chose to stop being
// prompted for. The mutex guards the in-memory set only; the persist callback
// runs outside the lock, so a slow persister never blocks concurrent checks.
type TenantFilter struct {
	mu      sync.Mutex
	ignored map[string]struct{}
	persist func(ctx context.Context, tenantIDs []string) error
}

// NewTenantFilter builds a filter seeded with previously persisted tenant ids.
// persist is invoked with the full sorted set after every addition; nil means
// the set lives only in memory.
func NewTenantFilter(initial []string, persist func(ctx context.Context, tenantIDs []string) error) *TenantFilter {
	f := &TenantFilter{
		ignored: make(map[string]struct{}, len(initial)),
		persist: persist,
	}
	for _, id := range initial {
		if id != "" {
			f.ignored[id] = struct{}{}
		}
	}
	return f
}

// Ignored reports whether interactive prompts for tenantID are suppressed.
func (f *TenantFilter) Ignored(tenantID string) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ignored[tenantID]
	return ok
}

// Ignore adds tenantID to the set and persists the new set.
func (f *TenantFilter) Ignore(ctx context.Context, tenantID string) error {
	if f == nil || tenantID == "" {
		return nil
	}
	f.mu.Lock()
	f.ignored[tenantID] = struct{}{}
	snapshot := f.list()
	f.mu.Unlock()

	if f.persist == nil {
		return nil
	}
	return f.persist(ctx, snapshot)
}

// List returns the ignored tenant ids, sorted.
func (f *TenantFilter) List() []string {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list()
}

func (f *TenantFilter) list() []string {
	out := make([]string, 0, len(f.ignored))
	for id := range f.ignored {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// consentCoordinator decides whether an interaction_required answer may turn
// into an interactive login. Excluded tenants are refused without prompting.
type consentCoordinator struct {
	prompter ConsentPrompter
	filter   *TenantFilter
	logger   *zap.Logger
}

// askForInteraction returns true only when the user explicitly chose to open
// an interactive login. A nil prompter, an excluded tenant, and every
// non-open choice all return false without error.
func (c *consentCoordinator) askForInteraction(ctx context.Context, tenant Tenant, resource Resource) (bool, error) {
	if c.filter.Ignored(tenant.ID) {
		c.logger.Debug("interaction suppressed for excluded tenant",
			zap.String("tenant", tenant.ID))
		return false, nil
	}
	if c.prompter == nil {
		return false, nil
	}

	choice, err := c.prompter.PromptConsent(ctx, tenant, resource)
	if err != nil {
		return false, err
	}

	switch choice {
	case ConsentOpen:
		return true, nil
	case ConsentIgnoreTenant:
		if err := c.filter.Ignore(ctx, tenant.ID); err != nil {
			c.logger.Warn("persisting tenant exclusion failed",
				zap.String("tenant", tenant.ID),
				zap.Error(err))
		}
		return false, nil
	default:
		return false, nil
	}
}
