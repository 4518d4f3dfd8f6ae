package rbac

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Operator is a permission query condition operator
type Operator string

const (
	OpHas        Operator = "HAS"
	OpHasAll     Operator = "HAS_ALL"
	OpHasAny     Operator = "HAS_ANY"
	OpHasNone    Operator = "HAS_NONE"
	OpMatches    Operator = "MATCHES"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpContains   Operator = "CONTAINS"
)

// IsPattern reports whether op matches codes against a pattern rather than
// a list of codes
func (op Operator) IsPattern() bool {
	switch op {
	case OpMatches, OpStartsWith, OpEndsWith, OpContains:
		return true
	}
	return false
}

func (op Operator) valid() bool {
	switch op {
	case OpHas, OpHasAll, OpHasAny, OpHasNone:
		return true
	}
	return op.IsPattern()
}

// Logic combines condition results
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is one predicate over a role's granted codes
type Condition struct {
	Operator Operator `json:"operator"`
	Codes    []string `json:"codes,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

// PermissionQuery selects roles by the codes they grant. When UserID is set
// only the roles contributing to that user's permissions in TenantID are
// evaluated, and the codes the user's assignment restricts are removed from
// each role's grants; otherwise every active role visible to TenantID is.
type PermissionQuery struct {
	Conditions []Condition `json:"conditions"`
	Logic      Logic       `json:"logic"`
	TenantID   *string     `json:"tenant_id,omitempty"`
	UserID     *int64      `json:"user_id,omitempty"`

	// CacheKey enables result caching under this key
	CacheKey string        `json:"cache_key,omitempty"`
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// PermissionQueryResult lists the matching roles and the union of the
// permissions they grant
type PermissionQueryResult struct {
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
	Total       int          `json:"total"`
	Cached      bool         `json:"cached"`
	ExecutedAt  time.Time    `json:"executed_at"`
}

// codeMatcher builds the predicate for a pattern operator
func codeMatcher(op Operator, pattern string) (func(string) bool, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: %s requires a pattern", ErrBadRequest, op)
	}
	switch op {
	case OpMatches:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid pattern %q: %v", ErrBadRequest, pattern, err)
		}
		return re.MatchString, nil
	case OpStartsWith:
		return func(code string) bool { return strings.HasPrefix(code, pattern) }, nil
	case OpEndsWith:
		return func(code string) bool { return strings.HasSuffix(code, pattern) }, nil
	case OpContains:
		return func(code string) bool { return strings.Contains(code, pattern) }, nil
	}
	return nil, fmt.Errorf("%w: %s is not a pattern operator", ErrBadRequest, op)
}

func (q *PermissionQuery) validate() error {
	if len(q.Conditions) == 0 {
		return fmt.Errorf("%w: query has no conditions", ErrBadRequest)
	}
	switch q.Logic {
	case "":
		q.Logic = LogicAnd
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("%w: unknown logic %q", ErrBadRequest, q.Logic)
	}
	if q.UserID != nil && q.TenantID == nil {
		return fmt.Errorf("%w: user queries require a tenant", ErrBadRequest)
	}
	for _, c := range q.Conditions {
		if !c.Operator.valid() {
			return fmt.Errorf("%w: unknown operator %q", ErrBadRequest, c.Operator)
		}
		if !c.Operator.IsPattern() && len(c.Codes) == 0 {
			return fmt.Errorf("%w: %s requires at least one code", ErrBadRequest, c.Operator)
		}
	}
	return nil
}

// QueryPermissions evaluates the query against each candidate role's granted
// codes. Results with a CacheKey are served from and stored in the cache.
func (e *Engine) QueryPermissions(ctx context.Context, q PermissionQuery) (result *PermissionQueryResult, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordPermissionQuery(string(q.Logic), err, time.Since(start))
	}()

	if err := q.validate(); err != nil {
		return nil, err
	}

	scope := CacheScope{TenantID: q.TenantID, UserID: q.UserID}
	useCache := e.cfg.Cache != nil && q.CacheKey != ""
	if useCache {
		cached, ok, err := e.cfg.Cache.Get(ctx, scope, q.CacheKey)
		if err != nil {
			e.logger.WithError(err).WithField("cache_key", q.CacheKey).Warn("query cache lookup failed")
		} else if ok {
			cached.Cached = true
			return cached, nil
		}
	}

	result, err = e.evaluate(ctx, q)
	if err != nil {
		return nil, err
	}

	if useCache {
		ttl := q.CacheTTL
		if ttl <= 0 {
			ttl = e.cfg.DefaultCacheTTL
		}
		if err := e.cfg.Cache.Set(ctx, scope, q.CacheKey, result, ttl); err != nil {
			e.logger.WithError(err).WithField("cache_key", q.CacheKey).Warn("query cache store failed")
		}
	}
	return result, nil
}

// candidateRoles returns the roles a query evaluates. For a user-scoped
// query it also returns the codes the user's assignment restricts.
func (e *Engine) candidateRoles(ctx context.Context, q PermissionQuery) ([]Role, PermissionSet, error) {
	if q.UserID != nil {
		a, err := e.activeAssignment(ctx, *q.UserID, *q.TenantID)
		if err != nil {
			return nil, nil, err
		}
		roles, err := e.contributingRoles(ctx, *q.UserID, a)
		if err != nil {
			return nil, nil, err
		}
		return roles, NewPermissionSet(a.RestrictedPermissions...), nil
	}

	all, err := e.gw.ListRoles(ctx, q.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list roles: %w", err)
	}
	roles := all[:0]
	for _, r := range all {
		if r.Active {
			roles = append(roles, r)
		}
	}
	return roles, nil, nil
}

// grantedPermissions returns the active permissions a role grants through
// active links, keyed by code
func (e *Engine) grantedPermissions(ctx context.Context, roleID int64) (map[string]Permission, error) {
	links, err := e.gw.ListRolePermissionLinks(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load links of role %d: %w", roleID, err)
	}
	ids := make([]int64, 0, len(links))
	for _, l := range links {
		if l.Active && l.IsGranted {
			ids = append(ids, l.PermissionID)
		}
	}
	perms, err := e.gw.GetPermissions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions of role %d: %w", roleID, err)
	}
	out := make(map[string]Permission, len(perms))
	for _, p := range perms {
		if p.Active {
			out[p.Code()] = p
		}
	}
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, q PermissionQuery) (*PermissionQueryResult, error) {
	// Pattern conditions are resolved to code sets up front so a malformed
	// pattern fails before any role is loaded.
	patternSets := make([]PermissionSet, len(q.Conditions))
	for i, c := range q.Conditions {
		if !c.Operator.IsPattern() {
			continue
		}
		perms, err := e.gw.ListPermissionsMatching(ctx, c.Pattern, c.Operator)
		if err != nil {
			return nil, err
		}
		set := PermissionSet{}
		for _, p := range perms {
			set.Add(p.Code())
		}
		patternSets[i] = set
	}

	roles, restricted, err := e.candidateRoles(ctx, q)
	if err != nil {
		return nil, err
	}

	grants := make([]map[string]Permission, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range roles {
		g.Go(func() error {
			perms, err := e.grantedPermissions(gctx, roles[i].ID)
			if err != nil {
				return err
			}
			for code := range restricted {
				delete(perms, code)
			}
			grants[i] = perms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &PermissionQueryResult{
		Roles:       []Role{},
		Permissions: []Permission{},
		ExecutedAt:  e.now(),
	}
	union := make(map[string]Permission)
	for i, role := range roles {
		if !matchRole(q, patternSets, grants[i]) {
			continue
		}
		result.Roles = append(result.Roles, role)
		for code, p := range grants[i] {
			union[code] = p
		}
	}
	for _, p := range union {
		result.Permissions = append(result.Permissions, p)
	}
	sortRolesByPriority(result.Roles)
	sortPermissionsByCode(result.Permissions)
	result.Total = len(result.Permissions)
	return result, nil
}

func matchRole(q PermissionQuery, patternSets []PermissionSet, granted map[string]Permission) bool {
	for i, c := range q.Conditions {
		ok := matchCondition(c, patternSets[i], granted)
		if q.Logic == LogicOr && ok {
			return true
		}
		if q.Logic == LogicAnd && !ok {
			return false
		}
	}
	return q.Logic == LogicAnd
}

func matchCondition(c Condition, patternSet PermissionSet, granted map[string]Permission) bool {
	has := func(code string) bool {
		_, ok := granted[code]
		return ok
	}

	switch c.Operator {
	case OpHas, OpHasAny:
		for _, code := range c.Codes {
			if has(code) {
				return true
			}
		}
		return false
	case OpHasAll:
		for _, code := range c.Codes {
			if !has(code) {
				return false
			}
		}
		return true
	case OpHasNone:
		for _, code := range c.Codes {
			if has(code) {
				return false
			}
		}
		return true
	default:
		for code := range granted {
			if patternSet.Has(code) {
				return true
			}
		}
		return false
	}
}

