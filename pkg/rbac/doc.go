// Package rbac resolves what a user may do inside a tenant.
//
// # Model
//
// A permission is a (resource, action) pair written as "resource:action".
// Roles hold permissions through role-permission links, each carrying an
// access level (BLOCKED < READ < WRITE < DELETE < ADMIN) and a granted flag.
// A user has at most one UserTenantRoleAssignment per tenant. It names the
// user's role there, plus additional and restricted permission codes. Groups
// are granted roles and hold users through memberships that may expire.
//
// Entities refer to each other by id. The Gateway interface is the read side
// consumed by the Engine; Writer is the administrative side. Store
// implements both over the shared SQL database and MemoryStore in process.
//
// # Resolution
//
// The effective permission set of a user in a tenant is
//
//	granted links of the assignment role
//	  + additional permissions
//	  - restricted permissions
//
// Restrictions always win. Group roles are reported separately by
// GetUserPermissionsFromGroups and only contribute to the effective set when
// EngineConfig.MergeGroupRoles is set.
//
//	engine := rbac.NewEngine(rbac.NewStore(db), rbac.EngineConfig{
//		Cache:   rbac.NewLRUCache(1024, 5*time.Minute, metrics),
//		Logger:  logger,
//		Metrics: metrics,
//	})
//
//	ok, err := engine.HasPermission(ctx, userID, "acme", "invoices", "write", rbac.AccessWrite)
//
// # Queries
//
// QueryPermissions selects roles by the codes they grant, with the HAS,
// HAS_ALL, HAS_ANY and HAS_NONE set operators and the MATCHES, STARTS_WITH,
// ENDS_WITH and CONTAINS pattern operators, combined with AND or OR.
// Results carrying a CacheKey are cached in a QueryCache: LRUCache in
// process or RedisCache across processes. AdminService invalidates the
// affected entries after every write.
package rbac
