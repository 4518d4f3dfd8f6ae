// Package tenancy manages connection pools for the shared database and the
// per-tenant ("société") databases.
//
// A Registry is created once per process and injected where tenant data is
// needed:
//
//	registry := tenancy.NewRegistry(tenancy.RegistryConfig{
//		Resolver:    tenancy.NewCredentialResolver(cfg.Database),
//		Initializer: tenancy.NewTenantSchema(log),
//		InitTimeout: cfg.Database.InitTimeout,
//	})
//	h, err := registry.GetTenantConnection(ctx, "acme")
//
// The first call for a tenant opens and pings its pool; concurrent first
// calls wait for that single open. Handles are torn down with
// CloseTenantConnection or, at shutdown, CloseAllConnections.
//
// Unreachable databases surface as *ConnectionError. Nothing is retried
// internally and a failed open never leaves an entry behind.
package tenancy
