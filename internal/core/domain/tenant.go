package domain

// TenantKey is the identity tuple every tenant-scoped lookup is keyed by.
// Empty components denote the default connection domain, app or tenant, so
// the zero value addresses the default tenant of the default app. Equality
// is structural, which makes the type usable as a map key directly.
type TenantKey struct {
	ConnectionURIDomain string
	AppID               string
	TenantID            string
}

// DefaultTenantKey addresses the default tenant of the default app.
func DefaultTenantKey() TenantKey { return TenantKey{} }

// App returns the key widened to app scope: same connection domain and app,
// default tenant. Signing keys are app-scoped, so per-app state is keyed by
// this form.
func (k TenantKey) App() TenantKey {
	return TenantKey{ConnectionURIDomain: k.ConnectionURIDomain, AppID: k.AppID}
}

func (k TenantKey) String() string {
	domainPart := k.ConnectionURIDomain
	if domainPart == "" {
		domainPart = "default"
	}
	app := k.AppID
	if app == "" {
		app = "public"
	}
	tenant := k.TenantID
	if tenant == "" {
		tenant = "public"
	}
	return domainPart + "/" + app + "/" + tenant
}
