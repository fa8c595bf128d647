package guard

// Entity describes one table the guard mediates access to. Tenant-scoped
// entities carry a tenant_id column and every query against them gets the
// tenant predicate injected; tenant-agnostic entities (system catalogs)
// bypass it. Auditable entities produce data change events automatically.
type Entity struct {
	Name         string
	Table        string
	TenantScoped bool
	Auditable    bool
	// Sensitive lists columns stored as encrypted blobs. The guard does
	// not decrypt; the list exists so stores know which columns pass
	// through the field codec.
	Sensitive []string
}

// Registry maps entity names to descriptors. The set is fixed at startup.
type Registry struct {
	entities map[string]Entity
}

// NewRegistry builds a registry from descriptors. Duplicate names panic:
// the registry is assembled once, from literals, at process start.
func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{entities: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		if _, dup := r.entities[e.Name]; dup {
			panic("guard: duplicate entity " + e.Name)
		}
		r.entities[e.Name] = e
	}
	return r
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// DefaultRegistry covers the platform's tables.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Entity{Name: "account", Table: "gl_accounts", TenantScoped: true, Auditable: true},
		Entity{Name: "journal_entry", Table: "journal_entries", TenantScoped: true, Auditable: true},
		Entity{Name: "journal_line", Table: "journal_lines", TenantScoped: true},
		Entity{Name: "invoice", Table: "invoices", TenantScoped: true, Auditable: true},
		Entity{Name: "payroll_record", Table: "payroll_records", TenantScoped: true, Auditable: true,
			Sensitive: []string{"salary", "bank_account"}},
		Entity{Name: "bank_connection", Table: "bank_connections", TenantScoped: true, Auditable: true,
			Sensitive: []string{"credentials"}},
		Entity{Name: "attachment", Table: "attachments", TenantScoped: true},
		Entity{Name: "user_provision", Table: "user_tenant_provisions", TenantScoped: true, Auditable: true},
		Entity{Name: "session", Table: "sessions", TenantScoped: true},
		Entity{Name: "password_policy", Table: "password_policies", TenantScoped: true, Auditable: true},
		Entity{Name: "approval_workflow", Table: "approval_workflows", TenantScoped: true, Auditable: true},
		Entity{Name: "cross_tenant_grant", Table: "cross_tenant_grants", TenantScoped: true, Auditable: true},

		Entity{Name: "tenant", Table: "tenants", TenantScoped: false, Auditable: true},
		Entity{Name: "user", Table: "users", TenantScoped: false, Auditable: true},
		Entity{Name: "role", Table: "roles", TenantScoped: false},
		Entity{Name: "permission", Table: "permissions", TenantScoped: false},
	)
}
