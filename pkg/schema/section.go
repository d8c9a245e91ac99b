package schema

import "slices"

// CatalogueVersion is bumped whenever a section key is added, removed or renamed.
const CatalogueVersion = 1

// Scope says which partition a section lives in.
type Scope string

const (
	// ScopeCentral data is not partitioned by tenant.
	ScopeCentral Scope = "central"
	// ScopeTenant data is only visible inside one tenant's partition.
	ScopeTenant Scope = "tenant"
)

// Field describes one column of a section.
type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// UserRef marks a column that holds a user id and is remapped on import.
	UserRef bool `json:"user_ref,omitempty"`
}

// Section is a named, independently selectable unit of export and import.
type Section struct {
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Scope      Scope   `json:"scope"`
	Module     string  `json:"module,omitempty"`
	SoftDelete bool    `json:"soft_delete,omitempty"`
	Fields     []Field `json:"fields"`
}

// Field returns the declared field called name.
func (s Section) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// UserRefs returns the names of the fields that reference a user.
func (s Section) UserRefs() []string {
	var out []string
	for _, f := range s.Fields {
		if f.UserRef {
			out = append(out, f.Name)
		}
	}
	return out
}

// Coerce converts every declared field of rec to its declared kind.
// Undeclared fields are left untouched.
func (s Section) Coerce(rec Record) Record {
	out := rec.Clone()
	for _, f := range s.Fields {
		if val, ok := out.Get(f.Name); ok {
			out.Set(f.Name, Coerce(f.Kind, val))
		}
	}
	return out
}

// Central section keys.
const (
	SectionTenants      = "tenants"
	SectionUsers        = "users"
	SectionTenantUser   = "tenant_user"
	SectionSiteSettings = "site_settings"
)

// Tenant section keys.
const (
	SectionScriptTypes   = "script_types"
	SectionScripts       = "scripts"
	SectionThemeSettings = "theme_settings"
	SectionHRStaff       = "hr_staff"
	SectionHRProjects    = "hr_projects"
	SectionHRTasks       = "hr_tasks"
	SectionHRAssets      = "hr_assets"
	SectionLoanPackages  = "loan_packages"
	SectionLoans         = "loans"
	SectionLoanPayments  = "loan_payments"
)

// Domain modules owning tenant sections.
const (
	ModuleContent = "content"
	ModuleHR      = "hr"
	ModuleLoans   = "loans"
)

// FieldID is the row identity column shared by every section.
const FieldID = "id"

// FieldTenantID carries the owning tenant on tenant_user rows.
const FieldTenantID = "tenant_id"

func str(name string) Field       { return Field{Name: name, Kind: KindString} }
func integer(name string) Field   { return Field{Name: name, Kind: KindInt} }
func decimal(name string) Field   { return Field{Name: name, Kind: KindFloat} }
func boolean(name string) Field   { return Field{Name: name, Kind: KindBool} }
func timestamp(name string) Field { return Field{Name: name, Kind: KindTime} }
func blob(name string) Field      { return Field{Name: name, Kind: KindJSON} }
func userRef(name string) Field   { return Field{Name: name, Kind: KindInt, UserRef: true} }

// catalogue order is the write order on import: lookup sections precede the
// detail sections that reference them.
var catalogue = []Section{
	Users,
	{
		Key: SectionTenants, Label: "Tenants", Scope: ScopeCentral,
		Fields: []Field{
			str(FieldID), str("name"), str("slug"), userRef("created_by"), blob("data"),
			timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionTenantUser, Label: "Tenant memberships", Scope: ScopeCentral,
		Fields: []Field{
			str(FieldTenantID), userRef("user_id"), str("role"),
			timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionSiteSettings, Label: "Site settings", Scope: ScopeCentral,
		Fields: []Field{
			integer(FieldID), str("site_name"), str("tagline"), str("logo_path"), str("theme"),
			str("contact_email"), boolean("maintenance_mode"), blob("settings"),
			timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionScriptTypes, Label: "Script types", Scope: ScopeTenant, Module: ModuleContent,
		Fields: []Field{
			integer(FieldID), str("name"), str("slug"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionScripts, Label: "Content scripts", Scope: ScopeTenant, Module: ModuleContent,
		Fields: []Field{
			integer(FieldID), integer("script_type_id"), str("name"), str("body"), integer("position"),
			boolean("enabled"), userRef("created_by"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionThemeSettings, Label: "Theme settings", Scope: ScopeTenant, Module: ModuleContent,
		Fields: []Field{
			integer(FieldID), str("theme"), blob("palette"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionHRStaff, Label: "Staff", Scope: ScopeTenant, Module: ModuleHR, SoftDelete: true,
		Fields: []Field{
			integer(FieldID), userRef("user_id"), str("employee_no"), str("first_name"), str("last_name"),
			str("position"), timestamp("hired_at"), decimal("salary"), str("status"),
			timestamp("deleted_at"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionHRProjects, Label: "Projects", Scope: ScopeTenant, Module: ModuleHR, SoftDelete: true,
		Fields: []Field{
			integer(FieldID), str("name"), str("description"), userRef("owner_id"), userRef("created_by"),
			str("status"), timestamp("starts_on"), timestamp("ends_on"),
			timestamp("deleted_at"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionHRTasks, Label: "Tasks", Scope: ScopeTenant, Module: ModuleHR, SoftDelete: true,
		Fields: []Field{
			integer(FieldID), integer("project_id"), integer("staff_id"), str("title"),
			userRef("assigned_to"), userRef("created_by"), str("status"), timestamp("due_on"),
			timestamp("deleted_at"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionHRAssets, Label: "Assets", Scope: ScopeTenant, Module: ModuleHR,
		Fields: []Field{
			integer(FieldID), integer("staff_id"), str("tag"), str("name"), str("category"),
			timestamp("purchased_at"), decimal("value"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionLoanPackages, Label: "Loan packages", Scope: ScopeTenant, Module: ModuleLoans,
		Fields: []Field{
			integer(FieldID), str("name"), decimal("interest_rate"), integer("term_months"),
			decimal("min_amount"), decimal("max_amount"), boolean("active"),
			timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionLoans, Label: "Loans", Scope: ScopeTenant, Module: ModuleLoans, SoftDelete: true,
		Fields: []Field{
			integer(FieldID), integer("package_id"), userRef("borrower_id"), userRef("created_by"),
			decimal("principal"), str("status"), timestamp("disbursed_at"),
			timestamp("deleted_at"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
	{
		Key: SectionLoanPayments, Label: "Loan payments", Scope: ScopeTenant, Module: ModuleLoans,
		Fields: []Field{
			integer(FieldID), integer("loan_id"), decimal("amount"), timestamp("paid_at"),
			userRef("recorded_by"), timestamp("created_at"), timestamp("updated_at"),
		},
	},
}

// Catalogue returns every known section in write order.
func Catalogue() []Section {
	return slices.Clone(catalogue)
}

// CentralSections returns the central sections in write order.
func CentralSections() []Section {
	return byScope(ScopeCentral)
}

// TenantSections returns the tenant sections in write order.
func TenantSections() []Section {
	return byScope(ScopeTenant)
}

// Keys returns every catalogued section key in write order.
func Keys() []string {
	out := make([]string, len(catalogue))
	for i, s := range catalogue {
		out[i] = s.Key
	}
	return out
}

// Lookup finds a catalogued section by key.
func Lookup(key string) (Section, bool) {
	for _, s := range catalogue {
		if s.Key == key {
			return s, true
		}
	}
	return Section{}, false
}

func byScope(scope Scope) []Section {
	var out []Section
	for _, s := range catalogue {
		if s.Scope == scope {
			out = append(out, s)
		}
	}
	return out
}
