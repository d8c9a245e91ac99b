package schema

// FieldEmail is the natural key of a user.
const FieldEmail = "email"

// FieldRememberToken is the session token column. It never leaves the source installation.
const FieldRememberToken = "remember_token"

// SectionUserPreferences is not selectable on its own; preference rows travel with the users section.
const SectionUserPreferences = "user_preferences"

// Users describes the user accounts of an installation, including their password hashes.
var Users = Section{
	Key: SectionUsers, Label: "Users", Scope: ScopeCentral,
	Fields: []Field{
		integer(FieldID), str("name"), str(FieldEmail), str("password"), timestamp("email_verified_at"),
		boolean("is_admin"), str("locale"), timestamp("created_at"), timestamp("updated_at"),
	},
}

// UserPreferences describes per-user preference rows.
var UserPreferences = Section{
	Key: SectionUserPreferences, Label: "User preferences", Scope: ScopeCentral,
	Fields: []Field{
		integer(FieldID), userRef("user_id"), str("key"), blob("value"),
		timestamp("created_at"), timestamp("updated_at"),
	},
}

// SystemManagedUserFields are assigned by the target installation when a user is created there.
var SystemManagedUserFields = []string{FieldID, "created_at", "updated_at", FieldRememberToken}

// Describe is Lookup extended with the preference rows that ride along with users.
func Describe(key string) (Section, bool) {
	if key == SectionUserPreferences {
		return UserPreferences, true
	}
	return Lookup(key)
}
