package auth

import "strings"

// Permission vocabulary shared by all providers. Directory groups, SAML
// attributes and OAuth scopes are mapped into these.
const (
	PermissionAdminAll    = "admin:*"
	PermissionModerateAll = "moderate:*"
	PermissionWriteAll    = "write:*"
	PermissionReadAll     = "read:*"
	PermissionReadOwn     = "read:own"
)

// PermissionsForGroups maps provider-side group names to the normalized
// permission vocabulary using substring tiering: any group containing
// "admin" grants the admin tier, "moderator" the moderation tier, and so on
// down to the baseline read:own that every authenticated user holds.
func PermissionsForGroups(groups []string) []string {
	perms := map[string]bool{PermissionReadOwn: true}

	for _, group := range groups {
		g := strings.ToLower(group)
		switch {
		case strings.Contains(g, "admin"):
			perms[PermissionAdminAll] = true
			perms[PermissionWriteAll] = true
			perms[PermissionReadAll] = true
		case strings.Contains(g, "moderator"):
			perms[PermissionModerateAll] = true
			perms[PermissionWriteAll] = true
			perms[PermissionReadAll] = true
		case strings.Contains(g, "developer"), strings.Contains(g, "engineer"):
			perms[PermissionWriteAll] = true
			perms[PermissionReadAll] = true
		case strings.Contains(g, "user"), strings.Contains(g, "employee"), strings.Contains(g, "staff"):
			perms[PermissionReadAll] = true
		}
	}

	out := make([]string, 0, len(perms))
	for _, p := range []string{PermissionAdminAll, PermissionModerateAll, PermissionWriteAll, PermissionReadAll, PermissionReadOwn} {
		if perms[p] {
			out = append(out, p)
		}
	}
	return out
}

// RolesForGroups resolves roles from a configured group mapping, falling
// back to the default "user" role when nothing matches. Matching is
// case-insensitive on the group name.
func RolesForGroups(groups []string, mapping []GroupMap) []string {
	seen := map[string]bool{}
	var roles []string
	for _, group := range groups {
		for _, m := range mapping {
			if strings.EqualFold(group, m.Group) && !seen[m.Role] {
				seen[m.Role] = true
				roles = append(roles, m.Role)
			}
		}
	}
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	return roles
}
