package opencast

import (
	"fmt"
	"strings"
)

// Flavors of the two catalogs a personal series carries.
const (
	FlavorDublinCore = "dublincore/series"
	FlavorExtended   = "ext/series"
)

// Roles granted on every personal series besides the owner's own.
const (
	RoleAdmin   = "ROLE_CILT_OBS"
	RoleCreator = "ROLE_USER_PERSONALSERIESCREATOR"
)

// Field is one metadata field.
type Field struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// Catalog is a flavored group of metadata fields.
type Catalog struct {
	Flavor string  `json:"flavor"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// Owner is the identity a personal series is created for.
type Owner struct {
	FullName string
	Username string
	Email    string
	SiteID   string
}

func (o Owner) validate() error {
	for name, v := range map[string]string{
		"fullname": o.FullName,
		"username": o.Username,
		"email":    o.Email,
		"siteId":   o.SiteID,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("required field missing: %s", name)
		}
	}
	return nil
}

// PersonalMetadata returns the dublincore and extended catalogs of a personal series.
func PersonalMetadata(o Owner, rightsHolder string) ([]Catalog, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	return []Catalog{DublinCore(o, rightsHolder), Extended(o)}, nil
}

// DublinCore is the dublincore/series catalog for o.
func DublinCore(o Owner, rightsHolder string) Catalog {
	names := []string{o.FullName}
	return Catalog{
		Flavor: FlavorDublinCore,
		Title:  "Opencast Series DublinCore",
		Fields: []Field{
			{ID: "title", Value: fmt.Sprintf("Personal Series (%s)", o.FullName)},
			{ID: "subject", Value: "Personal"},
			{ID: "description", Value: fmt.Sprintf("Personal series:%s (%s)\nSakai site: %s", o.FullName, o.Email, o.SiteID)},
			{ID: "language", Value: "eng"},
			{ID: "rightsHolder", Value: rightsHolder},
			{ID: "license", Value: "ALLRIGHTS"},
			{ID: "creator", Value: names},
			{ID: "contributor", Value: names},
			{ID: "publisher", Value: names},
		},
	}
}

// Extended is the ext/series catalog for o.
func Extended(o Owner) Catalog {
	return Catalog{
		Flavor: FlavorExtended,
		Title:  "UCT Series Extended Metadata",
		Fields: []Field{
			{ID: "course", Value: ""},
			{ID: "creator-id", Value: o.Username},
			{ID: "site-id", Value: o.SiteID},
		},
	}
}

// UserRole is the role that grants username access to a series.
func UserRole(username string) string {
	return "ROLE_USER_" + strings.ToUpper(strings.TrimSpace(username))
}

// PersonalACL is the access-control list of a new personal series.
func PersonalACL(username string) []ACE {
	role := UserRole(username)
	return []ACE{
		{Action: "read", Allow: true, Role: role},
		{Action: "write", Allow: true, Role: role},
		{Action: "read", Allow: true, Role: RoleAdmin},
		{Action: "write", Allow: true, Role: RoleAdmin},
		{Action: "read", Allow: true, Role: RoleCreator},
	}
}

// ReassignACL replaces the user role of oldAccount, matched case-insensitively
// on the whole role, with the role of newUsername and drops duplicate action/role pairs. Order is kept.
func ReassignACL(acl []ACE, oldAccount, newUsername string) []ACE {
	old := strings.TrimSpace(oldAccount)
	oldRole := UserRole(old)
	replacement := UserRole(newUsername)
	seen := make(map[string]struct{}, len(acl))
	out := make([]ACE, 0, len(acl))
	for _, ace := range acl {
		if old != "" && strings.EqualFold(strings.TrimSpace(ace.Role), oldRole) {
			ace.Role = replacement
		}
		key := ace.Action + "\x00" + ace.Role
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ace)
	}
	return out
}
