package auth

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common permission keys checked by the HTTP surface.
const (
	PermUsersInvite = "users.invite"
	PermUsersUpdate = "users.update"
	PermRolesRead   = "roles.read"
)

//go:embed permissions.yaml
var defaultPermissionsYAML []byte

var permissionKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// PermissionTable is the raw role to permission-key mapping as loaded from
// configuration.
type PermissionTable map[Role][]string

type permissionFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadPermissionTable decodes a YAML permission table. Unknown top-level
// fields are rejected.
func LoadPermissionTable(r io.Reader) (PermissionTable, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file permissionFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: permission table is empty", ErrInvalidInput)
		}
		return nil, fmt.Errorf("decode permission table: %w", err)
	}
	table := make(PermissionTable, len(file.Roles))
	for role, keys := range file.Roles {
		table[Role(role)] = keys
	}
	return table, nil
}

// DefaultPermissionTable returns the table compiled into the binary.
func DefaultPermissionTable() (PermissionTable, error) {
	return LoadPermissionTable(bytes.NewReader(defaultPermissionsYAML))
}

// ReadPermissionFile loads a table from path, or the built-in table when path
// is empty.
func ReadPermissionFile(path string) (PermissionTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPermissionTable()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open permission table: %w", err)
	}
	defer f.Close()
	return LoadPermissionTable(f)
}

// CategoryPermissions groups permission keys under their category.
type CategoryPermissions struct {
	Category    string   `json:"category"`
	Permissions []string `json:"permissions"`
}

// PermissionEngine answers role/permission queries. It is immutable once
// constructed and safe for concurrent use.
type PermissionEngine struct {
	grants     map[Role]map[string]struct{}
	sorted     map[Role][]string
	categories []CategoryPermissions
}

// NewPermissionEngine validates table and builds an engine from it. Every
// role of every user type must have at least one permission.
func NewPermissionEngine(table PermissionTable) (*PermissionEngine, error) {
	for role := range table {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q in permission table", ErrInvalidInput, role)
		}
	}
	engine := &PermissionEngine{
		grants: make(map[Role]map[string]struct{}, len(table)),
		sorted: make(map[Role][]string, len(table)),
	}
	byCategory := make(map[string]map[string]struct{})
	for _, role := range AllRoles() {
		keys := table[role]
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: role %s has no permissions", ErrInvalidInput, role)
		}
		set := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			if !permissionKeyPattern.MatchString(key) {
				return nil, fmt.Errorf("%w: malformed permission key %q for role %s", ErrInvalidInput, key, role)
			}
			set[key] = struct{}{}
			category := categoryOf(key)
			if byCategory[category] == nil {
				byCategory[category] = make(map[string]struct{})
			}
			byCategory[category][key] = struct{}{}
		}
		engine.grants[role] = set
		engine.sorted[role] = sortedKeys(set)
	}

	names := make([]string, 0, len(byCategory))
	for name := range byCategory {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		engine.categories = append(engine.categories, CategoryPermissions{
			Category:    name,
			Permissions: sortedKeys(byCategory[name]),
		})
	}
	return engine, nil
}

// PermissionsFor returns the sorted permission keys held by role.
func (e *PermissionEngine) PermissionsFor(role Role) []string {
	keys := e.sorted[role]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// HasPermission is an exact-match lookup.
func (e *PermissionEngine) HasPermission(role Role, key string) bool {
	set, ok := e.grants[role]
	if !ok {
		return false
	}
	_, ok = set[key]
	return ok
}

// ListByCategory returns every known permission grouped by category, with
// categories and keys in alphabetical order.
func (e *PermissionEngine) ListByCategory() []CategoryPermissions {
	return cloneCategories(e.categories)
}

// Search filters ListByCategory. query matches key substrings
// case-insensitively; category, when set, must name a known category.
func (e *PermissionEngine) Search(query, category string) ([]CategoryPermissions, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	category = strings.ToLower(strings.TrimSpace(category))

	if category != "" {
		found := false
		for _, c := range e.categories {
			if c.Category == category {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: category %q", ErrNotFound, category)
		}
	}

	out := make([]CategoryPermissions, 0, len(e.categories))
	for _, c := range e.categories {
		if category != "" && c.Category != category {
			continue
		}
		var keys []string
		for _, key := range c.Permissions {
			if query == "" || strings.Contains(key, query) {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			continue
		}
		out = append(out, CategoryPermissions{Category: c.Category, Permissions: keys})
	}
	return out, nil
}

// Roles returns the configured roles in declaration order.
func (e *PermissionEngine) Roles() []Role {
	out := make([]Role, 0, len(e.grants))
	for _, role := range AllRoles() {
		if _, ok := e.grants[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

// RolesWithPermission lists the roles that hold key.
func (e *PermissionEngine) RolesWithPermission(key string) []Role {
	var out []Role
	for _, role := range e.Roles() {
		if e.HasPermission(role, key) {
			out = append(out, role)
		}
	}
	return out
}

func categoryOf(key string) string {
	category, _, _ := strings.Cut(key, ".")
	return category
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func cloneCategories(in []CategoryPermissions) []CategoryPermissions {
	out := make([]CategoryPermissions, len(in))
	for i, c := range in {
		keys := make([]string, len(c.Permissions))
		copy(keys, c.Permissions)
		out[i] = CategoryPermissions{Category: c.Category, Permissions: keys}
	}
	return out
}
