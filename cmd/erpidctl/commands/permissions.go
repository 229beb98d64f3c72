package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"erpid.org/internal/auth"
)

var (
	permFile     string
	permRole     string
	permSearch   string
	permCategory string
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Show the permission table",
	Long: `Without --role, lists permission keys by category with the roles that
hold them. With --role, lists the keys granted to that role.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := auth.ReadPermissionFile(permFile)
		if err != nil {
			return err
		}
		engine, err := auth.NewPermissionEngine(table)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if permRole != "" {
			role := auth.Role(strings.ToUpper(permRole))
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", permRole)
			}
			rows := make([][]string, 0)
			for _, key := range engine.PermissionsFor(role) {
				rows = append(rows, []string{key})
			}
			printTable(out, []string{"Permission"}, rows)
			return nil
		}

		categories, err := engine.Search(permSearch, permCategory)
		if err != nil {
			return err
		}
		var rows [][]string
		for _, c := range categories {
			for _, key := range c.Permissions {
				roles := engine.RolesWithPermission(key)
				names := make([]string, len(roles))
				for i, r := range roles {
					names[i] = string(r)
				}
				rows = append(rows, []string{c.Category, key, strings.Join(names, ",")})
			}
		}
		printTable(out, []string{"Category", "Permission", "Roles"}, rows)
		return nil
	},
}

func init() {
	f := permissionsCmd.Flags()
	f.StringVar(&permFile, "file", "", "Permission table YAML (default: built-in table)")
	f.StringVar(&permRole, "role", "", "Show the keys granted to one role")
	f.StringVar(&permSearch, "search", "", "Substring filter on permission keys")
	f.StringVar(&permCategory, "category", "", "Restrict to one category")
}
