package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

var userRoles []string

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users and their review roles",
}

var usersAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add a user or replace an existing user's roles",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := database.User{ID: args[0], Name: args[0]}
		if len(args) > 1 {
			u.Name = args[1]
		}
		for _, r := range userRoles {
			role, err := review.ParseRole(r)
			if err != nil {
				return err
			}
			u.Roles = append(u.Roles, role)
		}
		if len(u.Roles) == 0 {
			u.Roles = []review.Role{review.RoleMember}
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.UpsertUser(cmd.Context(), u); err != nil {
			return err
		}
		fmt.Printf("Saved user %s (%s): %s\n", u.ID, u.Name, joinRoles(u.Roles))
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		users, err := db.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users yet. Add one with: reviewflow users add <id> <name> --role member")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %-16s %-24s %s\n", u.ID, u.Name, joinRoles(u.Roles))
		}
		return nil
	},
}

func joinRoles(roles []review.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

func init() {
	usersAddCmd.Flags().StringSliceVarP(&userRoles, "role", "r", nil, "Role: member, admin or super_admin (repeatable)")
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
	rootCmd.AddCommand(usersCmd)
}
