package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/aeolun/webchat/pkg/server"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func userCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts in the configured database",
	}
	cmd.AddCommand(userAddCmd(configPath), userListCmd(configPath), userRoleCmd(configPath))
	return cmd
}

func userAddCmd(configPath *string) *cobra.Command {
	var (
		password string
		admin    bool
	)

	cmd := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create an account (password read from stdin when --password is omitted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				var err error
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if username == "" || password == "" {
				return errors.New("username and password are required")
			}

			config, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			role := protocol.RoleUser
			if admin {
				role = protocol.RoleAdmin
			}
			dir := server.NewDirectory(store, config.ToServerConfig().BcryptCost, nil)
			created, err := dir.CreateUserWithRole(cmd.Context(), username, password, role)
			if err != nil {
				return err
			}
			if !created {
				return errors.Newf("user %q already exists", username)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", username, role)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	return cmd
}

func userListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tROLE\tCREATED")
			for _, u := range users {
				created := time.UnixMilli(u.CreatedAt).Format(time.DateTime)
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, u.Role, created)
			}
			return w.Flush()
		},
	}
}

func userRoleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "role USERNAME admin|user",
		Short:     "Change an account's role",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(protocol.RoleAdmin), string(protocol.RoleUser)},
		RunE: func(cmd *cobra.Command, args []string) error {
			role := protocol.Role(args[1])
			if role != protocol.RoleAdmin && role != protocol.RoleUser {
				return errors.Newf("unknown role %q", args[1])
			}

			config, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			dir := server.NewDirectory(store, config.ToServerConfig().BcryptCost, nil)
			if err := dir.SetRole(cmd.Context(), args[0], role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], role)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read password")
	}
	return strings.TrimSpace(line), nil
}
