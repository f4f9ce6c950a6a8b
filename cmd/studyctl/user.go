package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"studymate-go/internal/app"
	"studymate-go/internal/model"
)

var (
	userEmail string
	userName  string
	userRole  string
	tokenUser uint
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "用户与 token 管理",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "创建用户并打印访问 token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := strings.ToUpper(strings.TrimSpace(userRole))
		if role != model.RoleStudent && role != model.RoleAdmin {
			return fmt.Errorf("unknown role %q", userRole)
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			user := &model.User{Email: userEmail, Name: userName, Role: role}
			if err := a.Users.Create(cmd.Context(), user); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			tok, err := a.JWT.GenerateToken(user.ID, user.Email, user.Role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d (%s)\n%s\n", user.ID, user.Role, tok)
			return nil
		})
	},
}

var userTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "为已有用户签发访问 token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			user, err := a.Users.FindByID(cmd.Context(), tokenUser)
			if err != nil {
				return fmt.Errorf("user %d: %w", tokenUser, err)
			}
			tok, err := a.JWT.GenerateToken(user.ID, user.Email, user.Role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		})
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "邮箱")
	userAddCmd.Flags().StringVar(&userName, "name", "", "显示名")
	userAddCmd.Flags().StringVar(&userRole, "role", model.RoleStudent, "STUDENT 或 ADMIN")
	_ = userAddCmd.MarkFlagRequired("email")

	userTokenCmd.Flags().UintVarP(&tokenUser, "user", "u", 0, "用户 ID")
	_ = userTokenCmd.MarkFlagRequired("user")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userTokenCmd)
	rootCmd.AddCommand(userCmd)
}
