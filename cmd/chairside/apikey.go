package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/spf13/cobra"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a staff profile and an API key for it",
	Long: `Create or update a staff profile and print a new API key.

The key is shown once; only its hash is stored. Exchange it for a session
token with POST /v1/auth/token or "chairside watch --api-key".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog := newLogger(cfg, true)
		defer closeLog()

		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		practice, _ := cmd.Flags().GetString("practice")
		description, _ := cmd.Flags().GetString("description")
		if name == "" {
			name = userID
		}

		b, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		ctx := cmd.Context()
		if err := b.accounts.UpsertProfile(ctx, session.Profile{
			UserID:      userID,
			DisplayName: name,
			Role:        role,
			PracticeID:  practice,
		}); err != nil {
			return err
		}
		key := "cs_" + uuid.NewString()
		if err := b.accounts.AddAPIKey(ctx, key, userID, description); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd)
	apikeyCreateCmd.Flags().String("user", "", "user id (required)")
	apikeyCreateCmd.Flags().String("name", "", "display name")
	apikeyCreateCmd.Flags().String("role", "staff", "role shown in the profile")
	apikeyCreateCmd.Flags().String("practice", "", "practice id")
	apikeyCreateCmd.Flags().String("description", "", "what the key is for")
	_ = apikeyCreateCmd.MarkFlagRequired("user")
}
