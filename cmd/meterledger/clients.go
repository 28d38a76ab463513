package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/meterledger/internal/apikey"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	clientName string
	clientRole string
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "API client credential commands",
}

var clientsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key",
	Long: `Issue an API key for a calling service. The key is printed once and
cannot be recovered later.`,
	Example: `  meterledger clients create --name inference-gateway --role service
  meterledger clients create --name ops --role operator`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := clientRequest(clientName, clientRole)
		if err != nil {
			return err
		}

		var svc apikeydomain.Service
		app := fx.New(
			infraModules(),
			apikey.Module,
			fx.Populate(&svc),
			fx.NopLogger,
		)
		if err := app.Err(); err != nil {
			return err
		}

		return runOneShot(cmd.Context(), app, func(ctx context.Context) error {
			secret, err := svc.Create(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key_id:  %s\n", secret.KeyID)
			fmt.Fprintf(out, "api_key: %s\n", secret.APIKey)
			return nil
		})
	},
}

func init() {
	clientsCreateCmd.Flags().StringVar(&clientName, "name", "", "name of the calling service")
	clientsCreateCmd.Flags().StringVar(&clientRole, "role", string(apikeydomain.RoleService), "service, billing or operator")
	_ = clientsCreateCmd.MarkFlagRequired("name")
	clientsCmd.AddCommand(clientsCreateCmd)
}

func clientRequest(name, role string) (apikeydomain.CreateRequest, error) {
	req := apikeydomain.CreateRequest{
		Name: strings.TrimSpace(name),
		Role: apikeydomain.Role(strings.ToLower(strings.TrimSpace(role))),
	}
	if req.Name == "" {
		return req, apikeydomain.ErrInvalidName
	}
	if !req.Role.Valid() {
		return req, fmt.Errorf("%w: %q", apikeydomain.ErrInvalidRole, role)
	}
	return req, nil
}
