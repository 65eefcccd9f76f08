package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/openapi"
)

// VerifyResult is the json output of the verify command.
type VerifyResult struct {
	Routes     int    `json:"routes"`
	Operations int    `json:"operations"`
	ServerURL  string `json:"server_url,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <openapi-file>",
		Short: "Check the remote route table against an OpenAPI document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openapi.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load OpenAPI document", err)
			}
			routes := api.Routes()
			if err := idx.Verify(routes); err != nil {
				return WrapExitError(ExitFailure, "route table does not match", err)
			}

			res := VerifyResult{Routes: len(routes), Operations: idx.Len(), ServerURL: idx.ServerURL()}
			w := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(w, Response{Status: "ok", Data: res})
			}
			fmt.Fprintf(w, "ok: %d routes found among %d operations\n", res.Routes, res.Operations)
			return nil
		},
	}
}
