package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-intelcache/pkg/microservice"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGetCmd() *cobra.Command {
	var force bool
	var facets []string
	cmd := &cobra.Command{
		Use:   "get <topic>",
		Short: "Print facet results for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(facets) == 1 {
				res, err := a.service.GetFacetData(cmd.Context(), args[0], facets[0], force)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			if force {
				return fmt.Errorf("--force needs exactly one --facet")
			}
			res, err := a.service.GetAllFacetData(cmd.Context(), args[0], facets)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVarP(&facets, "facet", "f", nil, "facet to query (repeatable; default all)")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the cache and refetch")
	return cmd
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <topic>",
		Short: "Fetch every provider for a topic once and cache the responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.BatchFetchAll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache tier counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.service.GetCacheStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), microservice.StatsResponse{Cache: st, Breakers: a.service.BreakerStates()})
		},
	}
}

func newClearCmd() *cobra.Command {
	var expiredOnly bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if expiredOnly {
				n, err := a.service.ClearExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", n)
				return nil
			}
			if err := a.service.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "only delete records past their horizon")
	return cmd
}
