package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/castellan/castellan/pkg/client"
)

// Operator commands speak to a running master over its HTTP API.

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage cluster agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents and their admission state",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("master")
		state, err := client.NewClient(addr).State(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tSTATE\tTASKS\tUNREACHABLE SINCE")
		for _, a := range state.Agents {
			since := "-"
			if a.UnreachableSince != nil {
				since = a.UnreachableSince.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.Address, a.State, a.Tasks, since)
		}
		return w.Flush()
	},
}

var agentRemoveCmd = &cobra.Command{
	Use:   "remove <agent-id>",
	Short: "Permanently remove an unreachable agent",
	Long: `Permanently remove an unreachable agent.

Frameworks see the agent's tasks as lost, and if the agent later comes
back it is turned away and must register under a new identity. Agents
that are merely partitioned rejoin on their own; removal is for hardware
that is not coming back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("master")
		if err := client.NewClient(addr).RemoveAgent(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Agent %s removed\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("master")
		state, err := client.NewClient(addr).State(cmd.Context())
		if err != nil {
			return err
		}

		registered, unreachable, removed := 0, 0, 0
		for _, a := range state.Agents {
			switch a.State {
			case "registered":
				registered++
			case "unreachable":
				unreachable++
			case "removed":
				removed++
			}
		}

		fmt.Printf("Master: %s (incarnation %s)\n", state.MasterID, state.Incarnation)
		fmt.Printf("  Agents: %d registered, %d unreachable, %d removed\n",
			registered, unreachable, removed)
		fmt.Printf("  Frameworks: %d active, %d completed\n",
			len(state.Frameworks), len(state.CompletedFrameworks))
		fmt.Printf("  Tasks: %d tracked, %d orphaned\n",
			len(state.Tasks), len(state.OrphanTasks))
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <framework-id> <task-id> [agent-id]",
	Short: "Query the authoritative state of a task",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("master")

		query := client.ReconcileQuery{TaskID: args[1]}
		if len(args) == 3 {
			query.AgentID = args[2]
		}
		statuses, err := client.NewClient(addr).Reconcile(cmd.Context(), args[0],
			[]client.ReconcileQuery{query})
		if err != nil {
			return err
		}

		for _, s := range statuses {
			fmt.Printf("Task %s: %s", s.TaskID, s.State)
			if s.Reason != "" {
				fmt.Printf(" (%s)", s.Reason)
			}
			if s.UnreachableTime != nil {
				fmt.Printf(" unreachable since %s", s.UnreachableTime.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{agentListCmd, agentRemoveCmd, statusCmd, reconcileCmd} {
		cmd.Flags().String("master", "127.0.0.1:8080", "Master API address")
	}
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentRemoveCmd)

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reconcileCmd)
}
