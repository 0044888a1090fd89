package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanshi/sdk/go/kanshi"
)

func newListCommand(opts *rootOptions) *cobra.Command {
	var status, agent, parent string
	var limit int
	var archived bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			lo := &kanshi.ListOptions{
				Status:   kanshi.Status(status),
				Agent:    agent,
				ParentID: parent,
				Limit:    limit,
			}

			var resp *kanshi.ListResponse
			if archived {
				resp, err = c.ListArchived(cmd.Context(), lo)
			} else {
				resp, err = c.List(cmd.Context(), lo)
			}
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printExecutionTable(cmd.OutOrStdout(), resp.Executions)
			if resp.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "showing %d of %d\n", len(resp.Executions), resp.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only executions with this status")
	cmd.Flags().StringVar(&agent, "agent", "", "Only executions targeting this agent")
	cmd.Flags().StringVar(&parent, "parent", "", "Only children of this execution")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of executions")
	cmd.Flags().BoolVar(&archived, "archived", false, "Read from the archive instead of memory")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	var poll, archived bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var exec *kanshi.Execution
			switch {
			case archived:
				exec, err = c.GetArchived(cmd.Context(), args[0])
			case poll:
				exec, err = c.Poll(cmd.Context(), args[0])
			default:
				exec, err = c.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), exec, opts.json)
		},
	}

	cmd.Flags().BoolVar(&poll, "poll", false, "Record this read as a status poll")
	cmd.Flags().BoolVar(&archived, "archived", false, "Read from the archive only")
	return cmd
}

func newWaitCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Block until an execution finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			exec, finished, err := c.Wait(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			if err := printExecution(cmd.OutOrStdout(), exec, opts.json); err != nil {
				return err
			}
			if !finished {
				return fmt.Errorf("execution %s still %s", exec.CorrelationID, exec.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait (hub default when zero)")
	return cmd
}

func newDispatchCommand(opts *rootOptions) *cobra.Command {
	var targets, rawArgs []string
	var opType string
	var timeout time.Duration
	var wait bool

	cmd := &cobra.Command{
		Use:   "dispatch <command>",
		Short: "Deliver a command to one agent or all of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Dispatch(cmd.Context(), kanshi.DispatchRequest{
				Command:       args[0],
				OperationType: opType,
				Targets:       targets,
				Args:          cmdArgs,
				TimeoutMs:     timeout.Milliseconds(),
			})
			if err != nil {
				return err
			}

			exec := &resp.Execution
			if wait && !exec.Status.IsTerminal() {
				var finished bool
				exec, finished, err = c.Wait(cmd.Context(), exec.CorrelationID, timeout)
				if err != nil {
					return err
				}
				if !finished {
					fmt.Fprintf(cmd.ErrOrStderr(), "execution %s still %s\n", exec.CorrelationID, exec.Status)
				}
			}

			if opts.json {
				return printJSON(cmd.OutOrStdout(), exec)
			}
			if err := printExecution(cmd.OutOrStdout(), exec, false); err != nil {
				return err
			}
			if len(resp.Children) > 0 && !wait {
				fmt.Fprintln(cmd.OutOrStdout())
				printExecutionTable(cmd.OutOrStdout(), resp.Children)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", []string{"all"}, "Agent name, or \"all\"")
	cmd.Flags().StringVar(&opType, "type", "", "Operation type (\"stop\" discards late successes)")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Command argument as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (hub default when zero)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the execution to finish")
	return cmd
}

func newCompleteCommand(opts *rootOptions) *cobra.Command {
	var result string

	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Report success for an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if result != "" {
				if err := json.Unmarshal([]byte(result), &value); err != nil {
					// Plain strings need not be quoted.
					value = result
				}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			exec, err := c.Complete(cmd.Context(), args[0], value)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), exec, opts.json)
		},
	}

	cmd.Flags().StringVarP(&result, "result", "r", "", "Result as JSON or plain text")
	return cmd
}

func newFailCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fail <id> <message>",
		Short: "Report failure for an execution",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			exec, err := c.Fail(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), exec, opts.json)
		},
	}
}

func newTerminateCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Mark a pending execution as manually terminated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			exec, err := c.Terminate(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), exec, opts.json)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the execution log")
	return cmd
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <id> <message>",
		Short: "Append a line to an execution's log",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.AddLog(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func newAgentsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List dispatch targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			printAgentTable(cmd.OutOrStdout(), agents)
			return nil
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show hub health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), h)
			}
			printHealth(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream execution events",
		Long:  "Stream execution events until interrupted. With an id, only that execution and its children are shown.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			err = c.Subscribe(cmd.Context(), id, func(ev kanshi.Event) error {
				if opts.json {
					return printJSON(cmd.OutOrStdout(), ev)
				}
				printEvent(cmd.OutOrStdout(), ev)
				return nil
			})
			if errors.Is(err, kanshi.ErrStreamClosed) {
				fmt.Fprintln(cmd.ErrOrStderr(), "hub closed the stream")
				return nil
			}
			return err
		},
	}
}

// parseArgs turns key=value pairs into a command argument map. Values that
// parse as JSON keep their type.
func parseArgs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		out[k] = parsed
	}
	return out, nil
}
