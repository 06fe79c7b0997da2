package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/repo"
)

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Manage tickets",
		Long:  "Issue tickets, move them through their lifecycle and ask how long they will wait.",
	}
	cmd.AddCommand(ticketCreateCmd())
	cmd.AddCommand(ticketListCmd())
	cmd.AddCommand(ticketGetCmd())
	cmd.AddCommand(ticketUpdateCmd())
	cmd.AddCommand(ticketStatusCmd())
	cmd.AddCommand(ticketWaitCmd())
	return cmd
}

func ticketCreateCmd() *cobra.Command {
	var opts engine.TicketCreateOptions
	var serviceID, memberNumber, memberName, phone, counterID, clerkID, status string
	var estimated int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TenantID = tenantOf(e)
				opts.ActorID = viper.GetString("actor-id")
				opts.ServiceID = optionalString(serviceID)
				opts.MemberNumber = optionalString(memberNumber)
				opts.MemberName = optionalString(memberName)
				opts.PhoneNumber = optionalString(phone)
				opts.CounterID = optionalString(counterID)
				opts.ClerkID = optionalString(clerkID)
				opts.Status = domain.Status(status)
				if cmd.Flags().Changed("estimated-time") {
					opts.EstimatedTime = &estimated
				}
				t, err := e.CreateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printTicket(ctx, e, t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "ticket id (defaults to a uuid)")
	cmd.Flags().StringVar(&opts.TicketNumber, "number", "", "ticket number shown to the customer")
	cmd.Flags().StringVar(&opts.ServiceType, "service-type", "", "service type")
	cmd.Flags().StringVar(&serviceID, "service-id", "", "service id")
	cmd.Flags().StringVar(&opts.QueueID, "queue", "", "queue id")
	cmd.Flags().StringVar(&opts.OfficeID, "office", "", "office id")
	cmd.Flags().StringVar(&memberNumber, "member-number", "", "member number")
	cmd.Flags().StringVar(&memberName, "member-name", "", "member name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().IntVar(&estimated, "estimated-time", 0, "expected service time in seconds")
	cmd.Flags().BoolVar(&opts.Priority, "priority", false, "priority ticket")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default waiting)")
	cmd.Flags().StringVar(&counterID, "counter", "", "counter id")
	cmd.Flags().StringVar(&clerkID, "clerk", "", "clerk id")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilters
	var priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = tenantOf(e)
				if priority != "" {
					p, err := strconv.ParseBool(priority)
					if err != nil {
						return fmt.Errorf("--priority must be true or false")
					}
					f.Priority = &p
				}
				tickets, err := e.Repo.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				renderTickets(tickets, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.QueueID, "queue", "", "queue filter")
	cmd.Flags().StringVar(&f.OfficeID, "office", "", "office filter")
	cmd.Flags().StringVar(&f.ServiceID, "service-id", "", "service filter")
	cmd.Flags().StringVar(&f.CounterID, "counter", "", "counter filter")
	cmd.Flags().StringVar(&f.ClerkID, "clerk", "", "clerk filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter (true|false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tickets (0 for all)")
	return cmd
}

func ticketGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printTicket(ctx, e, t)
			})
		},
	}
}

func ticketUpdateCmd() *cobra.Command {
	var serviceType, serviceID, queueID, officeID, memberNumber, memberName, phone, counterID, clerkID, transferTo, status string
	var estimated int
	var priority bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update ticket fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			str := func(name, v string) *string {
				if flags.Changed(name) {
					return &v
				}
				return nil
			}
			opts := engine.TicketUpdateOptions{
				ID:                     args[0],
				ServiceType:            str("service-type", serviceType),
				ServiceID:              str("service-id", serviceID),
				QueueID:                str("queue", queueID),
				OfficeID:               str("office", officeID),
				MemberNumber:           str("member-number", memberNumber),
				MemberName:             str("member-name", memberName),
				PhoneNumber:            str("phone", phone),
				CounterID:              str("counter", counterID),
				ClerkID:                str("clerk", clerkID),
				TransferredToCounterID: str("transfer-to", transferTo),
				Status:                 domain.Status(status),
				Force:                  viper.GetBool("force"),
				ActorID:                viper.GetString("actor-id"),
			}
			if flags.Changed("estimated-time") {
				opts.EstimatedTime = &estimated
			}
			if flags.Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TenantID = tenantOf(e)
				t, err := e.UpdateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printTicket(ctx, e, t)
			})
		},
	}
	cmd.Flags().StringVar(&serviceType, "service-type", "", "service type")
	cmd.Flags().StringVar(&serviceID, "service-id", "", "service id")
	cmd.Flags().StringVar(&queueID, "queue", "", "move to queue")
	cmd.Flags().StringVar(&officeID, "office", "", "office id")
	cmd.Flags().StringVar(&memberNumber, "member-number", "", "member number")
	cmd.Flags().StringVar(&memberName, "member-name", "", "member name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&counterID, "counter", "", "counter id")
	cmd.Flags().StringVar(&clerkID, "clerk", "", "clerk id")
	cmd.Flags().StringVar(&transferTo, "transfer-to", "", "counter the ticket was transferred to")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().IntVar(&estimated, "estimated-time", 0, "expected service time in seconds")
	cmd.Flags().BoolVar(&priority, "priority", false, "priority ticket")
	return cmd
}

func ticketStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Change ticket status",
		Long:  "Moves a ticket through waiting, called, serving and completed. Use --force to skip the transition table.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetStatus(ctx, args[0], domain.Status(args[1]), viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printTicket(ctx, e, t)
			})
		},
	}
}

func ticketWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <id>",
		Short: "Show position and estimated wait",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.Wait(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				fmt.Printf("Ticket: %s\n", info.TicketID)
				fmt.Printf("Position: %s\n", positionString(info.QueuePosition))
				fmt.Printf("Estimated wait: %ds\n", info.EstimatedWaitTime)
				if info.IsNext {
					fmt.Println("Next to be called")
				}
				return nil
			})
		},
	}
}

func printTicket(ctx context.Context, e engine.Engine, t domain.Ticket) error {
	wait, err := e.EstimateWait(ctx, t)
	if err != nil {
		return err
	}
	return printJSONOrTable(struct {
		domain.Ticket
		EstimatedWaitTime int `json:"estimated_wait_time"`
	}{t, wait})
}

// renderTickets prints a ticket table; waits is optional and keyed by ticket id.
func renderTickets(tickets []domain.Ticket, waits map[string]int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{"Pos", "Number", "Status", "Priority", "Queue", "Counter", "Created"}
	if waits != nil {
		header = append(header, "Wait (s)")
	}
	tw.AppendHeader(header)
	for _, t := range tickets {
		prio := ""
		if t.Priority {
			prio = "yes"
		}
		row := table.Row{positionString(t.QueuePosition), t.TicketNumber, t.Status, prio, t.QueueID, deref(t.CounterID), t.CreatedAt}
		if waits != nil {
			row = append(row, waits[t.ID])
		}
		tw.AppendRow(row)
	}
	tw.Render()
}
