package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"launchpad/internal/adapters/queue"
	"launchpad/internal/app"
	"launchpad/internal/config"
	"launchpad/internal/domain"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type connectFunc func(ctx context.Context, cfg *config.Config) (*app.SchedulingService, error)

func connectRedis(ctx context.Context, cfg *config.Config) (*app.SchedulingService, error) {
	client, err := queue.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	broker := queue.NewRedisQueueBroker(client, cfg.KeyPrefix)
	opts, err := cfg.ServiceOptions(zap.NewNop())
	if err != nil {
		return nil, err
	}
	service, err := app.NewSchedulingService(broker, queue.NewRedisEventStream(broker, nil), opts)
	if err != nil {
		return nil, err
	}
	if err := service.Open(ctx); err != nil {
		return nil, err
	}
	return service, nil
}

// cli carries the connection shared by every subcommand.
type cli struct {
	connect    connectFunc
	configPath string
	service    *app.SchedulingService
}

func newRootCmd(connect connectFunc) *cobra.Command {
	c := &cli{connect: connect}

	rootCmd := &cobra.Command{
		Use:          "jobctl",
		Short:        "Enqueue and inspect launchpad background jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			c.service, err = c.connect(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.service == nil {
				return nil
			}
			return c.service.Shutdown(context.Background())
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("LAUNCHPAD_CONFIG"), "path to the YAML config file")

	rootCmd.AddCommand(c.enqueueCmd())
	rootCmd.AddCommand(c.inspectCmd())
	rootCmd.AddCommand(c.countsCmd())
	rootCmd.AddCommand(c.eventsCmd())
	return rootCmd
}

func (c *cli) enqueueCmd() *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job",
	}

	var sources []string
	var force bool
	opportunities := &cobra.Command{
		Use:   "opportunities",
		Short: "Register the recurring opportunity detection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.OpportunityDetectionPayload{ForceRefresh: force}
			for _, s := range sources {
				p.Sources = append(p.Sources, domain.OpportunitySource(s))
			}
			id, err := c.service.EnqueueOpportunityDetection(cmd.Context(), p)
			return printEnqueued(cmd.OutOrStdout(), domain.QueueOpportunityDetection, id, err)
		},
	}
	opportunities.Flags().StringSliceVar(&sources, "source", []string{"google_trends", "reddit", "product_hunt", "indie_hackers"}, "opportunity source to scan")
	opportunities.Flags().BoolVar(&force, "force", false, "bypass cached source data")

	var userID string
	var step int
	launchStep := &cobra.Command{
		Use:   "launch-step <business-id>",
		Short: "Enqueue a business launch wizard step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.service.EnqueueBusinessLaunchStep(cmd.Context(), domain.BusinessLaunchStepPayload{
				BusinessID: args[0],
				UserID:     userID,
				Step:       step,
			})
			return printEnqueued(cmd.OutOrStdout(), domain.QueueBusinessLaunch, id, err)
		},
	}
	launchStep.Flags().StringVar(&userID, "user", "", "id of the user running the wizard")
	launchStep.Flags().IntVar(&step, "step", 1, "wizard step, 1 to 8")
	_ = launchStep.MarkFlagRequired("user")

	var date string
	metrics := &cobra.Command{
		Use:   "metrics <business-id>",
		Short: "Enqueue a metrics aggregation for one day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.service.EnqueueMetricsAggregation(cmd.Context(), domain.MetricsAggregationPayload{
				BusinessID: args[0],
				Date:       date,
			})
			return printEnqueued(cmd.OutOrStdout(), domain.QueueMetricsAggregation, id, err)
		},
	}
	metrics.Flags().StringVar(&date, "date", "", "day to aggregate, YYYY-MM-DD")
	_ = metrics.MarkFlagRequired("date")

	enqueueCmd.AddCommand(opportunities, launchStep, metrics)
	return enqueueCmd
}

func printEnqueued(w io.Writer, queue domain.QueueName, id string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", queue, err)
	}
	fmt.Fprintf(w, "Job %s enqueued on %s.\n", id, queue)
	return nil
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <queue> <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := domain.ParseQueueName(args[0])
			if err != nil {
				return err
			}
			job, err := c.service.GetJob(cmd.Context(), queue, args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

func (c *cli) countsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts [queue...]",
		Short: "Print job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := parseQueues(args)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-22s %8s %8s %8s %10s %8s\n", "QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED")
			for _, q := range queues {
				counts, err := c.service.Counts(cmd.Context(), q)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%-22s %8d %8d %8d %10d %8d\n", q,
					counts[domain.JobStateWaiting], counts[domain.JobStateDelayed], counts[domain.JobStateActive],
					counts[domain.JobStateCompleted], counts[domain.JobStateFailed])
			}
			return nil
		},
	}
}

func (c *cli) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events [queue...]",
		Short: "Stream lifecycle events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := parseQueues(args)
			if err != nil {
				return err
			}
			events, err := c.service.Subscribe(cmd.Context(), queues...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func parseQueues(args []string) ([]domain.QueueName, error) {
	if len(args) == 0 {
		return domain.QueueNames, nil
	}
	out := make([]domain.QueueName, 0, len(args))
	for _, arg := range args {
		q, err := domain.ParseQueueName(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
