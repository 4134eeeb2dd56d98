package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/tunnelbed/internal/bootstrap"
	"github.com/cochaviz/tunnelbed/internal/orchestrator"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

var buildSteps = []topology.Step{
	topology.StepCoreHosts,
	topology.StepBridgeLinks,
	topology.StepBridge,
	topology.StepOrchestratorRules,
	topology.StepForwarding,
	topology.StepLeaves,
}

func parseStep(value string) (topology.Step, error) {
	if value == "" {
		return "", nil
	}
	step := topology.Step(strings.TrimSpace(value))
	if !slices.Contains(buildSteps, step) {
		names := make([]string, len(buildSteps))
		for i, s := range buildSteps {
			names[i] = string(s)
		}
		return "", fmt.Errorf("unknown step %q (want one of %s)", value, strings.Join(names, ", "))
	}
	return step, nil
}

func newApplyCommand(a *app) *cobra.Command {
	var (
		planOnly bool
		skipKeys bool
		until    string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Args:  cobra.NoArgs,
		Short: "Build the testbed and bootstrap its keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := parseStep(until)
			if err != nil {
				return err
			}
			if !planOnly {
				if err := requireRoot(); err != nil {
					return err
				}
			}
			env, release, err := a.environment()
			if err != nil {
				return err
			}
			defer release()

			builder := orchestrator.NewBuilder(env)
			builder.StopAfter = step
			ctx := cmd.Context()
			cmdLogger := a.logger.With("command", "apply")

			if planOnly {
				plan, err := builder.Plan(ctx)
				if err != nil {
					return err
				}
				printf(cmd, "%s", plan)
				return nil
			}

			report, err := builder.Apply(ctx)
			if err != nil {
				return err
			}
			cmdLogger.Info("topology ready", "session", report.Session, "created", len(report.Created), "already_exists", len(report.AlreadyExists))

			if skipKeys || step != "" {
				cmdLogger.Info("skipping key bootstrap")
				return nil
			}
			if err := bootstrap.New(env.Config, env.Desired, env.Runtime, a.logger).Run(ctx); err != nil {
				return fmt.Errorf("key bootstrap: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&planOnly, "plan", false, "Print the build plan without changing anything")
	cmd.Flags().BoolVar(&skipKeys, "skip-keys", false, "Do not run the key bootstrap after building")
	cmd.Flags().StringVar(&until, "until", "", "Stop the build after this step")
	return cmd
}

func newDestroyCommand(a *app) *cobra.Command {
	var planOnly bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Args:  cobra.NoArgs,
		Short: "Tear the testbed down, skipping whatever is already gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !planOnly {
				if err := requireRoot(); err != nil {
					return err
				}
			}
			env, release, err := a.environment()
			if err != nil {
				return err
			}
			defer release()

			destroyer := orchestrator.NewDestroyer(env)
			if planOnly {
				printf(cmd, "%s", destroyer.Plan(cmd.Context()))
				return nil
			}
			report, err := destroyer.Destroy(cmd.Context())
			a.logger.Info("teardown finished", "deleted", len(report.Deleted), "absent", len(report.Skipped))
			return err
		},
	}

	cmd.Flags().BoolVar(&planOnly, "plan", false, "Print the teardown plan without changing anything")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "Show which parts of the testbed exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, release, err := a.environment()
			if err != nil {
				return err
			}
			defer release()

			observed, err := env.Observe(cmd.Context())
			if err != nil {
				return err
			}
			for _, stage := range topology.BuildOrder(env.Desired) {
				printf(cmd, "%s\n", stage.Step)
				for _, r := range stage.Resources {
					state := "absent"
					if observed.Has(r) {
						state = "present"
					}
					if r.Kind == topology.KindHost {
						if h, ok := observed.Hosts[r.Name]; ok && h.Running {
							state += " netns=" + h.NetNS
						}
					}
					printf(cmd, "  %-36s %s\n", r.ID(), state)
				}
			}
			return nil
		},
	}
}

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Args:  cobra.NoArgs,
		Short: "Check routes, NAT placement and trust stores against the blueprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			env, release, err := a.environment()
			if err != nil {
				return err
			}
			defer release()

			var errs []error
			if err := env.Verify(cmd.Context()); err != nil {
				errs = append(errs, err)
			}
			if err := bootstrap.New(env.Config, env.Desired, env.Runtime, a.logger).Verify(); err != nil {
				errs = append(errs, err)
			}
			if len(errs) > 0 {
				for _, err := range errs {
					a.logger.Error("verification failed", "error", err)
				}
				return fmt.Errorf("testbed does not match the blueprint")
			}
			a.logger.Info("testbed matches the blueprint")
			return nil
		},
	}
}
