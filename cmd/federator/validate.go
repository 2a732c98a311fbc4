package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-federator/internal/config"
	"github.com/miradorstack/mirador-federator/internal/connectors"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/planner"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration, registry and intent rules without starting anything",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	fallback := models.HealthThresholds{Warning: cfg.Monitor.WarningThreshold, Critical: cfg.Monitor.CriticalThreshold}
	groups, err := config.LoadRegistryWithThresholds(cfg.Registry.Path, fallback)
	if err != nil {
		return err
	}
	intents, err := planner.LoadIntents(cfg.Planner.IntentsPath, logger)
	if err != nil {
		return err
	}

	factories := connectors.DefaultFactories()
	var problems utils.ValidationErrors
	byCapability := make(map[string][]string)
	for _, g := range groups {
		for _, c := range g.Capabilities {
			byCapability[c] = append(byCapability[c], g.ID)
		}
		for _, ep := range g.Endpoints {
			if _, ok := factories[ep.Kind]; !ok {
				problems.Addf("group %s endpoint %s: unsupported kind %q (known: %s)",
					g.ID, ep.Name, ep.Kind, strings.Join(connectors.Kinds(factories), ", "))
			}
		}
	}
	var warnings []string
	for _, rule := range intents.Rules() {
		for _, c := range rule.Capabilities {
			if len(byCapability[c]) == 0 && !rule.Optional {
				warnings = append(warnings, fmt.Sprintf("rule %s: no group provides %q; matching queries will fail to plan", rule.ID, c))
			}
		}
	}

	fmt.Fprintf(out, "registry %s: %d groups\n", cfg.Registry.Path, len(groups))
	for _, c := range sortedKeys(byCapability) {
		fmt.Fprintf(out, "  %-18s %s\n", c, strings.Join(byCapability[c], ", "))
	}
	fmt.Fprintf(out, "intent rules: %d\n", len(intents.Rules()))
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}

	if err := problems.Err(); err != nil {
		return utils.NewAppError("validate", "configuration problems", err)
	}
	fmt.Fprintln(out, "ok")
	return nil
}
