package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-federator/internal/api"
	"github.com/miradorstack/mirador-federator/internal/engine"
	federationv1 "github.com/miradorstack/mirador-federator/internal/grpc/federationv1"
	"github.com/miradorstack/mirador-federator/internal/models"
)

type queryFlags struct {
	capabilities []string
	filters      map[string]string
	limit        int
	tenant       string
	caller       string
	priority     string
	timeout      time.Duration
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.capabilities, "capability", nil, "capability to query directly (repeatable); skips intent mapping")
	cmd.Flags().StringToStringVar(&f.filters, "filter", nil, "structured filter key=value (repeatable)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum records per sub-query")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.caller, "caller", "cli", "caller id")
	cmd.Flags().StringVar(&f.priority, "priority", "MEDIUM", "LOW, MEDIUM, HIGH or CRITICAL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "request deadline (0 uses the server default)")
}

func (f *queryFlags) request(args []string) models.QueryRequest {
	return models.QueryRequest{
		Query:        strings.TrimSpace(strings.Join(args, " ")),
		Capabilities: f.capabilities,
		Filters:      f.filters,
		Limit:        f.limit,
		Context: models.CallerContext{
			TenantID: f.tenant,
			CallerID: f.caller,
			Priority: models.ParsePriority(f.priority),
			Timeout:  f.timeout,
		},
	}
}

// document renders the request in the wire shape DecodeQueryRequest accepts.
func (f *queryFlags) document(args []string) api.Document {
	req := f.request(args)
	caps := make([]any, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, c)
	}
	filters := make(map[string]any, len(req.Filters))
	for k, v := range req.Filters {
		filters[k] = v
	}
	return api.Document{
		"query":        req.Query,
		"capabilities": caps,
		"filters":      filters,
		"limit":        req.Limit,
		"context": map[string]any{
			"tenant_id":  req.Context.TenantID,
			"caller_id":  req.Context.CallerID,
			"priority":   req.Context.Priority.String(),
			"timeout_ms": req.Context.Timeout.Milliseconds(),
		},
	}
}

var (
	planFlags  queryFlags
	queryOpts  queryFlags
	remoteAddr string
	healthAddr string
)

var planCmd = &cobra.Command{
	Use:   "plan [query...]",
	Short: "Print the execution plan for a query without dispatching it",
	Long: `plan loads the registry and intent rules locally and prints the plan the planner
would build, together with the candidate ranking for every capability. Groups are treated
as freshly registered: CLOSED with full health.`,
	RunE: runPlan,
}

var queryCmd = &cobra.Command{
	Use:   "query [query...]",
	Short: "Send a federated query to a running server",
	RunE:  runQuery,
}

var healthCmd = &cobra.Command{
	Use:   "health [group]",
	Short: "Show integration group health from a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHealth,
}

func init() {
	planFlags.register(planCmd)
	queryOpts.register(queryCmd)
	queryCmd.Flags().StringVar(&remoteAddr, "addr", "localhost:50051", "gRPC address of the federator")
	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:50051", "gRPC address of the federator")
}

func runPlan(cmd *cobra.Command, args []string) error {
	rt, err := engine.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Registry.Reload(cmd.Context()); err != nil && len(rt.Registry.Snapshot().Groups) == 0 {
		return fmt.Errorf("load registry: %w", err)
	}
	exp, err := rt.Pipeline.Explain(cmd.Context(), planFlags.request(args))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), api.ExplanationDocument(exp))
}

func runQuery(cmd *cobra.Command, args []string) error {
	client, closeFn, err := dial(remoteAddr)
	if err != nil {
		return err
	}
	defer closeFn()

	in, err := structpb.NewStruct(queryOpts.document(args))
	if err != nil {
		return err
	}
	ctx, cancel := callContext(cmd.Context(), queryOpts.timeout)
	defer cancel()
	out, err := client.Query(ctx, in)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out.AsMap())
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, closeFn, err := dial(healthAddr)
	if err != nil {
		return err
	}
	defer closeFn()

	fields := map[string]any{}
	if len(args) == 1 {
		fields["group"] = args[0]
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	ctx, cancel := callContext(cmd.Context(), 0)
	defer cancel()
	out, err := client.Health(ctx, in)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out.AsMap())
}

func dial(addr string) (federationv1.FederatorClient, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return federationv1.NewFederatorClient(conn), func() { _ = conn.Close() }, nil
}

func callContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = cfg.Scheduler.RequestTimeout
	}
	return context.WithTimeout(parent, timeout+2*time.Second)
}

func printJSON(w io.Writer, doc map[string]any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// sortedKeys is used by validate to print stable summaries.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
