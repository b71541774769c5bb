package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/miradorstack/mirador-autopilot/internal/api"
	"github.com/miradorstack/mirador-autopilot/internal/config"
)

func withClient(parent context.Context, fn func(context.Context, *api.Client) error) error {
	if parent == nil {
		parent = context.Background()
	}
	client, err := api.Dial(viper.GetString("address"))
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(parent, viper.GetDuration("timeout"))
	defer cancel()
	return fn(ctx, client)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one Observe-Orient-Decide-Act cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.TriggerCycle(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("cycle %v finished in %v, %v action(s) executed\n", out["cycle_id"], out["duration"], out["executed"])
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Decision", "Type", "Target", "Priority", "Routing", "Outcome", "Blocked By"})
				for _, o := range asList(out["outcomes"]) {
					m := asMap(o)
					tw.AppendRow(table.Row{m["decision_id"], m["type"], m["target"], m["priority"], m["routing"], str(m["outcome"]), joinList(m["blocked_by"])})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show guardrails, monitoring statistics and recent decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				g := asMap(out["guardrails"])
				mon := asMap(out["monitoring"])
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Setting", "Value"})
				tw.AppendRows([]table.Row{
					{"kill switch", out["kill_switch"]},
					{"rate", fmt.Sprintf("%v/%v", g["rate_used"], g["rate_limit"])},
					{"blast radius", fmt.Sprintf("%v/%v", g["blast_radius_used"], g["blast_radius_limit"])},
					{"confidence threshold", out["confidence_threshold"]},
					{"self healing", out["self_healing_enabled"]},
					{"pending approvals", out["pending_approvals"]},
					{"monitoring", mon["state"]},
					{"monitor interval", mon["interval"]},
					{"collections ok/failed", fmt.Sprintf("%v/%v", mon["collections_succeeded"], mon["collections_failed"])},
					{"anomalies", mon["anomalies_detected"]},
					{"cycle p95", out["cycle_latency_p95"]},
				})
				tw.Render()

				recent := asList(out["recent_decisions"])
				if len(recent) == 0 {
					return nil
				}
				dt := table.NewWriter()
				dt.SetOutputMirror(os.Stdout)
				dt.AppendHeader(table.Row{"At", "Type", "Target", "Confidence", "Routing", "Blocked By"})
				for _, r := range recent {
					m := asMap(r)
					dt.AppendRow(table.Row{m["at"], m["type"], m["target"], fmt.Sprintf("%.2f", num(m["confidence"])), m["routing"], joinList(m["blocked_by"])})
				}
				dt.Render()
				return nil
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List decisions awaiting approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.Pending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Target", "Confidence", "Blocked By", "Created"})
				for _, p := range asList(out["pending"]) {
					m := asMap(p)
					d := asMap(m["decision"])
					tw.AppendRow(table.Row{m["id"], d["type"], d["target_key"], fmt.Sprintf("%.2f", num(m["confidence"])), joinList(m["blocked_by"]), m["created_at"]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Execute a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.Approve(ctx, args[0], note)
				if err != nil {
					return err
				}
				return printResolved(out)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the approval")
	return cmd
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Discard a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.Reject(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printResolved(out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rejection")
	return cmd
}

func printResolved(out map[string]any) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	fmt.Printf("%v %v", out["id"], out["status"])
	if rec := str(out["record_id"]); rec != "" {
		fmt.Printf(" (action %s)", rec)
	}
	fmt.Println()
	return nil
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Control the monitoring loop",
	}
	for _, op := range []string{"start", "stop", "pause", "resume"} {
		op := op
		cmd.AddCommand(&cobra.Command{
			Use:   op,
			Short: op + " monitoring",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
					out, err := c.Monitoring(ctx, op)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(out)
					}
					fmt.Printf("%v -> %v: %v\n", out["from"], out["to"], out["message"])
					return nil
				})
			},
		})
	}
	return cmd
}

func configureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Update runtime settings; invalid values change nothing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := settingsUpdateFromFlags(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.Configure(ctx, u)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				keys := make([]string, 0, len(out))
				for k := range out {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Setting", "Value"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k, out[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.Duration("interval", 0, "monitoring interval (5s-300s)")
	f.Float64("confidence-threshold", 0, "minimum confidence for automated execution (0-1)")
	f.Float64("z-threshold", 0, "anomaly z-score threshold")
	f.Int("rate-limit", 0, "automated actions per rate window")
	f.Int("blast-radius", 0, "distinct targets per blast window")
	f.Duration("cooldown", 0, "self-healing cooldown per service and action")
	f.Bool("anomaly-detection", true, "enable anomaly detection")
	f.Bool("self-healing", true, "enable self-healing")
	return cmd
}

// settingsUpdateFromFlags only carries flags the user set explicitly.
func settingsUpdateFromFlags(cmd *cobra.Command) (config.SettingsUpdate, error) {
	var u config.SettingsUpdate
	f := cmd.Flags()
	if f.Changed("interval") {
		v, _ := f.GetDuration("interval")
		u.MonitorInterval = &v
	}
	if f.Changed("confidence-threshold") {
		v, _ := f.GetFloat64("confidence-threshold")
		u.ConfidenceThreshold = &v
	}
	if f.Changed("z-threshold") {
		v, _ := f.GetFloat64("z-threshold")
		u.ZThreshold = &v
	}
	if f.Changed("rate-limit") {
		v, _ := f.GetInt("rate-limit")
		u.RateLimit = &v
	}
	if f.Changed("blast-radius") {
		v, _ := f.GetInt("blast-radius")
		u.BlastRadius = &v
	}
	if f.Changed("cooldown") {
		v, _ := f.GetDuration("cooldown")
		u.ResponseCooldown = &v
	}
	if f.Changed("anomaly-detection") {
		v, _ := f.GetBool("anomaly-detection")
		u.AnomalyDetection = &v
	}
	if f.Changed("self-healing") {
		v, _ := f.GetBool("self-healing")
		u.SelfHealing = &v
	}
	if u.Empty() {
		return u, errors.New("configure: no settings given")
	}
	return u, nil
}

func killSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "killswitch on|off",
		Short:     "Engage or release the kill switch",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var engaged bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "engage":
				engaged = true
			case "off", "false", "release":
			default:
				return fmt.Errorf("killswitch: expected on or off, got %q", args[0])
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				out, err := c.SetKillSwitch(ctx, engaged)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("kill switch %v (was %v)\n", out["engaged"], out["previous"])
				return nil
			})
		},
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func joinList(v any) string {
	items := asList(v)
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprint(it))
	}
	return strings.Join(parts, ",")
}
