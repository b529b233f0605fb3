package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/intelengine/internal/queue"
)

type cli struct {
	server  string
	timeout time.Duration
	client  *client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "intelctl",
		Short:         "Command line client for the intelligence engine API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.client = newClient(c.server, c.timeout)
		},
	}
	defaultServer := os.Getenv("INTEL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&c.server, "server", defaultServer, "engine API base URL (env INTEL_SERVER)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		c.ingestCmd(),
		c.jobCmd(),
		c.entitiesCmd(),
		c.lineageCmd(),
		c.deleteCmd(),
		c.listCmd("findings", "List synthesized findings"),
		c.listCmd("indicators", "List indicators"),
		c.synthesizeCmd(),
		c.contradictionsCmd(),
		c.reportCmd(),
		c.schedulesCmd(),
	)
	return root
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func (c *cli) ingestCmd() *cobra.Command {
	var (
		source      string
		method      string
		contentType string
		meta        []string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Submit raw collected data for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			metadata, err := parsePairs(meta)
			if err != nil {
				return err
			}

			body := map[string]interface{}{
				"source_url":        source,
				"collection_method": method,
				"content_type":      contentType,
				"content_base64":    base64.StdEncoding.EncodeToString(data),
			}
			if len(metadata) > 0 {
				body["metadata"] = metadata
			}
			var out struct {
				JobID string `json:"job_id"`
				RawID string `json:"raw_id"`
			}
			ctx := cmd.Context()
			if err := c.client.do(ctx, http.MethodPost, "/api/v1/ingest", nil, body, &out); err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), out)
			}
			p, err := c.waitJob(ctx, out.JobID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source URL of the collected data")
	cmd.Flags().StringVar(&method, "method", "web-scrape", "collection method")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "content type of the payload")
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "metadata as key=value, repeatable")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func (c *cli) waitJob(ctx context.Context, id string) (*queue.Progress, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var p queue.Progress
		if err := c.client.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &p); err != nil {
			return nil, err
		}
		switch p.Status {
		case queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled:
			return &p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *cli) jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or cancel ingestion jobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status [job-id]",
			Short: "Show job progress",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var p queue.Progress
				if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, nil, &p); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			},
		},
		&cobra.Command{
			Use:   "cancel [job-id]",
			Short: "Cancel a pending or running job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out map[string]interface{}
				if err := c.client.do(cmd.Context(), http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return cmd
}

func (c *cli) entitiesCmd() *cobra.Command {
	var (
		bbox       string
		minQuality int
		entityType string
		limit      int
		depth      int
		source     string
	)
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Query correlated entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if bbox != "" {
				q.Set("bbox", bbox)
			}
			if minQuality > 0 {
				q.Set("minQuality", strconv.Itoa(minQuality))
			}
			if entityType != "" {
				q.Set("type", entityType)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out []json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/entities", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&bbox, "bbox", "", "viewport as minLon,minLat,maxLon,maxLat")
	cmd.Flags().IntVar(&minQuality, "min-quality", 0, "minimum number of independent sources")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")

	get := &cobra.Command{
		Use:   "get [entity-id]",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/entities/"+url.PathEscape(args[0]), nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	neighbors := &cobra.Command{
		Use:   "neighbors [entity-id]",
		Short: "Rank entities around a starting entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"depth": {strconv.Itoa(depth)}}
			if source != "" {
				q.Set("source", source)
			}
			var out []json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/entities/"+url.PathEscape(args[0])+"/neighbors", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	neighbors.Flags().IntVar(&depth, "depth", 2, "traversal depth (1-5)")
	neighbors.Flags().StringVar(&source, "source", "", "set to neo4j to query the graph mirror")

	cmd.AddCommand(get, neighbors)
	return cmd
}

func (c *cli) lineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage [record-id]",
		Short: "Trace a record back to its raw collected data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/lineage/"+url.PathEscape(args[0]), nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [record-id]",
		Short: "Tombstone an entity, relationship, finding, indicator or pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := c.client.do(cmd.Context(), http.MethodDelete, "/api/v1/records/"+url.PathEscape(args[0]), nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) listCmd(kind, short string) *cobra.Command {
	var minConfidence, limit int
	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if minConfidence > 0 {
				q.Set("minConfidence", strconv.Itoa(minConfidence))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out []json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/"+kind, q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&minConfidence, "min-confidence", 0, "minimum confidence")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	return cmd
}

func (c *cli) synthesizeCmd() *cobra.Command {
	var (
		entities      []string
		minConfidence int
	)
	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Run a synthesis pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if len(entities) > 0 {
				body["entity_ids"] = entities
			}
			if minConfidence > 0 {
				body["min_confidence"] = minConfidence
			}
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodPost, "/api/v1/synthesize", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "limit the pass to these entity ids")
	cmd.Flags().IntVar(&minConfidence, "min-confidence", 0, "ignore entities below this confidence")
	return cmd
}

func (c *cli) contradictionsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "contradictions",
		Short: "List contradicting intelligence",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if all {
				q.Set("unresolved", "false")
			}
			var out []json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/contradictions", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved contradictions")

	var favor string
	resolve := &cobra.Command{
		Use:   "resolve [relationship-id]",
		Short: "Resolve a contradiction, optionally favoring one side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"resolution": "both-retained"}
			if favor != "" {
				body = map[string]string{"favor": favor}
			}
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodPost, "/api/v1/contradictions/"+url.PathEscape(args[0])+"/resolve", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	resolve.Flags().StringVar(&favor, "favor", "", "id of the side to favor; both are retained when empty")
	cmd.AddCommand(resolve)
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Create and fetch intelligence reports",
	}

	var (
		findings   []string
		indicators []string
		title      string
		summary    string
		tags       []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Build a report from findings and indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"finding_ids":   findings,
				"indicator_ids": indicators,
				"template": map[string]interface{}{
					"title":   title,
					"summary": summary,
					"tags":    tags,
				},
			}
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodPost, "/api/v1/reports", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	create.Flags().StringSliceVar(&findings, "finding", nil, "finding id, repeatable")
	create.Flags().StringSliceVar(&indicators, "indicator", nil, "indicator id, repeatable")
	create.Flags().StringVar(&title, "title", "", "report title")
	create.Flags().StringVar(&summary, "summary", "", "report summary")
	create.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")

	get := &cobra.Command{
		Use:   "get [report-id]",
		Short: "Show a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/reports/"+url.PathEscape(args[0]), nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	var output, format string
	export := &cobra.Command{
		Use:   "export [report-id]",
		Short: "Download a report as PDF or its findings as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "pdf" && format != "csv" {
				return fmt.Errorf("unknown format %q, want pdf or csv", format)
			}
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return c.client.download(cmd.Context(), "/api/v1/reports/"+url.PathEscape(args[0])+"/"+format, w)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file, stdout when empty")
	export.Flags().StringVar(&format, "format", "pdf", "pdf or csv")

	cmd.AddCommand(create, get, export)
	return cmd
}

func (c *cli) schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/schedules", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run [job-id]",
			Short: "Trigger a scheduled job now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.client.do(cmd.Context(), http.MethodPost, "/api/v1/schedules/"+url.PathEscape(args[0])+"/run", nil, nil, nil)
			},
		},
		&cobra.Command{
			Use:   "history [job-id]",
			Short: "Show recent executions of a scheduled job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out []json.RawMessage
				if err := c.client.do(cmd.Context(), http.MethodGet, "/api/v1/schedules/"+url.PathEscape(args[0])+"/executions", nil, nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return cmd
}
