// Package status implements the status command, a read-only progress
// snapshot assembled from Redis and the frontier metadata.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roverhq/rover/cmd/common"
	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/politeness"
	"github.com/roverhq/rover/internal/queue"
	"github.com/roverhq/rover/internal/redisclient"
	"github.com/roverhq/rover/internal/visited"
)

const defaultTopDomains = 20

// report is the snapshot shape shared by the table and JSON renderers.
type report struct {
	Domains       int64       `json:"domains"`
	QueuedDomains int64       `json:"queued_domains"`
	PendingURLs   int64       `json:"pending_urls"`
	ConsumedURLs  int64       `json:"consumed_urls"`
	VisitedPages  int64       `json:"visited_pages"`
	QueueDepth    int64       `json:"queue_depth"`
	TopDomains    []domainRow `json:"top_domains"`
}

type domainRow struct {
	Domain    string `json:"domain"`
	Pending   int64  `json:"pending"`
	Consumed  int64  `json:"consumed"`
	Size      int64  `json:"size"`
	Seeded    bool   `json:"seeded"`
	Excluded  bool   `json:"excluded"`
	NextFetch string `json:"next_fetch,omitempty"`
}

// Command returns the status command for use in the root command.
func Command() *cobra.Command {
	var (
		topDomains int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show crawl progress",
		Long: `Status reads the frontier metadata, the visited set, and the parse
queue out of Redis and prints a progress snapshot. It is safe to run
while crawl and parse processes are active.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}

			rep, err := gather(cmd.Context(), deps, topDomains)
			if err != nil {
				return err
			}

			if asJSON {
				return renderJSON(rep)
			}
			renderTables(rep)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&topDomains, "domains", defaultTopDomains, "number of domains to list, most pending first (0 = all)")
	flags.BoolVar(&asJSON, "json", false, "emit JSON instead of tables")

	return cmd
}

// gather assembles the report with the same wiring the crawl and parse
// processes use, so the numbers shown are the numbers they act on.
func gather(ctx context.Context, deps *common.CommandDeps, topDomains int) (*report, error) {
	cfg := deps.Config

	rdb, err := redisclient.NewClient(redisclient.Config{
		Address:        cfg.RedisAddress(),
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		CommandTimeout: cfg.RedisTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	files, err := frontier.NewFileStore(cfg.DataDir, deps.Logger)
	if err != nil {
		return nil, err
	}
	defer files.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	meta := frontier.NewMetadataStore(rdb)

	enforcer, err := politeness.NewEnforcer(&http.Client{Timeout: cfg.RobotsTimeout}, meta, m, deps.Logger, politeness.Options{
		UserAgent:     cfg.EffectiveUserAgent(),
		MinCrawlDelay: cfg.MinCrawlDelay,
		MaxCrawlDelay: cfg.MaxCrawlDelay,
		SeededOnly:    cfg.SeededURLsOnly,
	})
	if err != nil {
		return nil, err
	}

	fr := frontier.NewManager(frontier.ManagerConfig{
		Meta:       meta,
		Files:      files,
		Queue:      frontier.NewReadyQueue(rdb),
		Seen:       frontier.NewBloomSeenSet(rdb, deps.Logger),
		Politeness: enforcer,
		Metrics:    m,
		Logger:     deps.Logger,
	})

	stats, err := fr.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read frontier stats: %w", err)
	}
	domains, err := fr.DomainStats(ctx, topDomains)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain stats: %w", err)
	}
	visitedPages, err := visited.NewStore(rdb).Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read visited count: %w", err)
	}
	depth, err := queue.NewFetchQueue(rdb, m).Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}

	rep := &report{
		Domains:       stats.Domains,
		QueuedDomains: stats.QueuedDomains,
		PendingURLs:   stats.PendingURLs,
		ConsumedURLs:  stats.ConsumedURLs,
		VisitedPages:  visitedPages,
		QueueDepth:    depth,
	}
	for _, d := range domains {
		row := domainRow{
			Domain:   d.Domain,
			Pending:  d.Pending,
			Consumed: d.Offset,
			Size:     d.Size,
			Seeded:   d.IsSeeded,
			Excluded: d.IsExcluded,
		}
		if d.NextFetchTime > 0 {
			row.NextFetch = time.Unix(d.NextFetchTime, 0).UTC().Format(time.RFC3339)
		}
		rep.TopDomains = append(rep.TopDomains, row)
	}
	return rep, nil
}

func renderJSON(rep *report) error {
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func renderTables(rep *report) {
	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.SetStyle(table.StyleLight)
	summary.AppendRows([]table.Row{
		{"Domains", rep.Domains},
		{"Queued domains", rep.QueuedDomains},
		{"Pending URLs", rep.PendingURLs},
		{"Consumed URLs", rep.ConsumedURLs},
		{"Visited pages", rep.VisitedPages},
		{"Parse queue depth", rep.QueueDepth},
	})
	summary.Render()

	if len(rep.TopDomains) == 0 {
		return
	}

	domains := table.NewWriter()
	domains.SetOutputMirror(os.Stdout)
	domains.SetStyle(table.StyleLight)
	domains.AppendHeader(table.Row{"Domain", "Pending", "Consumed", "Size", "Seeded", "Excluded", "Next Fetch"})
	for _, d := range rep.TopDomains {
		next := d.NextFetch
		if next == "" {
			next = "-"
		}
		domains.AppendRow(table.Row{d.Domain, d.Pending, d.Consumed, d.Size, yesNo(d.Seeded), yesNo(d.Excluded), next})
	}
	domains.Render()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
