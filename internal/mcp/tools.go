package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// maxListedTxs bounds how many outcomes a tool result prints.
const maxListedTxs = 20

// RegisterTools registers all spammer tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRuns(s, client)
	registerRunDetail(s, client)
	registerRunTxs(s, client)
	registerTx(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_status",
		gomcp.WithDescription("Get the live spam run: state (streaming, awaiting_tasks, draining, done), blocks seen, outcomes sent/failed/buffered/persisted, tasks in flight."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Spammer unreachable: %v\n\nWas it started with -listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_health",
		gomcp.WithDescription("Readiness check for the spammer: RPC endpoint and storage connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Spammer not ready: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_runs",
		gomcp.WithDescription("List recorded spam runs, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_run_detail",
		gomcp.WithDescription("Get one spam run by ID: shape, block range, outcome counts, drain result and send latency."),
		gomcp.WithNumber("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return gomcp.NewToolResultError("id must be a positive run ID"), nil
		}
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs/%d", id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerRunTxs(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_run_txs",
		gomcp.WithDescription("Get persisted outcomes for a spam run (paginated). Each outcome is one intent: a single tx or a bundle."),
		gomcp.WithNumber("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max outcomes to return (default: 50, max: 1000)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return gomcp.NewToolResultError("id must be a positive run ID"), nil
		}
		limit := req.GetInt("limit", 50)
		offset := req.GetInt("offset", 0)

		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs/%d/txs?limit=%d&offset=%d", id, limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run outcomes failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunTxs(raw)), nil
	})
}

func registerTx(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_tx",
		gomcp.WithDescription("Find the persisted outcome containing a transaction hash, including bundle members."),
		gomcp.WithString("hash",
			gomcp.Required(),
			gomcp.Description("0x-prefixed transaction hash"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		hash, err := req.RequireString("hash")
		if err != nil {
			return gomcp.NewToolResultError("hash is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/txs/"+strings.TrimSpace(hash))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Tx lookup failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatTx(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("spam_delete_run",
		gomcp.WithDescription("Delete a spam run and its outcomes. This is a MUTATING operation."),
		gomcp.WithNumber("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return gomcp.NewToolResultError("id must be a positive run ID"), nil
		}
		if _, err := client.Delete(ctx, fmt.Sprintf("/v1/runs/%d", id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	state := getStr(m, "state")
	if state == "" {
		return joinLines(section("Spammer Status"), "No run has started yet.")
	}

	return joinLines(
		section("Spammer Status"),
		kv("Run", formatRunID(getNum(m, "runId"))),
		kv("State", state),
		kv("Blocks", formatNumber(getNum(m, "blocks"))),
		kv("Last Block", formatNumber(getNum(m, "lastBlock"))),
		kv("In Flight", formatNumber(getNum(m, "inFlight"))),
		kv("Sent", formatNumber(getNum(m, "sent"))),
		kv("Failed", formatNumber(getNum(m, "failed"))),
		kv("Buffered", formatNumber(getNum(m, "buffered"))),
		kv("Persisted", formatNumber(getNum(m, "persisted"))),
	)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Spammer Health: " + state)
	checks, _ := m["checks"].([]any)
	for _, c := range checks {
		check, ok := c.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
		if errMsg := getStr(check, "error"); errMsg != "" {
			line += " - " + errMsg
		}
		lines += "\n" + line
	}
	return lines
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Spam Runs"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
		"",
	)

	runs, _ := m["runs"].([]any)
	if len(runs) == 0 {
		return lines + "\nNo runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("\n\n### Run %s", formatRunID(getNum(run, "id")))
		if name := getStr(run, "name"); name != "" {
			lines += " (" + name + ")"
		}
		lines += "\n" + joinLines(
			kv("Status", getStr(run, "status")),
			kv("Shape", fmt.Sprintf("%s txs x %s blocks", formatNumber(getNum(run, "txsPerBlock")), formatNumber(getNum(run, "numBlocks")))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
		if sum := getMap(run, "summary"); sum != nil {
			lines += "\n" + joinLines(
				kv("Sent", formatNumber(getNum(sum, "sent"))),
				kv("Failed", formatNumber(getNum(sum, "failed"))),
			)
		}
	}
	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var run map[string]any
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}

	lines := joinLines(
		section("Run "+formatRunID(getNum(run, "id"))),
		kv("Name", getStr(run, "name")),
		kv("Status", getStr(run, "status")),
		kv("Txs Per Block", formatNumber(getNum(run, "txsPerBlock"))),
		kv("Blocks", formatNumber(getNum(run, "numBlocks"))),
		kv("Started", formatTime(getStr(run, "startedAt"))),
		kv("Completed", formatTime(getStr(run, "completedAt"))),
		kv("Error", getStr(run, "error")),
	)

	sum := getMap(run, "summary")
	if sum == nil {
		return lines
	}

	sent, failed := getNum(sum, "sent"), getNum(sum, "failed")
	failRate := 0.0
	if sent+failed > 0 {
		failRate = failed / (sent + failed) * 100
	}
	lines += "\n\n" + joinLines(
		section("Summary"),
		kv("Block Range", fmt.Sprintf("%s - %s", formatNumber(getNum(sum, "firstBlock")), formatNumber(getNum(sum, "lastBlock")))),
		kv("Blocks Observed", formatNumber(getNum(sum, "blocksObserved"))),
		kv("Intents", formatNumber(getNum(sum, "intents"))),
		kv("Dispatched", formatNumber(getNum(sum, "dispatched"))),
		kv("Sent", formatNumber(sent)),
		kv("Failed", fmt.Sprintf("%s (%s)", formatNumber(failed), formatPct(failRate))),
		kv("Duration", getStr(sum, "duration")),
	)

	if drain := getMap(sum, "drain"); drain != nil {
		timedOut, _ := drain["timedOut"].(bool)
		lines += "\n\n" + joinLines(
			section("Drain"),
			kv("State", getStr(drain, "state")),
			kv("Attempts", formatNumber(getNum(drain, "attempts"))),
			kv("Remaining", formatNumber(getNum(drain, "remaining"))),
			kv("Timed Out", timedOut),
		)
	}

	if lat := getMap(sum, "sendLatency"); lat != nil {
		lines += "\n\n" + joinLines(
			section("Send Latency"),
			kv("Samples", formatNumber(getNum(lat, "count"))),
			kv("Min", formatMs(getNum(lat, "min"))),
			kv("P50", formatMs(getNum(lat, "p50"))),
			kv("P90", formatMs(getNum(lat, "p90"))),
			kv("P99", formatMs(getNum(lat, "p99"))),
			kv("Max", formatMs(getNum(lat, "max"))),
		)
	}
	return lines
}

func formatRunTxs(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing outcomes: %v", err)
	}

	lines := joinLines(
		section("Run Outcomes"),
		kv("Total", formatNumber(getNum(m, "total"))),
		kv("Sent", formatNumber(getNum(m, "sent"))),
		kv("Failed", formatNumber(getNum(m, "failed"))),
		"",
	)

	txs, _ := m["txs"].([]any)
	if len(txs) == 0 {
		return lines + "\nNo outcomes found."
	}

	for i, t := range txs {
		if i >= maxListedTxs {
			lines += fmt.Sprintf("\n... and %d more", len(txs)-maxListedTxs)
			break
		}
		row, ok := t.(map[string]any)
		if !ok {
			continue
		}
		lines += "\n" + formatOutcomeLine(i, row)
	}
	return lines
}

func formatOutcomeLine(i int, row map[string]any) string {
	o := getMap(row, "outcome")
	hashes, _ := o["txHashes"].([]any)
	first := "-"
	if len(hashes) > 0 {
		if h, ok := hashes[0].(string); ok {
			first = shortHash(h)
		}
	}
	line := fmt.Sprintf("  [%d] %-21s %-6s block=%d", i, first, getStr(o, "status"), int64(getNum(row, "flushBlock")))
	if len(hashes) > 1 {
		line += fmt.Sprintf(" bundle=%d", len(hashes))
	}
	if kind := getStr(getMap(o, "metadata"), "kind"); kind != "" {
		line += " kind=" + kind
	}
	if errMsg := getStr(o, "error"); errMsg != "" {
		line += " error=" + errMsg
	}
	return line
}

func formatTx(raw json.RawMessage) string {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Sprintf("Error parsing tx: %v", err)
	}
	o := getMap(row, "outcome")

	lines := joinLines(
		section("Outcome"),
		kv("Run", formatRunID(getNum(row, "runId"))),
		kv("Flush Block", formatNumber(getNum(row, "flushBlock"))),
		kv("Status", getStr(o, "status")),
		kv("Sent At Block", formatNumber(getNum(o, "sentAtBlock"))),
		kv("Gas Price", formatNumber(getNum(o, "gasPrice"))),
		kv("Error", getStr(o, "error")),
	)
	if included := getNum(o, "includedBlock"); included > 0 {
		lines += "\n" + joinLines(
			kv("Included Block", formatNumber(included)),
			kv("Gas Used", formatNumber(getNum(o, "gasUsed"))),
		)
	}
	hashes, _ := o["txHashes"].([]any)
	for _, h := range hashes {
		lines += fmt.Sprintf("\n  %v", h)
	}
	return lines
}

func formatRunID(v float64) string {
	return fmt.Sprintf("#%d", int64(v))
}

// formatTime renders RFC3339 timestamps compactly; empty stays empty.
func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}
