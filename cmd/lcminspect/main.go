// Command lcminspect is an operator diagnostic tool for an LCM database. It
// is explicitly non-authoritative: every subcommand talks to the same
// lcm.Engine handle a host would construct, never a private code path, and
// never mutates canonical conversation data (check --repair only touches
// derived/denormalized rows the Integrity Checker already owns).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/maestro-lcm/lcm/internal/integrity"
	"github.com/maestro-lcm/lcm/internal/lcmconfig"
	"github.com/maestro-lcm/lcm/internal/retrieval"
	"github.com/maestro-lcm/lcm/internal/summarizer"
	"github.com/maestro-lcm/lcm/pkg/lcm"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "describe":
		handleDescribe()
	case "grep":
		handleGrep()
	case "expand":
		handleExpand()
	case "check":
		handleCheck()
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "lcminspect - LCM database diagnostic tool\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s describe <id> [--db path]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s grep <query> [--conversation id] [--scope messages|summaries|both] [--regex] [--limit n] [--db path]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s expand <summary-id> [--depth n] [--messages] [--db path]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s check [--conversation id] [--repair] [--db path]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Global flags:\n")
	fmt.Fprintf(os.Stderr, "  --db string\n        Path to the SQLite database (default: lcm/lcm.sqlite)\n")
	fmt.Fprintf(os.Stderr, "  --json\n        Emit JSON instead of a table\n")
}

func openEngine(dbPath string) *lcm.Engine {
	cfg := lcmconfig.Defaults()
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	return lcm.New(cfg, summarizer.Deterministic{}, nil)
}

func handleDescribe() {
	flagSet := flag.NewFlagSet("describe", flag.ExitOnError)
	dbPath := flagSet.String("db", "", "Path to the SQLite database")
	asJSON := flagSet.Bool("json", false, "Emit JSON")
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	if flagSet.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: describe requires an id\n\n")
		printUsage()
		os.Exit(1)
	}
	id := flagSet.Arg(0)

	e := openEngine(*dbPath)
	defer func() { _ = e.Dispose() }()
	retriever, err := e.GetRetrievalEngine()
	if err != nil {
		fatal("describe", err)
	}

	res, err := retriever.Describe(context.Background(), id)
	if err != nil {
		fatal("describe", err)
	}
	if res.Summary == nil && res.Artifact == nil {
		fmt.Printf("no context item or artifact found for id %q\n", id)
		os.Exit(1)
	}

	if *asJSON {
		printJSON(res)
		return
	}
	if res.Summary != nil {
		s := res.Summary
		fmt.Printf("id:              %s\n", s.ID)
		fmt.Printf("title:           %s\n", s.Title)
		fmt.Printf("tokens:          %d\n", s.TokenEstimate)
		fmt.Printf("lineage parents: %s\n", strings.Join(s.LineageParentIDs, ", "))
		fmt.Printf("lineage children: %s\n", strings.Join(s.LineageChildIDs, ", "))
		fmt.Printf("sources:         %s\n", strings.Join(s.SourceMessageIDs, ", "))
		fmt.Printf("\n%s\n", s.Body)
	}
	if res.Artifact != nil {
		a := res.Artifact
		fmt.Printf("id:         %s\n", a.ID)
		fmt.Printf("path:       %s\n", a.Path)
		fmt.Printf("mime:       %s\n", a.MimeType)
		fmt.Printf("bytes:      %d\n", a.Bytes)
		fmt.Printf("sha256:     %s\n", a.SHA256)
		fmt.Printf("message id: %s\n", a.MessageID)
	}
}

func handleGrep() {
	flagSet := flag.NewFlagSet("grep", flag.ExitOnError)
	dbPath := flagSet.String("db", "", "Path to the SQLite database")
	conversation := flagSet.String("conversation", "", "Restrict to one conversation")
	scope := flagSet.String("scope", "both", "messages, summaries, or both")
	useRegex := flagSet.Bool("regex", false, "Interpret query as a regular expression")
	limit := flagSet.Int("limit", 20, "Maximum hits to return")
	asJSON := flagSet.Bool("json", false, "Emit JSON")
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	if flagSet.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: grep requires a query\n\n")
		printUsage()
		os.Exit(1)
	}
	query := strings.Join(flagSet.Args(), " ")

	mode := retrieval.GrepFullText
	if *useRegex {
		mode = retrieval.GrepRegex
	}
	var grepScope retrieval.GrepScope
	switch *scope {
	case "messages":
		grepScope = retrieval.ScopeMessages
	case "summaries":
		grepScope = retrieval.ScopeSummaries
	case "both", "":
		grepScope = retrieval.ScopeBoth
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid --scope %q, must be messages, summaries, or both\n", *scope)
		os.Exit(1)
	}

	e := openEngine(*dbPath)
	defer func() { _ = e.Dispose() }()
	retriever, err := e.GetRetrievalEngine()
	if err != nil {
		fatal("grep", err)
	}

	res, err := retriever.Grep(context.Background(), retrieval.GrepInput{
		Query:          query,
		Mode:           mode,
		Scope:          grepScope,
		ConversationID: *conversation,
		Limit:          *limit,
	})
	if err != nil {
		fatal("grep", err)
	}

	if *asJSON {
		printJSON(res)
		return
	}
	if len(res.Hits) == 0 {
		fmt.Println("no hits")
		return
	}
	width := terminalWidth()
	snippetWidth := width - 40
	if snippetWidth < 20 {
		snippetWidth = 20
	}
	fmt.Printf("%-36s %-9s %-*s\n", "ID", "KIND", snippetWidth, "SNIPPET")
	for _, hit := range res.Hits {
		fmt.Printf("%-36s %-9s %-*s\n", hit.ID, hit.Kind, snippetWidth, truncate(hit.Snippet, snippetWidth))
	}
	if res.Truncated {
		fmt.Println("\n(results truncated; narrow the query or raise --limit)")
	}
}

func handleExpand() {
	flagSet := flag.NewFlagSet("expand", flag.ExitOnError)
	dbPath := flagSet.String("db", "", "Path to the SQLite database")
	depth := flagSet.Int("depth", 1, "Lineage hops to walk")
	includeMessages := flagSet.Bool("messages", false, "Include canonical source messages")
	tokenCap := flagSet.Int("token-cap", 0, "Stop once this many tokens are collected (0 = engine default)")
	asJSON := flagSet.Bool("json", false, "Emit JSON")
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	if flagSet.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: expand requires a summary id\n\n")
		printUsage()
		os.Exit(1)
	}
	id := flagSet.Arg(0)

	e := openEngine(*dbPath)
	defer func() { _ = e.Dispose() }()
	retriever, err := e.GetRetrievalEngine()
	if err != nil {
		fatal("expand", err)
	}

	res, err := retriever.Expand(context.Background(), retrieval.ExpandInput{
		SummaryID:       id,
		Depth:           depth,
		IncludeMessages: *includeMessages,
		TokenCap:        *tokenCap,
	})
	if err != nil {
		fatal("expand", err)
	}

	if *asJSON {
		printJSON(res)
		return
	}
	fmt.Printf("summaries: %d, messages: %d, tokens: %d, truncated: %v\n",
		len(res.Summaries), len(res.Messages), res.EstimatedTokens, res.Truncated)
	for _, s := range res.Summaries {
		fmt.Printf("  [summary] %s  %s\n", s.ID, truncate(s.Body, 80))
	}
	for _, m := range res.Messages {
		fmt.Printf("  [message] %s  %s  %s\n", m.ID, m.Role, truncate(m.ContentText, 80))
	}
	if len(res.NextSummaryIDs) > 0 {
		fmt.Printf("\nfrontier (pass as next expand id to continue): %s\n", strings.Join(res.NextSummaryIDs, ", "))
	}
}

func handleCheck() {
	flagSet := flag.NewFlagSet("check", flag.ExitOnError)
	dbPath := flagSet.String("db", "", "Path to the SQLite database")
	conversation := flagSet.String("conversation", "", "Restrict to one conversation (default: entire database)")
	repair := flagSet.Bool("repair", false, "Apply fixable repairs after reporting violations")
	asJSON := flagSet.Bool("json", false, "Emit JSON")
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	e := openEngine(*dbPath)
	defer func() { _ = e.Dispose() }()
	checker, err := e.IntegrityChecker()
	if err != nil {
		fatal("check", err)
	}

	ctx := context.Background()
	violations, err := checker.Check(ctx, *conversation)
	if err != nil {
		fatal("check", err)
	}

	if *repair {
		result, err := checker.Repair(ctx, *conversation)
		if err != nil {
			fatal("check", err)
		}
		if *asJSON {
			printJSON(result)
			return
		}
		fmt.Printf("found %d violation(s), repaired %d, %d remaining\n",
			result.PreRepairViolationCount, result.Applied, len(result.RemainingViolations))
		printViolationTable(result.RemainingViolations)
		if len(result.RemainingViolations) > 0 {
			os.Exit(1)
		}
		return
	}

	if *asJSON {
		printJSON(violations)
		return
	}
	if len(violations) == 0 {
		fmt.Println("no violations found")
		return
	}
	printViolationTable(violations)
	os.Exit(1)
}

func printViolationTable(violations []integrity.Violation) {
	if len(violations) == 0 {
		return
	}
	fmt.Printf("%-40s %-10s %-36s %s\n", "CODE", "FIXABLE", "ENTITY", "DETAIL")
	for _, v := range violations {
		fmt.Printf("%-40s %-10v %-36s %s\n", v.Code, v.Fixable, v.EntityID, v.Detail)
	}
}

func fatal(cmd string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", cmd, err)
	os.Exit(1)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 100
	}
	return width
}
