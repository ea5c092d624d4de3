// Package cli implements the settlectl subcommands. Each command writes a
// human or JSON report and returns the process exit code.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odyssey-erp/ordersettle/internal/ingest"
	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/settlement"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitUsage   = 2
	ExitPartial = 10
)

// Importer is the ingest surface used by the import command.
type Importer interface {
	Import(ctx context.Context, req ingest.ImportRequest, progress ingest.ProgressFunc) (ingest.ImportResult, error)
}

// Settler is the settlement surface used by the ledger commands.
type Settler interface {
	Settle(ctx context.Context, r settlement.Range, clientID *int64) (settlement.Stats, error)
	Execute(ctx context.Context, r settlement.Range, clientID int64) (settlement.Record, error)
	ReSettle(ctx context.Context, externalIDs []string, date time.Time) (settlement.Stats, int64, error)
	Cancel(ctx context.Context, externalIDs []string, reason string) (int64, error)
	Location() *time.Location
}

// OrderFinder loads order lines by compound id.
type OrderFinder func(ctx context.Context, externalIDs []string) ([]orders.Order, error)

// OpsCLI runs operator commands against the domain services.
type OpsCLI struct {
	importer Importer
	settler  Settler
	finder   OrderFinder
}

// NewOpsCLI wires the commands. Nil dependencies disable their commands.
func NewOpsCLI(importer Importer, settler Settler, finder OrderFinder) *OpsCLI {
	return &OpsCLI{importer: importer, settler: settler, finder: finder}
}

// Output selects where and how a command reports.
type Output struct {
	JSON   bool
	Stdout io.Writer
	Stderr io.Writer
}

func (o Output) normalize() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

func (o Output) fail(cmd string, err error) int {
	_, _ = fmt.Fprintf(o.Stderr, "%s: %v\n", cmd, err)
	if settlement.IsValidation(err) || ingest.IsStructural(err) {
		return ExitUsage
	}
	return ExitFailed
}

// Print writes v as JSON.
func (o Output) Print(cmd string, v any) int {
	o = o.normalize()
	if err := json.NewEncoder(o.Stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(o.Stderr, "%s: encode json: %v\n", cmd, err)
		return ExitFailed
	}
	return ExitOK
}

func (o Output) emit(cmd string, v any, human func(io.Writer)) int {
	if o.JSON {
		return o.Print(cmd, v)
	}
	human(o.Stdout)
	return ExitOK
}

// ImportOptions defines flags for the import command.
type ImportOptions struct {
	Path  string
	Actor string
	Output
}

// ImportCommand ingests one export file. Row-level failures yield ExitPartial.
func (c *OpsCLI) ImportCommand(ctx context.Context, opts ImportOptions) int {
	out := opts.normalize()
	if c.importer == nil {
		return out.fail("import", fmt.Errorf("importer not configured"))
	}
	if strings.TrimSpace(opts.Path) == "" {
		_, _ = fmt.Fprintln(out.Stderr, "import: --file is required")
		return ExitUsage
	}
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return out.fail("import", err)
	}
	ctx = withActor(ctx, opts.Actor)
	lastPhase := ""
	result, err := c.importer.Import(ctx, ingest.ImportRequest{Filename: filepath.Base(opts.Path), Data: data}, func(p ingest.Progress) {
		if out.JSON || p.Phase == lastPhase && p.Phase != "shard" {
			return
		}
		lastPhase = p.Phase
		_, _ = fmt.Fprintf(out.Stderr, "  %3d%% %s\n", p.Percent, p.Phase)
	})
	if err != nil {
		return out.fail("import", err)
	}
	code := out.emit("import", result, func(w io.Writer) {
		s := result.Summary
		_, _ = fmt.Fprintf(w, "Import %s of %s: %d data rows\n", result.ImportID, result.Filename, result.DataRows)
		_, _ = fmt.Fprintf(w, "  stored %d (changed %d), abnormal %d, duplicates %d, failed %d, invalid %d, unparsable %d\n",
			s.InsertedOrUpdated, s.Changed, s.Abnormal, s.Duplicates, s.Failed, result.Invalid, result.ParseErrorCount)
		for _, e := range s.Errors {
			_, _ = fmt.Fprintf(w, "  - %s\n", e)
		}
		for _, e := range result.ParseErrors {
			_, _ = fmt.Fprintf(w, "  - row %d: %s\n", e.Row, e.Message)
		}
	})
	if code == ExitOK && (result.Summary.Failed > 0 || result.ParseErrorCount > 0) {
		return ExitPartial
	}
	return code
}

// RunOptions defines flags for the run and execute commands.
type RunOptions struct {
	Start    string
	End      string
	ClientID *int64
	Actor    string
	Output
}

// RunCommand prices waiting orders for the range.
func (c *OpsCLI) RunCommand(ctx context.Context, opts RunOptions) int {
	out := opts.normalize()
	if c.settler == nil {
		return out.fail("run", fmt.Errorf("settlement not configured"))
	}
	rng, err := settlement.ParseRange(opts.Start, opts.End, c.settler.Location())
	if err != nil {
		return out.fail("run", err)
	}
	stats, err := c.settler.Settle(withActor(ctx, opts.Actor), rng, opts.ClientID)
	if err != nil {
		return out.fail("run", err)
	}
	code := out.emit("run", stats, func(w io.Writer) { renderStats(w, rng.String(), stats) })
	if code == ExitOK && stats.ErrorCount > 0 {
		return ExitPartial
	}
	return code
}

// ExecuteCommand creates the settlement record of one client.
func (c *OpsCLI) ExecuteCommand(ctx context.Context, opts RunOptions) int {
	out := opts.normalize()
	if c.settler == nil {
		return out.fail("execute", fmt.Errorf("settlement not configured"))
	}
	if opts.ClientID == nil {
		_, _ = fmt.Fprintln(out.Stderr, "execute: --client is required")
		return ExitUsage
	}
	rng, err := settlement.ParseRange(opts.Start, opts.End, c.settler.Location())
	if err != nil {
		return out.fail("execute", err)
	}
	rec, err := c.settler.Execute(withActor(ctx, opts.Actor), rng, *opts.ClientID)
	if err != nil {
		return out.fail("execute", err)
	}
	return out.emit("execute", rec, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Settlement %s for client %d (%s): %d orders, total %s\n",
			rec.ID, rec.ClientID, rng.String(), rec.OrderCount, rec.TotalAmount.StringFixed(2))
	})
}

// ResettleOptions defines flags for the resettle command.
type ResettleOptions struct {
	OrderIDs []string
	Date     string
	Actor    string
	Output
}

// ResettleCommand resets orders to waiting and recomputes their date.
func (c *OpsCLI) ResettleCommand(ctx context.Context, opts ResettleOptions) int {
	out := opts.normalize()
	if c.settler == nil {
		return out.fail("resettle", fmt.Errorf("settlement not configured"))
	}
	day, err := settlement.ParseRange(opts.Date, opts.Date, c.settler.Location())
	if err != nil {
		return out.fail("resettle", err)
	}
	stats, reset, err := c.settler.ReSettle(withActor(ctx, opts.Actor), opts.OrderIDs, day.Start)
	if err != nil {
		return out.fail("resettle", err)
	}
	report := struct {
		Reset int64            `json:"reset"`
		Stats settlement.Stats `json:"stats"`
	}{Reset: reset, Stats: stats}
	return out.emit("resettle", report, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Reset %d order line(s)\n", reset)
		renderStats(w, day.String(), stats)
	})
}

// CancelOptions defines flags for the cancel command.
type CancelOptions struct {
	OrderIDs []string
	Reason   string
	Actor    string
	Output
}

// CancelCommand withdraws orders from settlement.
func (c *OpsCLI) CancelCommand(ctx context.Context, opts CancelOptions) int {
	out := opts.normalize()
	if c.settler == nil {
		return out.fail("cancel", fmt.Errorf("settlement not configured"))
	}
	n, err := c.settler.Cancel(withActor(ctx, opts.Actor), opts.OrderIDs, opts.Reason)
	if err != nil {
		return out.fail("cancel", err)
	}
	return out.emit("cancel", map[string]int64{"cancelled": n}, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Cancelled %d order line(s)\n", n)
	})
}

// LookupOptions defines flags for the lookup command.
type LookupOptions struct {
	OrderIDs []string
	Output
}

type lookupLine struct {
	ExternalOrderID string `json:"external_order_id"`
	SKU             string `json:"sku"`
	Quantity        int    `json:"quantity"`
	Status          string `json:"settlement_status"`
	Amount          string `json:"settlement_amount,omitempty"`
	Note            string `json:"settlement_note,omitempty"`
	RecordID        string `json:"settlement_record_id,omitempty"`
}

// LookupCommand prints the settlement state of order lines.
func (c *OpsCLI) LookupCommand(ctx context.Context, opts LookupOptions) int {
	out := opts.normalize()
	if c.finder == nil {
		return out.fail("lookup", fmt.Errorf("order lookup not configured"))
	}
	if len(opts.OrderIDs) == 0 {
		_, _ = fmt.Fprintln(out.Stderr, "lookup: at least one order id is required")
		return ExitUsage
	}
	found, err := c.finder(ctx, opts.OrderIDs)
	if err != nil {
		return out.fail("lookup", err)
	}
	lines := make([]lookupLine, 0, len(found))
	for _, o := range found {
		line := lookupLine{
			ExternalOrderID: o.ExternalOrderID,
			SKU:             o.SKU,
			Quantity:        o.Qty(),
			Status:          string(o.SettlementStatus),
			Note:            o.SettlementNote,
			RecordID:        o.SettlementRecordID,
		}
		if o.SettlementAmount.Valid {
			line.Amount = o.SettlementAmount.Decimal.String()
		}
		lines = append(lines, line)
	}
	return out.emit("lookup", lines, func(w io.Writer) {
		if len(lines) == 0 {
			_, _ = fmt.Fprintln(w, "No matching order lines.")
			return
		}
		for _, l := range lines {
			_, _ = fmt.Fprintf(w, "%-16s %-20s qty=%-3d %-10s %s %s\n", l.ExternalOrderID, l.SKU, l.Quantity, l.Status, l.Amount, l.Note)
		}
	})
}

func renderStats(w io.Writer, label string, stats settlement.Stats) {
	_, _ = fmt.Fprintf(w, "Settlement run %s: processed %d, cancelled %d, calculated %d, skipped %d\n",
		label, stats.Processed, stats.Cancelled, stats.Calculated, stats.Skipped)
	if stats.ErrorCount > 0 {
		_, _ = fmt.Fprintf(w, "%d error(s):\n", stats.ErrorCount)
		for _, e := range stats.Errors {
			_, _ = fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

func withActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return shared.ContextWithActor(ctx, actor)
}
