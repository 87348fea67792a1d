package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"taskmarket/backend"
	"taskmarket/internal/draft"
)

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
	Result     string `json:"result"`
}

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, string(b))
	return nil
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func printTasks(w io.Writer, tasks []backend.Task) {
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(w, "No tasks found")
		return
	}
	tw := newTable(w, table.Row{"ID", "Title", "Status", "Budget", "Offers", "When"})
	for _, t := range tasks {
		when := t.Date
		if t.Time != "" {
			when += " " + t.Time
		}
		if when == "" {
			when = "flexible"
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, money(t.Budget), t.OfferCount, when})
	}
	tw.Render()
}

func printTask(w io.Writer, t *backend.Task) {
	_, _ = fmt.Fprintf(w, "%s\n", t.Title)
	_, _ = fmt.Fprintf(w, "  ID:          %s\n", t.ID)
	_, _ = fmt.Fprintf(w, "  Status:      %s\n", t.Status)
	_, _ = fmt.Fprintf(w, "  Budget:      %s\n", money(t.Budget))
	if t.Description != "" {
		_, _ = fmt.Fprintf(w, "  Description: %s\n", t.Description)
	}
	if t.IsRemoval {
		_, _ = fmt.Fprintf(w, "  Pickup:      %s\n", address(t.Pickup))
		_, _ = fmt.Fprintf(w, "  Delivery:    %s\n", address(t.Delivery))
	} else if t.Category != "" {
		_, _ = fmt.Fprintf(w, "  Category:    %s\n", t.Category)
	}
	if t.Date != "" {
		_, _ = fmt.Fprintf(w, "  Date:        %s %s\n", t.Date, t.Time)
	}
	_, _ = fmt.Fprintf(w, "  Offers:      %d\n", t.OfferCount)
}

func printOffers(w io.Writer, offers []backend.Offer) {
	if len(offers) == 0 {
		_, _ = fmt.Fprintln(w, "No offers yet")
		return
	}
	tw := newTable(w, table.Row{"ID", "Tasker", "Amount", "Accepted", "Message"})
	for _, o := range offers {
		accepted := ""
		if o.Accepted {
			accepted = "yes"
		}
		tw.AppendRow(table.Row{o.ID, o.TaskerID, money(o.Amount), accepted, o.Message})
	}
	tw.Render()
}

func printPayments(w io.Writer, payments []backend.Payment) {
	if len(payments) == 0 {
		_, _ = fmt.Fprintln(w, "No payments")
		return
	}
	tw := newTable(w, table.Row{"ID", "Task", "Offer", "Amount", "Status", "Date"})
	for _, p := range payments {
		tw.AppendRow(table.Row{p.ID, p.TaskID, p.OfferID, money(p.Amount), p.Status, p.CreatedAt.Format("2006-01-02")})
	}
	tw.Render()
}

func printDraft(w io.Writer, d draft.Draft, state draft.State, missing []string) {
	_, _ = fmt.Fprintf(w, "Draft (%s)\n", state)
	if d.IsEmpty() {
		_, _ = fmt.Fprintln(w, "  (empty)")
		return
	}
	_, _ = fmt.Fprintf(w, "  Title:       %s\n", d.Title)
	_, _ = fmt.Fprintf(w, "  Description: %s\n", d.Description)
	_, _ = fmt.Fprintf(w, "  Budget:      %s\n", money(d.Budget))
	switch loc := d.Location().(type) {
	case draft.RemovalLocation:
		_, _ = fmt.Fprintf(w, "  Removal:     yes\n")
		_, _ = fmt.Fprintf(w, "  Pickup:      %s\n", address(loc.Pickup))
		_, _ = fmt.Fprintf(w, "  Delivery:    %s\n", address(loc.Delivery))
	case draft.ServiceLocation:
		_, _ = fmt.Fprintf(w, "  Category:    %s\n", loc.Category)
	}
	if d.Date != "" || d.Time != "" {
		_, _ = fmt.Fprintf(w, "  When:        %s\n", strings.TrimSpace(d.Date+" "+d.Time))
	}
	if len(d.Photos) > 0 {
		_, _ = fmt.Fprintf(w, "  Photos:      %s\n", strings.Join(d.Photos, ", "))
	}
	if len(missing) > 0 {
		_, _ = fmt.Fprintln(w, "Before posting:")
		for _, m := range missing {
			_, _ = fmt.Fprintf(w, "  - %s\n", m)
		}
	} else {
		_, _ = fmt.Fprintln(w, "Ready to post: run 'taskmarket draft submit'")
	}
}

// draftJSON is the JSON shape of a draft. Only the active location subset
// is included.
type draftJSON struct {
	State   string          `json:"state"`
	Task    backend.NewTask `json:"task"`
	Missing []string        `json:"missing"`
	Result  string          `json:"result"`
}

func address(l *backend.Location) string {
	if l == nil {
		return ""
	}
	return l.Address
}
