package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/focusloop/regulation-engine/internal/audit"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/regulation"
	"github.com/focusloop/regulation-engine/internal/signal"
	"github.com/focusloop/regulation-engine/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to regulation.db")
	user := flag.String("user", "", "user id to inspect")
	scope := flag.String("scope", "default", "regulation scope id")
	last := flag.Int("last", 20, "show N most recent rows per section")
	jsonOut := flag.Bool("json", false, "output as JSON instead of tables")
	flag.Parse()

	if *dbPath == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/regulation.db --user id [--scope id] [--last N] [--json]")
		os.Exit(2)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(db, *user, *scope, *last, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region report

type report struct {
	User       string                 `json:"user"`
	Scope      string                 `json:"scope"`
	State      *regulation.State      `json:"state,omitempty"`
	Events     []regulation.Event     `json:"events,omitempty"`
	Consent    []consent.Flag         `json:"consent,omitempty"`
	Candidates []signal.Candidate     `json:"candidate_signals,omitempty"`
	Audit      []audit.Entry          `json:"audit,omitempty"`
}

func run(sqlDB *sql.DB, user, scope string, last int, jsonOut bool) error {
	ctx := context.Background()

	rep := report{User: user, Scope: scope}

	paramStore, err := params.NewStore(sqlDB)
	if err != nil {
		return err
	}
	machine, err := regulation.NewMachine(sqlDB, paramStore)
	if err != nil {
		return err
	}
	consentReg, err := consent.NewRegistry(sqlDB)
	if err != nil {
		return err
	}

	st, err := machine.GetState(ctx, user, scope)
	switch {
	case err == nil:
		rep.State = &st
	case errors.Is(err, regulation.ErrStateNotFound):
		// fine: never recorded an event
	default:
		return err
	}

	if rep.Events, err = machine.ListEvents(ctx, user, scope, last); err != nil {
		return err
	}
	if rep.Consent, err = consentReg.List(ctx, user); err != nil {
		return err
	}
	if rep.Candidates, err = signal.ListCandidates(ctx, sqlDB, user, signal.Filter{Limit: last}); err != nil {
		return err
	}
	if rep.Audit, err = audit.ListForUser(sqlDB, user, last); err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	printReport(rep)
	return nil
}

// #endregion report

// #region output

func printReport(rep report) {
	fmt.Printf("User: %s  Scope: %s\n\n", rep.User, rep.Scope)

	if rep.State == nil {
		fmt.Println("Regulation state: (none)")
	} else {
		st := rep.State
		fmt.Printf("Regulation state: level=%d trust=%d breaks=%d wins=%d losses=%d\n",
			st.Level, st.TrustScore, st.RuleBreakCount, st.ConsecutiveWins, st.ConsecutiveLosses)
		fmt.Printf("  week: drift=%d missed=%d completions=%d\n",
			st.Week.DriftEvents, st.Week.MissedDeadlines, st.Week.Completions)
		if st.LastLevelChangeAt != nil {
			fmt.Printf("  last level change: %s\n", st.LastLevelChangeAt.Format(time.RFC3339))
		}
	}

	fmt.Printf("\nRegulation events (%d):\n", len(rep.Events))
	fmt.Printf("  %-28s| %-20s| %-4s| %s\n", "Created", "Type", "Sev", "Impact")
	for _, ev := range rep.Events {
		fmt.Printf("  %-28s| %-20s| %-4d| %+d\n",
			ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.Severity, ev.ImpactOnTrust)
	}

	fmt.Printf("\nConsent (%d):\n", len(rep.Consent))
	for _, f := range rep.Consent {
		status := "revoked"
		if f.Enabled {
			status = "granted"
		}
		fmt.Printf("  %-22s %s\n", f.Category, status)
	}

	fmt.Printf("\nCandidate signals (%d):\n", len(rep.Candidates))
	fmt.Printf("  %-22s| %-4s| %-12s| %-6s| %s\n", "Key", "Ver", "Status", "Conf", "Computed")
	for _, cd := range rep.Candidates {
		fmt.Printf("  %-22s| v%-3d| %-12s| %-6.2f| %s\n",
			cd.Key, cd.Version, cd.Status, cd.Confidence, cd.ComputedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nAudit trail (%d):\n", len(rep.Audit))
	fmt.Printf("  %-28s| %-16s| %s\n", "At", "Action", "Signal")
	for _, entry := range rep.Audit {
		fmt.Printf("  %-28s| %-16s| %s\n",
			entry.CreatedAt.Format(time.RFC3339), entry.Action, entry.SignalID)
	}
}

// #endregion output
