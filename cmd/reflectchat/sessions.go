package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/basket/reflectchat/internal/config"
	"github.com/basket/reflectchat/internal/session"
	"github.com/basket/reflectchat/internal/store"
)

func runSessionsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum number of sessions to list")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: reflectchat sessions [-limit n]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	st, err := store.Open(filepath.Join(cfg.HomeDir, "reflectchat.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	infos, err := st.ListSessions(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sessions: %v\n", err)
		return 1
	}
	if len(infos) == 0 {
		fmt.Println("no sessions")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tUPDATED\tPARTICIPANT\tMESSAGES\tGATE")
	for _, info := range infos {
		participant, messages, gate := "-", "-", "clear"
		if doc, err := st.LoadSessionDoc(ctx, info.SessionID); err == nil {
			if sess, err := session.Decode(doc); err == nil {
				name := strings.TrimSpace(sess.Participant.FirstName + " " + sess.Participant.LastName)
				if name != "" {
					participant = name
				}
				messages = fmt.Sprintf("%d", len(sess.Messages))
				if sess.RecomputeGate().Required {
					gate = "pending"
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.SessionID, info.UpdatedAt.Format("2006-01-02 15:04"), participant, messages, gate)
	}
	_ = w.Flush()
	return 0
}
