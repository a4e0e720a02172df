package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/reflectchat/internal/config"
	"github.com/basket/reflectchat/internal/session"
	"github.com/basket/reflectchat/internal/store"
)

func runExportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dir := fs.String("dir", ".", "directory to write the export files into")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: reflectchat export <session-id> [-dir path]")
		return 2
	}
	sessionID := fs.Arg(0)

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

	doc, err := st.LoadSessionDoc(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session %s: %v\n", sessionID, err)
		return 1
	}
	sess, err := session.Decode(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode session %s: %v\n", sessionID, err)
		return 1
	}

	ctrl := session.NewController(sess, st, nil, nil, nil, nil)
	txtPath, jsonPath, err := ctrl.Export(ctx, *dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}
	fmt.Println(txtPath)
	fmt.Println(jsonPath)
	return 0
}
