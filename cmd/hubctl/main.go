// Command hubctl is an operator tool for a hub's account store: manage
// provisioned accounts, inspect who's online, and queue a kickout for a
// node this process has no live connection to.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"bken/relay/internal/identity"
	"bken/relay/internal/store"
)

func main() {
	dbPath := flag.String("db", "hub.db", "path to the sqlite account store")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch args[0] {
	case "accounts":
		cmdAccounts(st, args[1:])
	case "kick":
		cmdKick(st, args[1:])
	case "pending-kicks":
		cmdPendingKicks(st)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: hubctl [-db path] <command> [args]

Commands:
  accounts upsert [-c2s] [-max-inst N] [-bound-ip IP] <classId>-<userId> <password>
  accounts show <classId>-<userId>
  kick <classId>-<userId>[-<instId>]
  pending-kicks`)
}

func cmdAccounts(st *store.SqliteStore, args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "upsert":
		fs := flag.NewFlagSet("accounts upsert", flag.ExitOnError)
		isC2s := fs.Bool("c2s", false, "this identity may carry sub-users")
		maxInst := fs.Int("max-inst", 0, "max concurrent instances, 0 = unlimited")
		boundIP := fs.String("bound-ip", "", "restrict this account to one source IP")
		fs.Parse(args[1:])
		rest := fs.Args()
		if len(rest) < 2 {
			usage()
			os.Exit(1)
		}
		user, err := identity.ParseUser(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		acct := store.Account{Password: rest[1], IsC2s: *isC2s, MaxInst: *maxInst, BoundIP: *boundIP}
		if err := st.UpsertAccount(user.ClassID, user.UserID, acct); err != nil {
			fmt.Fprintf(os.Stderr, "error upserting account: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Upserted account %d-%d\n", user.ClassID, user.UserID)

	case "show":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		user, err := identity.ParseUser(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		acct, ok, err := st.Lookup(user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("No such account.")
			return
		}
		online, _ := st.OnlineCount(user.ClassID, user.UserID)
		out, _ := json.MarshalIndent(struct {
			store.Account
			Online int `json:"online"`
		}{acct, online}, "", "  ")
		fmt.Println(string(out))

	default:
		usage()
		os.Exit(1)
	}
}

func cmdKick(st *store.SqliteStore, args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	user, err := identity.ParseUser(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := st.QueueKick(user); err != nil {
		fmt.Fprintf(os.Stderr, "error queuing kick: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Queued kick for %s\n", user)
}

func cmdPendingKicks(st *store.SqliteStore) {
	users, err := st.PendingKicks()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No pending kicks.")
		return
	}
	for _, u := range users {
		fmt.Printf("  %s\n", u)
	}
}
