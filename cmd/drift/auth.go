package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/driftsync/driftsync/internal/identity"
	"github.com/driftsync/driftsync/internal/identity/sessionfile"
	"github.com/driftsync/driftsync/internal/ui"
)

var (
	authUser  string
	authToken string
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "auth",
	Short:   "Manage the signed-in identity",
	Long: `Manage the session file shared by all drift processes.

A running mirror daemon watches the session file: "drift auth login"
starts its stream and filters the mirror to the new user, and
"drift auth logout" clears the mirror immediately. No daemon restart
is needed.`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and write the session file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if authUser == "" {
			fatalf("Error: --user is required")
		}

		token := authToken
		if token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "Token (leave empty for none): ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				fatalf("Error reading token: %v", err)
			}
			token = strings.TrimSpace(string(raw))
		}

		sess := sessionfile.Session{
			UserID:    identity.UserID(authUser),
			Token:     token,
			CreatedAt: time.Now().UTC(),
		}
		if err := sessionfile.Write(cfg.SessionPath(), sess); err != nil {
			fatalf("Error: %v", err)
		}

		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(authUser))
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the session file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if err := sessionfile.Clear(cfg.SessionPath()); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current sign-in state",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		sess, err := sessionfile.Read(cfg.SessionPath())
		if err != nil {
			fatalf("Error: %v", err)
		}

		if !sess.UserID.SignedIn() {
			fmt.Printf("%s signed out\n", ui.RenderMuted("●"))
			return
		}
		fmt.Printf("%s signed in as %s", ui.RenderPass("●"), ui.RenderAccent(string(sess.UserID)))
		if !sess.CreatedAt.IsZero() {
			fmt.Printf(" (since %s)", sess.CreatedAt.Format(time.RFC3339))
		}
		fmt.Println()
	},
}

func init() {
	authLoginCmd.Flags().StringVar(&authUser, "user", "", "user id to sign in as")
	authLoginCmd.Flags().StringVar(&authToken, "token", "", "auth token (prompted when omitted on a terminal)")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
