package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/identity"
	"github.com/driftsync/driftsync/internal/notes"
	"github.com/driftsync/driftsync/internal/store/memstore"
	"github.com/driftsync/driftsync/internal/syncer"
	"github.com/driftsync/driftsync/internal/ui"
)

var demoCmd = &cobra.Command{
	Use:     "demo",
	GroupID: "sync",
	Short:   "Interactive tour of the sync engine",
	Long: `Walk through the engine interactively against an in-memory store:
sign in, create and edit notes, watch optimistic results come back,
then sign out and see the mirror clear. Nothing touches disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDemo(); err != nil {
			fatalf("Error: %v", err)
		}
	},
}

func runDemo() error {
	logger := log.New(io.Discard, "", 0)

	remote := memstore.New[notes.Note](logger)
	defer remote.Close()

	provider := identity.NewMemory()
	defer provider.Close()

	validator, err := notes.Validator()
	if err != nil {
		return err
	}

	svc := syncer.NewCollection(syncer.Options[notes.Note]{
		Remote:      remote,
		Identity:    provider,
		OwnerScoped: true,
		Validator:   validator,
		Logger:      logger,
	})
	defer svc.Dispose()

	var user string
	signIn := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Sign in as").
			Description("Any user id works; the mirror scopes to it.").
			Placeholder("alice").
			Value(&user),
	))
	if err := signIn.Run(); err != nil {
		return err
	}
	if user == "" {
		user = "alice"
	}
	provider.SignIn(identity.UserID(user))
	fmt.Printf("%s Signed in as %s\n\n", ui.RenderPass("✓"), ui.RenderAccent(user))

	ctx := context.Background()
	for {
		var action string
		pick := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("What next?").
				Options(
					huh.NewOption("Create a note", "create"),
					huh.NewOption("Toggle a pin", "pin"),
					huh.NewOption("Delete a note", "delete"),
					huh.NewOption("Show the mirror", "show"),
					huh.NewOption("Sign out and quit", "quit"),
				).
				Value(&action),
		))
		if err := pick.Run(); err != nil {
			return err
		}

		switch action {
		case "create":
			if err := demoCreate(ctx, svc); err != nil {
				return err
			}
		case "pin":
			if err := demoTogglePin(ctx, svc); err != nil {
				return err
			}
		case "delete":
			if err := demoDelete(ctx, svc); err != nil {
				return err
			}
		case "show":
			demoShow(svc)
		case "quit":
			provider.SignOut()
			fmt.Printf("%s Signed out; mirror now holds %d notes\n",
				ui.RenderPass("✓"), svc.Cache().Len())
			return nil
		}
	}
}

func demoCreate(ctx context.Context, svc *syncer.Collection[notes.Note]) error {
	var title, body string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Title").Value(&title),
		huh.NewText().Title("Body").Lines(3).Value(&body),
	))
	if err := form.Run(); err != nil {
		return err
	}

	res, err := svc.CreateDoc(ctx, syncer.CreateRequest[notes.Note]{
		Build: func(vars entity.SyncVars) notes.Note {
			return notes.New(vars, title, body)
		},
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), res.Title, res.Message)
		return nil
	}
	fmt.Printf("%s Created %s (%s)\n", ui.RenderPass("✓"), res.Value.Title, ui.RenderMuted(res.Value.ID))
	return nil
}

func demoTogglePin(ctx context.Context, svc *syncer.Collection[notes.Note]) error {
	id, ok := demoPickNote(svc, "Pin or unpin which note?")
	if !ok {
		return nil
	}

	res, err := svc.UpdateDoc(ctx, syncer.UpdateRequest[notes.Note]{
		ID: id,
		Update: func(cur notes.Note, vars entity.SyncVars) notes.Note {
			cur.Pinned = !cur.Pinned
			cur.UpdatedAt = vars.Now
			return cur
		},
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), res.Title, res.Message)
		return nil
	}
	state := "unpinned"
	if res.Value.Pinned {
		state = "pinned"
	}
	fmt.Printf("%s %s is now %s\n", ui.RenderPass("✓"), res.Value.Title, state)
	return nil
}

func demoDelete(ctx context.Context, svc *syncer.Collection[notes.Note]) error {
	id, ok := demoPickNote(svc, "Delete which note?")
	if !ok {
		return nil
	}

	var confirmed bool
	confirm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title("Delete it locally and remotely?").Value(&confirmed),
	))
	if err := confirm.Run(); err != nil {
		return err
	}
	if !confirmed {
		return nil
	}

	res, err := svc.DeleteDoc(ctx, syncer.DeleteRequest[notes.Note]{ID: id})
	if err != nil {
		return err
	}
	if !res.OK() {
		fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), res.Title, res.Message)
		return nil
	}
	fmt.Printf("%s Deleted\n", ui.RenderPass("✓"))
	return nil
}

// demoPickNote offers a select over the mirror's current contents.
func demoPickNote(svc *syncer.Collection[notes.Note], title string) (string, bool) {
	all := svc.Cache().All()
	if len(all) == 0 {
		fmt.Printf("%s The mirror is empty; create a note first\n", ui.RenderWarn("!"))
		return "", false
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	opts := make([]huh.Option[string], 0, len(all))
	for _, n := range all {
		opts = append(opts, huh.NewOption(n.Title, n.ID))
	}

	var id string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title(title).Options(opts...).Value(&id),
	))
	if err := form.Run(); err != nil {
		return "", false
	}
	return id, true
}

func demoShow(svc *syncer.Collection[notes.Note]) {
	all := svc.Cache().All()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	fmt.Println(ui.RenderTitle(fmt.Sprintf("Mirror (%d notes)", len(all))))
	for _, n := range all {
		pin := " "
		if n.Pinned {
			pin = ui.RenderAccent("*")
		}
		fmt.Printf("%s %s %s\n", pin, n.Title, ui.RenderMuted(n.ID))
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(demoCmd)
}
