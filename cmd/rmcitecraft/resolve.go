package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/miams/rmcitecraft/internal/config"
	"github.com/miams/rmcitecraft/internal/userassist"
)

var resolveOnce bool

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Answer pending user-assist requests from a running batch",
	Long: `A terminal fallback for the user-assist protocol (spec.md §6): a running
'rmcitecraft start' suspends an item into awaiting_user and writes a
missing_fields_request or place_approval_request to the mailbox directory
under media_root. resolve polls that directory and presents an interactive
huh form for each pending request, in place of the external NiceGUI layer
this repo does not implement (spec.md §1).`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveOnce, "once", false, "answer currently pending requests, then exit, instead of polling")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	mailbox, err := userassist.NewMailbox(filepath.Join(config.MediaRoot(), ".rmcitecraft-userassist"))
	if err != nil {
		return fmt.Errorf("open user-assist mailbox: %w", err)
	}

	for {
		pending, err := mailbox.Pending()
		if err != nil {
			return fmt.Errorf("list pending requests: %w", err)
		}
		for _, p := range pending {
			if err := resolveOne(mailbox, p); err != nil {
				fmt.Fprintln(os.Stderr, "error resolving", p.ItemID, ":", err)
			}
		}
		if resolveOnce {
			return nil
		}
		select {
		case <-rootCtx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func resolveOne(mailbox *userassist.Mailbox, p userassist.PendingRequest) error {
	switch p.Kind {
	case "missing_fields":
		return resolveMissingFields(mailbox, p)
	case "place_approval":
		return resolvePlaceApproval(mailbox, p)
	default:
		return fmt.Errorf("unknown request kind %q", p.Kind)
	}
}

func resolveMissingFields(mailbox *userassist.Mailbox, p userassist.PendingRequest) error {
	req, err := mailbox.ReadMissingFieldsRequest(p.Path)
	if err != nil {
		return err
	}

	values := make(map[string]string, len(req.Fields))
	fields := make([]*string, len(req.Fields))
	groupFields := make([]huh.Field, 0, len(req.Fields))
	for i, f := range req.Fields {
		var v string
		fields[i] = &v
		groupFields = append(groupFields, huh.NewInput().
			Title(fmt.Sprintf("%s (item %s, %s)", f, req.ItemID, req.SourceURL)).
			Value(&v))
	}

	form := huh.NewForm(huh.NewGroup(groupFields...))
	if err := form.Run(); err != nil {
		return fmt.Errorf("run missing-fields form: %w", err)
	}
	for i, f := range req.Fields {
		values[f] = *fields[i]
	}

	return mailbox.AnswerMissingFields(userassist.FieldsComplete{
		Type:   userassist.TypeFieldsComplete,
		ItemID: req.ItemID,
		Values: values,
	})
}

func resolvePlaceApproval(mailbox *userassist.Mailbox, p userassist.PendingRequest) error {
	req, err := mailbox.ReadPlaceApprovalRequest(p.Path)
	if err != nil {
		return err
	}

	options := []huh.Option[string]{
		huh.NewOption(fmt.Sprintf("add new place %q", req.Proposed), string(userassist.ChoiceAddNew)),
	}
	existingByLabel := map[string]string{}
	for _, c := range req.Candidates {
		label := fmt.Sprintf("use existing: %s (score %.2f)", c.Name, c.Score)
		options = append(options, huh.NewOption(label, c.PlaceID))
		existingByLabel[c.PlaceID] = c.PlaceID
	}
	options = append(options, huh.NewOption("abort batch", string(userassist.ChoiceAbortBatch)))

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Place approval for item %s: %q (valid=%v)", req.ItemID, req.Proposed, req.Valid)).
			Options(options...).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("run place-approval form: %w", err)
	}

	decision := userassist.PlaceDecision{Type: userassist.TypePlaceDecision, ItemID: req.ItemID}
	switch {
	case choice == string(userassist.ChoiceAddNew):
		decision.Choice = userassist.ChoiceAddNew
	case choice == string(userassist.ChoiceAbortBatch):
		decision.Choice = userassist.ChoiceAbortBatch
	default:
		decision.Choice = userassist.ChoiceUseExisting
		decision.ExistingID = choice
	}

	return mailbox.AnswerPlaceApproval(decision)
}
