package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/infrastructure/feedbackfile"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <path>...",
		Short: "Place documents into the intake folder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			subs := make([]*domain.Submission, 0, len(args))
			for _, path := range args {
				sub, err := submitFile(cmd, svc, path)
				if err != nil {
					return err
				}
				subs = append(subs, sub)
			}
			if ctx.wantJSON() {
				return writeJSON(cmd.OutOrStdout(), subs)
			}
			for _, sub := range subs {
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as %s (%d bytes)\n", sub.Name, sub.StoredAs, sub.SizeBytes)
			}
			return nil
		},
	}
}

func submitFile(cmd *cobra.Command, svc services, path string) (*domain.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return svc.Submit(cmd.Context(), filepath.Base(path), f)
}

func newFeedbackCommand(ctx *commandContext) *cobra.Command {
	var (
		document   string
		confirm    []string
		reject     []string
		reinforce  []string
		suppress   []string
		reanalysis bool
		reviewer   string
		notes      string
	)
	cmd := &cobra.Command{
		Use:   "feedback [file]",
		Short: "Queue reviewer feedback from a feedback file or from flags",
		Long: "Queue reviewer feedback for the worker. Pass a filled feedback file (json, yaml or txt)\n" +
			"or describe the verdict with flags, e.g. --document <id> --confirm Financeiro.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var record *domain.FeedbackRecord
			if len(args) == 1 {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read feedback file: %w", err)
				}
				record, err = feedbackfile.Parse(filepath.Base(args[0]), data)
				if err != nil {
					return err
				}
			} else {
				if strings.TrimSpace(document) == "" {
					return errors.New("either a feedback file or --document is required")
				}
				record = &domain.FeedbackRecord{DocumentRef: document}
			}

			applyFeedbackFlags(record, confirm, reject, reinforce, suppress)
			if reanalysis {
				record.Reanalysis = true
			}
			if reviewer != "" {
				record.Reviewer = reviewer
			}
			if notes != "" {
				record.Notes = notes
			}

			svc, err := ctx.services(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sub, err := svc.SubmitFeedback(cmd.Context(), *record)
			if err != nil {
				return err
			}
			if ctx.wantJSON() {
				return writeJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued feedback for %s as %s\n", record.DocumentRef, sub.StoredAs)
			return nil
		},
	}
	cmd.Flags().StringVar(&document, "document", "", "Document id or source name")
	cmd.Flags().StringSliceVar(&confirm, "confirm", nil, "Categories the document belongs to")
	cmd.Flags().StringSliceVar(&reject, "reject", nil, "Categories the document does not belong to")
	cmd.Flags().StringSliceVar(&reinforce, "reinforce", nil, "Keywords to strengthen for the primary category")
	cmd.Flags().StringSliceVar(&suppress, "suppress", nil, "Keywords to weaken for the primary category")
	cmd.Flags().BoolVar(&reanalysis, "reanalysis", false, "Send the document through the pipeline again")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer name")
	cmd.Flags().StringVar(&notes, "notes", "", "Free text notes")
	return cmd
}

func applyFeedbackFlags(record *domain.FeedbackRecord, confirm, reject, reinforce, suppress []string) {
	if len(confirm)+len(reject) > 0 && record.Verdicts == nil {
		record.Verdicts = make(map[string]domain.Verdict, len(confirm)+len(reject))
	}
	for _, c := range confirm {
		if c = strings.TrimSpace(c); c != "" {
			record.Verdicts[c] = domain.VerdictConfirm
		}
	}
	for _, c := range reject {
		if c = strings.TrimSpace(c); c != "" {
			record.Verdicts[c] = domain.VerdictReject
		}
	}
	record.Reinforce = append(record.Reinforce, reinforce...)
	record.Suppress = append(record.Suppress, suppress...)
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show the stored classification of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rec, err := svc.GetClassification(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.wantJSON() {
				return writeJSON(cmd.OutOrStdout(), rec)
			}

			rows := [][]string{
				{"Document", rec.DocumentID},
				{"Source", rec.SourceName},
				{"Category", rec.Category},
				{"Secondary", strings.Join(rec.SecondaryCategories, ", ")},
				{"Confidence", formatScore(rec.Confidence)},
				{"Decision", string(rec.Decision)},
				{"Needs review", yesNo(rec.NeedsHumanReview)},
				{"Keywords", strings.Join(rec.Keywords, ", ")},
				{"Recorded", rec.RecordedAt.Format("2006-01-02 15:04:05")},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newCategoriesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List category profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			profiles, err := svc.ListCategories(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.wantJSON() {
				return writeJSON(cmd.OutOrStdout(), profiles)
			}
			if len(profiles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No categories yet")
				return nil
			}

			rows := make([][]string, 0, len(profiles))
			for _, p := range profiles {
				rows = append(rows, []string{
					p.Name,
					strings.Join(p.Aliases, ", "),
					strconv.Itoa(len(p.Keywords)),
					strconv.Itoa(len(p.References)),
					fmt.Sprintf("%+.2f", p.Bias),
					fmt.Sprintf("%d/%d", p.Counters.Approvals, p.Counters.Rejections),
				})
			}
			headers := []string{"Category", "Aliases", "Keywords", "References", "Bias", "Approved/Rejected"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List documents that need manual attention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			records, err := svc.ListDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.wantJSON() {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter folder is empty")
				return nil
			}
			sort.SliceStable(records, func(i, j int) bool { return records[i].At.After(records[j].At) })

			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					rec.At.Format("2006-01-02 15:04"),
					rec.SourceName,
					rec.Reason,
					string(rec.FailedStage),
					rec.JobID,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"When", "Document", "Reason", "Stage", "Job"}, rows, nil))
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
