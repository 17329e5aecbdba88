package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	addAuthFlags(cmd)
	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBDeleteCmd())
	cmd.AddCommand(newKBUploadCmd())
	cmd.AddCommand(newKBTrainCmd())
	cmd.AddCommand(newKBStatusCmd())
	cmd.AddCommand(newKBQueryCmd())
	return cmd
}

func parseKBID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid knowledge base id %q", arg)
	}
	return id, nil
}

func newKBCreateCmd() *cobra.Command {
	var (
		name   string
		domain string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			created, err := rt.kbs.Create(ctx, actor, kb.CreateParams{
				Name:   name,
				Domain: domain,
			})
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(created)
				return nil
			}
			ui.Success("knowledge base created")
			ui.KeyValue([][2]string{
				{"ID", created.ID.String()},
				{"Name", created.Name},
				{"Status", string(created.TrainingStatus)},
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "knowledge base name")
	cmd.Flags().StringVar(&domain, "domain", "", "domain description used for prompting")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newKBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accessible knowledge bases",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			kbs, err := rt.kbs.List(ctx, actor)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(kbs)
				return nil
			}
			rows := make([][]string, 0, len(kbs))
			for _, k := range kbs {
				rows = append(rows, []string{
					k.ID.String(), k.Name, string(k.TrainingStatus),
					fmt.Sprintf("%d", k.TotalDocs),
					k.CreatedAt.Format(time.DateOnly),
				})
			}
			ui.Table([]string{"ID", "NAME", "STATUS", "DOCS", "CREATED"}, rows)
			return nil
		},
	}
}

func newKBDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <kb-id>",
		Short: "Delete a knowledge base and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			kbID, err := parseKBID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("deletion is permanent; re-run with --yes to confirm")
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			if err := rt.kbs.Delete(ctx, actor, kbID); err != nil {
				return err
			}
			ui.Success("knowledge base %s deleted", kbID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newKBUploadCmd() *cobra.Command {
	var kbIDArg string
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents into a knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			kbID, err := parseKBID(kbIDArg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}

			progress := ui.UploadProgress()
			type uploaded struct {
				File       string    `json:"file"`
				DocumentID uuid.UUID `json:"document_id"`
			}
			var results []uploaded
			var failures int
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					ui.Error("%s: %v", path, err)
					failures++
					continue
				}
				name := filepath.Base(path)
				done := progress.AddFile(name, int64(len(raw)))
				// MIME resolution falls back to the filename extension.
				doc, err := rt.kbs.UploadDocument(ctx, actor, kbID, raw, "", name, "")
				done()
				if err != nil {
					ui.Error("%s: %v", path, err)
					failures++
					continue
				}
				results = append(results, uploaded{File: name, DocumentID: doc.ID})
			}
			progress.Wait()

			if outputJSON {
				ui.JSON(results)
			} else {
				for _, r := range results {
					ui.Success("%s → %s", r.File, r.DocumentID)
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d uploads failed", failures, len(args))
			}
			ui.Info("run `lorekeep-cli kb train %s --watch` to index the new documents", kbID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kbIDArg, "kb", "", "knowledge base id")
	cmd.MarkFlagRequired("kb")
	return cmd
}

func newKBTrainCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "train <kb-id>",
		Short: "Queue training for a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			kbID, err := parseKBID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			if err := rt.coordinator.Train(ctx, actor, kbID); err != nil {
				return err
			}
			ui.Success("training queued for %s", kbID)
			if !watch {
				return nil
			}
			return watchTraining(cmd, rt, actor, kbID)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "block until training finishes, showing progress")
	return cmd
}

// watchTraining polls coordinator status until a terminal state.
func watchTraining(cmd *cobra.Command, rt *runtime, actor *storage.User, kbID uuid.UUID) error {
	ctx := cmd.Context()
	var bar *progressbar.ProgressBar
	if !outputJSON && isTerminal() {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription("training"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := rt.coordinator.Status(ctx, actor, kbID)
		if err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Set(st.Progress)
		}
		switch st.Status {
		case storage.TrainingStatusReady:
			if bar != nil {
				_ = bar.Finish()
			}
			newUI().Success("training completed: %d documents indexed", st.ProcessedDocs)
			return nil
		case storage.TrainingStatusError:
			if bar != nil {
				_ = bar.Finish()
			}
			return fmt.Errorf("training failed: %s", st.Error)
		case storage.TrainingStatusStopped:
			if bar != nil {
				_ = bar.Finish()
			}
			return fmt.Errorf("training stopped before completion")
		}
	}
}

func newKBStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <kb-id>",
		Short: "Show training status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			kbID, err := parseKBID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			st, err := rt.coordinator.Status(ctx, actor, kbID)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(st)
				return nil
			}
			pairs := [][2]string{
				{"Status", string(st.Status)},
				{"Progress", fmt.Sprintf("%d%%", st.Progress)},
				{"Documents", fmt.Sprintf("%d / %d", st.ProcessedDocs, st.TotalDocs)},
			}
			if st.EstimatedCompletion != nil {
				pairs = append(pairs, [2]string{"ETA", st.EstimatedCompletion.Format(time.RFC3339)})
			}
			if st.Error != "" {
				pairs = append(pairs, [2]string{"Error", st.Error})
			}
			ui.KeyValue(pairs)
			return nil
		},
	}
}

func newKBQueryCmd() *cobra.Command {
	var (
		kbIDArg string
		method  string
		topK    int
		rerank  bool
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a retrieval query against a trained knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			kbID, err := parseKBID(kbIDArg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			kbRow, err := rt.kbs.Get(ctx, actor, kbID)
			if err != nil {
				return err
			}

			stop := ui.Spinner("searching")
			q := retrieval.Query{
				Text:   args[0],
				Method: method,
				TopK:   topK,
			}
			if cmd.Flags().Changed("rerank") {
				q.Rerank = &rerank
			}
			result, err := rt.engine.Search(ctx, kbRow, q)
			stop()
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(result)
				return nil
			}
			ui.Info("%d results (%s, %s)", result.Total, result.Method,
				formatDuration(time.Duration(result.TookMs)*time.Millisecond))
			if result.Warning != "" {
				ui.Warning("%s", result.Warning)
			}
			for i, c := range result.Chunks {
				ui.Section(fmt.Sprintf("%d. %s (score %.3f)", i+1, c.DocumentTitle, c.Score))
				text := c.Text
				if len(text) > 400 {
					text = text[:400] + "…"
				}
				ui.Info("%s", text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kbIDArg, "kb", "", "knowledge base id")
	cmd.Flags().StringVar(&method, "method", "", "retrieval method: semantic, keyword or hybrid")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of chunks to return (0 uses the configured default)")
	cmd.Flags().BoolVar(&rerank, "rerank", false, "force the rerank stage on or off")
	cmd.MarkFlagRequired("kb")
	return cmd
}
