// Command memtable inspects and manages a memtable data directory:
// sheets, memories, the persistence queue, and recovery resets.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nodest/memtable/internal/config"
	"github.com/nodest/memtable/internal/logging"
	"github.com/nodest/memtable/internal/store"
	"github.com/nodest/memtable/pkg/llm"
	"github.com/nodest/memtable/pkg/llm/anthropic"
	"github.com/nodest/memtable/pkg/llm/openai"
	"github.com/nodest/memtable/pkg/memory"
	"github.com/nodest/memtable/pkg/sheet"
	"github.com/nodest/memtable/pkg/vector"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// app bundles the wired components behind one Close.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Storer
	vec     vector.Store
	history *memory.HistoryLog
	slot    *llm.Slot
	engine  *memory.Engine
	manager *sheet.Manager
}

func openApp(configPath string) (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var st store.Storer
	switch cfg.Store.Backend {
	case "file":
		st, err = store.NewFileStore(cfg.Store.Path, log.Named("store"))
	default:
		st, err = store.NewSQLiteStoreWithDSN(cfg.Store.Path, log.Named("store"))
	}
	if err != nil {
		return nil, err
	}

	var vec vector.Store
	var historyDSN string
	switch cfg.Vector.Backend {
	case "file":
		vec, err = vector.NewFileStore(cfg.Vector.Path, cfg.Vector.Collection, cfg.Vector.Dimension, log.Named("vector"))
		historyDSN = filepath.Join(cfg.Vector.Path, "history.db")
	default:
		vec, err = vector.NewSQLiteStore(cfg.Vector.Path, cfg.Vector.Collection, cfg.Vector.Dimension, log.Named("vector"))
		// History shares the vector database file.
		historyDSN = cfg.Vector.Path
	}
	if err != nil {
		st.Close()
		return nil, err
	}
	history, err := memory.NewHistoryLog(historyDSN)
	if err != nil {
		st.Close()
		vec.Close()
		return nil, err
	}

	slot := buildSlot(cfg)
	return &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		vec:     vec,
		history: history,
		slot:    slot,
		engine:  memory.NewEngine(vec, slot, history, log.Named("memory")),
		manager: sheet.NewManager(st, log.Named("sheet")),
	}, nil
}

func (a *app) Close() {
	a.history.Close()
	a.vec.Close()
	a.store.Close()
	a.log.Sync()
}

// buildSlot wires the configured completion and embedding providers.
// Either may be absent; the commands that need them check.
func buildSlot(cfg *config.Config) *llm.Slot {
	var provider llm.LLM
	switch cfg.LLM.Provider {
	case "anthropic":
		provider = anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.LLM.APIKey
			if cfg.LLM.Model != "" {
				o.Model = anthropicsdk.Model(cfg.LLM.Model)
			}
		})
	case "openai", "openrouter":
		provider = openai.New(func(o *openai.Options) {
			o.APIKey = cfg.LLM.APIKey
			o.BaseURL = cfg.LLM.BaseURL
			if cfg.LLM.Provider == "openrouter" && o.BaseURL == "" {
				o.BaseURL = openRouterBaseURL
			}
			if cfg.LLM.Model != "" {
				o.Model = cfg.LLM.Model
			}
		})
	}

	var embedder llm.Embedder
	if cfg.Embedder.APIKey != "" || cfg.Embedder.BaseURL != "" {
		embedder = openai.New(func(o *openai.Options) {
			o.APIKey = cfg.Embedder.APIKey
			o.BaseURL = cfg.Embedder.BaseURL
			if cfg.Embedder.Model != "" {
				o.EmbeddingModel = cfg.Embedder.Model
			}
			o.Dimension = cfg.Vector.Dimension
		})
	}
	return llm.NewSlot(provider, embedder)
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "memtable",
		Short:         "Inspect and manage structured conversation memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML")

	withApp := func(fn func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(a, cmd, args)
		}
	}

	// --- sheets ------------------------------------------------------

	sheets := &cobra.Command{Use: "sheets", Short: "Work with memory tables"}

	sheets.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sheets",
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			all, err := a.manager.ListSheets()
			if err != nil {
				return err
			}
			for _, s := range all {
				fmt.Printf("%s  %-24s  character=%s  rows=%d\n", s.UID, s.Name, s.CharacterID, s.RowCount())
			}
			if len(all) == 0 {
				fmt.Println("no sheets")
			}
			return nil
		}),
	})

	sheets.AddCommand(&cobra.Command{
		Use:   "show <uid>",
		Short: "Print one sheet as a table",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			s, err := a.manager.GetSheet(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n\n%s\n", s.Name, s.UID, s.ToText())
			return nil
		}),
	})

	// --- memories ----------------------------------------------------

	memories := &cobra.Command{Use: "memories", Short: "Work with unstructured memories"}
	var userID, agentID, runID string
	var limit int
	memories.PersistentFlags().StringVar(&userID, "user", "", "filter by userId")
	memories.PersistentFlags().StringVar(&agentID, "agent", "", "filter by agentId")
	memories.PersistentFlags().StringVar(&runID, "run", "", "filter by runId")
	memories.PersistentFlags().IntVar(&limit, "limit", 50, "maximum results")

	scope := func() memory.Options {
		return memory.Options{UserID: userID, AgentID: agentID, RunID: runID}
	}

	memories.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List memories in a scope",
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			items, total, err := a.engine.GetAll(cmd.Context(), scope(), limit)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s  %s\n", item.ID, item.Memory)
			}
			fmt.Printf("%d of %d\n", len(items), total)
			return nil
		}),
	})

	memories.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Search memories in a scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			items, err := a.engine.Search(cmd.Context(), strings.Join(args, " "), scope(), limit)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%.3f  %s  %s\n", item.Score, item.ID, item.Memory)
			}
			return nil
		}),
	})

	memories.AddCommand(&cobra.Command{
		Use:   "history <memory-id>",
		Short: "Show a memory's change history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			records, err := a.engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, rec := range records {
				at := time.UnixMilli(rec.CreatedAt).Format(time.RFC3339)
				fmt.Printf("%s  %-6s  %q -> %q\n", at, rec.Action, rec.Previous, rec.New)
			}
			if len(records) == 0 {
				fmt.Println("no history")
			}
			return nil
		}),
	})

	// --- queue / reset -----------------------------------------------

	queue := &cobra.Command{Use: "queue", Short: "Persistence queue diagnostics"}
	queue.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue length and processing state",
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			length, processing := a.store.QueueStatus()
			fmt.Printf("length=%d processing=%v watermark=%d\n", length, processing, a.cfg.Watchdog.Watermark)
			return nil
		}),
	})

	var wipeMemories bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drain the queue and recover the table store",
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			if err := a.store.Reset(); err != nil {
				return err
			}
			fmt.Println("table store recovered")
			if wipeMemories {
				if err := a.engine.Reset(context.Background()); err != nil {
					return err
				}
				fmt.Println("memories reset")
			}
			return nil
		}),
	}
	reset.Flags().BoolVar(&wipeMemories, "memories", false, "also wipe the vector store and history")

	root.AddCommand(sheets, memories, queue, reset)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
