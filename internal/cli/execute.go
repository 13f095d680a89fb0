package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/engine/emit"
	"github.com/dygram/dygram-go/engine/exec"
	"github.com/dygram/dygram-go/machine"
	"github.com/dygram/dygram-go/model"
	"github.com/dygram/dygram-go/session"
)

func newExecuteCmd() *cobra.Command {
	var (
		interactive bool
		execID      string
		force       bool
		playbackDir string
		recordDir   string
		modelFlag   string
		stepOnce    bool
		stepTurn    bool
		stepPath    bool
		maxSteps    int
		maxInvoke   int
		timeout     time.Duration
		dbPath      string
		jsonLogs    bool
	)

	cmd := &cobra.Command{
		Use:   "execute [file]",
		Short: "Execute a machine, or resume a persisted execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(baseDir())
			if err != nil {
				return err
			}

			store, err := openStore(dbPath)
			if err != nil {
				return err
			}

			var (
				state  *engine.ExecutionState
				source string
				id     string
			)
			if execID != "" {
				id = resolveID(cmd, store, execID)
				res, err := session.Resume(cmd.Context(), store, id, force)
				if err != nil {
					return err
				}
				if res.Warning != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", res.Warning)
				}
				state = res.State
				source = res.Metadata.Source
			} else {
				m, src, err := loadMachineArg(args)
				if err != nil {
					return err
				}
				source = src
				limits := engine.ExecutionLimits{
					MaxSteps:           maxSteps,
					MaxNodeInvocations: maxInvoke,
					Timeout:            timeout,
				}
				id = session.NewExecutionID(time.Now())
				state, err = engine.NewInitialState(m, limits, time.Now())
				if err != nil {
					return err
				}
			}

			chat, modelID, err := buildChatModel(cfg, modelFlag, playbackDir, recordDir)
			if err != nil {
				return err
			}

			mode := session.ModeAuto
			if interactive {
				mode = session.ModeInteractive
			}
			if playbackDir != "" {
				mode = session.ModePlayback
			}

			stepMode := exec.RunToCompletion
			switch {
			case stepOnce:
				stepMode = exec.StepOnce
			case stepTurn:
				stepMode = exec.StepTurn
			case stepPath:
				stepMode = exec.StepPath
			}

			resultPath := ""
			if source != "" && source != "stdin" {
				name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
				resultPath = filepath.Join(session.DefaultRoot(baseDir()), id, name+"-result.json")
			}

			executor := exec.New(chat, store, emit.NewLogEmitter(cmd.OutOrStdout(), jsonLogs), exec.Options{
				ExecutionID:    id,
				Source:         source,
				Mode:           mode,
				StepMode:       stepMode,
				DefaultModelID: modelID,
				ResultPath:     resultPath,
			})
			executor.OnPending = func(inv engine.InvokeLLM) {
				printPendingRequest(cmd.OutOrStdout(), id, inv)
			}

			final, err := executor.Run(cmd.Context(), state)
			if err == exec.ErrPendingResponse {
				return nil
			}
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), id, final)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Pause for user input instead of invoking the model")
	cmd.Flags().StringVar(&execID, "id", "", "Resume the given execution id (or 'last')")
	cmd.Flags().BoolVar(&force, "force", false, "Resume even if the machine hash changed")
	cmd.Flags().StringVar(&playbackDir, "playback", "", "Play back recorded LLM responses from a directory")
	cmd.Flags().StringVar(&recordDir, "record", "", "Record LLM responses into a directory")
	cmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model id override")
	cmd.Flags().BoolVar(&stepOnce, "step", false, "Perform one runtime step and pause")
	cmd.Flags().BoolVar(&stepTurn, "step-turn", false, "Pause after each agent turn")
	cmd.Flags().BoolVar(&stepPath, "step-path", false, "Step one path per invocation, round-robin")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 1000, "Step limit (0 disables)")
	cmd.Flags().IntVar(&maxInvoke, "max-node-invocations", 100, "Per-node invocation limit (0 disables)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock execution timeout (0 disables)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Use a sqlite session store at this path instead of the filesystem layout")
	cmd.Flags().BoolVar(&jsonLogs, "json", false, "Emit JSON event logs")
	return cmd
}

// openStore picks the session backend: the .dygram filesystem layout
// by default, sqlite when --db is given, mysql for mysql:// DSNs.
func openStore(dbPath string) (session.Store, error) {
	switch {
	case dbPath == "":
		return session.NewFSStore(session.DefaultRoot(baseDir()))
	case strings.HasPrefix(dbPath, "mysql://"):
		return session.NewMySQLStore(strings.TrimPrefix(dbPath, "mysql://"))
	default:
		return session.NewSQLiteStore(dbPath)
	}
}

// buildChatModel layers record/playback over the provider adapter.
func buildChatModel(cfg clientConfig, modelFlag, playbackDir, recordDir string) (model.ChatModel, string, error) {
	if playbackDir != "" {
		rec, err := exec.NewPlayback(playbackDir, true)
		if err != nil {
			return nil, "", err
		}
		return rec, "playback", nil
	}
	chat, modelID, err := buildModel(cfg, modelFlag)
	if err != nil {
		return nil, "", err
	}
	if recordDir != "" {
		rec, err := exec.NewRecorder(chat, recordDir)
		if err != nil {
			return nil, "", err
		}
		return rec, modelID, nil
	}
	return chat, modelID, nil
}

// loadMachineArg loads the machine from the file argument or stdin.
func loadMachineArg(args []string) (*machine.Machine, string, error) {
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", err
		}
		m, err := machine.Load(data)
		return m, "stdin", err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, "", err
	}
	m, err := machine.Load(data)
	return m, args[0], err
}

// printPendingRequest shows the agent request, an example response
// shape, and the resume hint for interactive mode.
func printPendingRequest(w io.Writer, id string, inv engine.InvokeLLM) {
	fmt.Fprintf(w, "\n--- agent request at %s (path %s) ---\n", inv.NodeName, inv.PathID)
	fmt.Fprintln(w, inv.Prompt)
	if len(inv.Tools) > 0 {
		fmt.Fprintln(w, "\nAvailable tools:")
		for _, t := range inv.Tools {
			fmt.Fprintf(w, "  %s - %s\n", t.Name, t.Description)
		}
		example := map[string]interface{}{"tool": inv.Tools[0].Name, "input": map[string]interface{}{}}
		data, _ := json.Marshal(example)
		fmt.Fprintf(w, "\nExample response: %s\n", data)
	}
	fmt.Fprintf(w, "\nState saved. Resume with: dygram execute --id %s\n", id)
}

func printSummary(w io.Writer, id string, s *engine.ExecutionState) {
	completed, failed := 0, 0
	for _, p := range s.Paths {
		switch p.Status {
		case engine.PathCompleted:
			completed++
		case engine.PathFailed, engine.PathCancelled:
			failed++
		}
	}
	fmt.Fprintf(w, "execution %s finished: %d steps, %d paths (%d completed, %d failed)\n",
		id, s.Metadata.StepCount, len(s.Paths), completed, failed)
}
