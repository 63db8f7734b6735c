// Operator subcommands. Each opens the database directly rather than
// going through the coordination server; they are run on the backend
// host itself, usually with the controller stopped or paused.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/internal/coordination"
	"github.com/opensafely-core/job-runner/internal/expander"
	"github.com/opensafely-core/job-runner/internal/flags"
	"github.com/opensafely-core/job-runner/internal/gitclient"
	"github.com/opensafely-core/job-runner/internal/project"
	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
)

func init() {
	rootCmd.AddCommand(dbMaintenanceCmd, pauseCmd, prepareForRebootCmd, killJobCmd, retryJobCmd, addJobCmd)
}

var dbMaintenanceCmd = &cobra.Command{
	Use:   "db-maintenance {on|off} <backend>",
	Short: "manually enable or disable database maintenance mode for a backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFlagPair(args[0], args[1], types.FlagMode, types.ModeDBMaintenance, types.FlagManualDBMaintenance, "on")
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause {on|off} <backend>",
	Short: "start or stop accepting new jobs on a backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, backend := strings.ToLower(args[0]), strings.ToLower(args[1])
		if action != "on" && action != "off" {
			return fmt.Errorf("action must be \"on\" or \"off\", got %q", args[0])
		}
		store, err := storage.Open(cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		value := ""
		if action == "on" {
			value = "true"
		}
		_, err = flags.New(store).Set(types.FlagPaused, value, backend, time.Now())
		return err
	},
}

// setFlagPair implements db-maintenance's two-flag on/off toggle: "on"
// sets both id/onValue, "off" clears both back to "".
func setFlagPair(action, backend, id1, onValue1, id2, onValue2 string) error {
	action = strings.ToLower(action)
	backend = strings.ToLower(backend)
	if action != "on" && action != "off" {
		return fmt.Errorf("action must be \"on\" or \"off\", got %q", action)
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	fl := flags.New(store)
	now := time.Now()
	v1, v2 := "", ""
	if action == "on" {
		v1, v2 = onValue1, onValue2
	}
	if _, err := fl.Set(id1, v1, backend, now); err != nil {
		return err
	}
	_, err = fl.Set(id2, v2, backend, now)
	return err
}

var prepareForRebootCmd = &cobra.Command{
	Use:   "prepare-for-reboot <backend>",
	Short: "kill all running jobs and reset them to PENDING ready for a restart",
	Long: "== DANGER ZONE ==\n\n" +
		"This will kill all running jobs and reset them to the PENDING state, ready\n" +
		"to be restarted following a reboot.\n\n" +
		"It should only be run when the controller process has been stopped.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := args[0]
		fmt.Println(cmd.Long)
		if !confirm("Are you sure you want to continue? (y/N) ") {
			return fmt.Errorf("aborted")
		}

		store, err := storage.Open(cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		paused, err := flags.New(store).Paused(backend)
		if err != nil {
			return err
		}
		if !paused {
			return fmt.Errorf("backend %q must be paused first (jobrunner pause on %s)", backend, backend)
		}

		git := gitclient.New()
		exec, err := buildExecutor(git)
		if err != nil {
			return fmt.Errorf("build executor: %w", err)
		}

		running, err := store.FindJobsWhere(func(row any) bool {
			j, ok := row.(*types.Job)
			return ok && j.State == types.StateRunning && j.Backend == backend
		})
		if err != nil {
			return err
		}

		ctx := context.Background()
		for _, job := range running {
			def := jobDefinitionForOps(job)
			if _, err := exec.Terminate(ctx, def); err != nil {
				fmt.Fprintf(os.Stderr, "terminate %s: %v\n", job.ID, err)
			}
			if _, err := exec.Cleanup(ctx, def); err != nil {
				fmt.Fprintf(os.Stderr, "cleanup %s: %v\n", job.ID, err)
			}
			now := time.Now()
			job.State = types.StatePending
			job.StatusCode = types.StatusWaitingOnReboot
			job.StartedAt = 0
			job.UpdatedAt = now.Unix()
			if err := store.UpdateJob(job); err != nil {
				return fmt.Errorf("reset job %s: %w", job.ID, err)
			}
			if err := retireRunJobTask(store, job, now); err != nil {
				return err
			}
			if err := store.InsertTask(&types.Task{
				ID:         uuid.New().String(),
				Type:       types.TaskCancelJob,
				Active:     true,
				Backend:    backend,
				CreatedAt:  now.Unix(),
				Definition: map[string]any{"job_id": job.ID},
			}); err != nil {
				return err
			}
			fmt.Printf("reset %s (%s) to PENDING\n", job.ID, job.Action)
		}
		return nil
	},
}

// retireRunJobTask deactivates any active RUNJOB task for job,
// preserving the at-most-one-active invariant when a job is pulled out
// of RUNNING outside the run loop.
func retireRunJobTask(store storage.Store, job *types.Job, now time.Time) error {
	tasks, err := store.FindTasksWhere(func(row any) bool {
		t, ok := row.(*types.Task)
		return ok && t.Type == types.TaskRunJob && t.Active && strings.HasPrefix(t.ID, job.ID)
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.Active = false
		t.FinishedAt = now.Unix()
		if err := store.UpdateTask(t); err != nil {
			return err
		}
	}
	return nil
}

var killJobCmd = &cobra.Command{
	Use:   "kill-job <partial-id>...",
	Short: "forcibly terminate running jobs and mark them KILLED_BY_ADMIN",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		git := gitclient.New()
		exec, err := buildExecutor(git)
		if err != nil {
			return fmt.Errorf("build executor: %w", err)
		}

		ctx := context.Background()
		for _, partial := range args {
			job, err := findJobByPartialID(store, partial)
			if err != nil {
				return err
			}

			fmt.Printf("About to kill job:\n  %s  %s  %s\n\n", job.ID, job.Workspace, job.Action)
			pressEnter("Enter to continue, Ctrl-C to quit ")

			def := jobDefinitionForOps(job)
			if _, err := exec.Terminate(ctx, def); err != nil {
				return fmt.Errorf("terminate: %w", err)
			}
			if _, err := exec.Cleanup(ctx, def); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}

			now := time.Now()
			job.State = types.StateFailed
			job.StatusCode = types.StatusKilledByAdmin
			job.StatusMessage = "Killed by admin"
			job.CompletedAt = now.Unix()
			job.UpdatedAt = now.Unix()
			if err := store.UpdateJob(job); err != nil {
				return err
			}
			if err := retireRunJobTask(store, job, now); err != nil {
				return err
			}
			fmt.Println("Done")
		}
		return nil
	},
}

var retryJobCmd = &cobra.Command{
	Use:   "retry-job <partial-id>",
	Short: "retry a job that hit an internal error",
	Long: "Only applies to jobs that failed with an internal error, typically\n" +
		"during the finalize step where outputs, logs and metadata are written.\n" +
		"Puts the job back into RUNNING/EXECUTING so the run loop observes the\n" +
		"executed container again and re-runs finalization.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		job, err := findJobByPartialID(store, args[0])
		if err != nil {
			return err
		}
		if job.State != types.StateFailed || job.StatusCode != types.StatusInternalError {
			return fmt.Errorf("job %s is not in a retryable state (state=%s status_code=%s)", job.ID, job.State, job.StatusCode)
		}

		fmt.Printf("About to reset job:\n  %s  %s\n\n", job.ID, job.Action)
		pressEnter("Enter to continue, Ctrl-C to quit ")

		now := time.Now()
		job.State = types.StateRunning
		job.StatusMessage = "Re-attempting to extract outputs"
		job.StatusCode = types.StatusExecuting
		job.CompletedAt = 0
		job.UpdatedAt = now.Unix()
		fmt.Println("\nUpdating job in database:")
		fmt.Printf("  %+v\n", job)
		if err := store.UpdateJob(job); err != nil {
			return err
		}

		fl := flags.New(store)
		client := coordination.New(cfg.JobServerEndpoint, cfg.JobServerToken, cfg.Backend, fl.HeaderJSON)
		fmt.Println("\nPOSTing update to job-server")
		if err := client.PostJobs(context.Background(), []*types.Job{job}); err != nil {
			return fmt.Errorf("notify coordination server: %w", err)
		}
		fmt.Println("\nDone")
		return nil
	},
}

var addJobCmd = &cobra.Command{
	Use:   "add-job <repo-url> <action>",
	Short: "submit a JobRequest for a single action against a repo (development utility)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoURL, action := args[0], args[1]
		branch, _ := cmd.Flags().GetString("branch")
		commit, _ := cmd.Flags().GetString("commit")
		workspace, _ := cmd.Flags().GetString("workspace")
		database, _ := cmd.Flags().GetString("database")
		forceRunDeps, _ := cmd.Flags().GetBool("force-run-dependencies")

		store, err := storage.Open(cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		git := gitclient.New()
		exp := expander.New(store, git, expander.Config{
			GitHubProxyDomain: cfg.GitHubProxyDomain,
			ActionsGitHubOrg:  cfg.ActionsGitHubOrg,
			AllowedImages:     cfg.AllowedImages,
		})

		jr := &types.JobRequest{
			ID:                   uuid.New().String(),
			RepoURL:              repoURL,
			Commit:               commit,
			Branch:               branch,
			RequestedActions:     []string{action},
			Workspace:            workspace,
			DatabaseName:         types.DatabaseName(database),
			Backend:              cfg.Backend,
			ForceRunDependencies: forceRunDeps,
		}

		fmt.Println("Submitting JobRequest:")
		fmt.Printf("  %+v\n\n", jr)
		if err := exp.CreateOrUpdateJobs(context.Background(), jr); err != nil {
			return err
		}

		jobs, err := store.FindJobsByJobRequestID(jr.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Created %d new jobs:\n", len(jobs))
		for _, j := range jobs {
			fmt.Printf("  %s  %s  %s (%s/%s)\n", j.ID, j.Action, j.State, j.State, j.StatusCode)
		}
		return nil
	},
}

func init() {
	addJobCmd.Flags().String("branch", "HEAD", "git branch or ref to use if no commit supplied")
	addJobCmd.Flags().String("commit", "", "git commit to use")
	addJobCmd.Flags().String("workspace", "1", "workspace ID")
	addJobCmd.Flags().String("database", "dummy", "database name (full|slice|dummy)")
	addJobCmd.Flags().BoolP("force-run-dependencies", "f", false, "force dependencies to re-run even if their outputs already exist")
}

// findJobByPartialID matches jobs whose ID contains partial, prompting
// for disambiguation when more than one matches; operators paste
// truncated IDs from logs.
func findJobByPartialID(store storage.Store, partial string) (*types.Job, error) {
	matches, err := store.FindJobsWhere(func(row any) bool {
		j, ok := row.(*types.Job)
		return ok && strings.Contains(j.ID, partial)
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no matching jobs found")
	}
	if len(matches) == 1 {
		return matches[0], nil
	}

	fmt.Println("Multiple matching jobs found:")
	for i, j := range matches {
		fmt.Printf("  %d: %s (%s)\n", i+1, j.ID, j.Action)
	}
	fmt.Print("\nEnter number: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	var index int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d", &index); err != nil || index < 1 || index > len(matches) {
		return nil, fmt.Errorf("invalid selection")
	}
	return matches[index-1], nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.ToLower(strings.TrimSpace(line)) == "y"
}

// pressEnter blocks until the operator hits Enter (Ctrl-C aborts the
// whole process, so there is nothing to return).
func pressEnter(prompt string) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	_, _ = reader.ReadString('\n')
}

// jobDefinitionForOps builds the minimal JobDefinition the executor
// needs to terminate and clean up a job outside the run loop; unlike
// the state machine's jobDefinition it doesn't resolve dependency
// outputs, since termination never reads Inputs.
func jobDefinitionForOps(job *types.Job) types.JobDefinition {
	image, argv := project.SplitRunCommand(job.RunCommand)
	return types.JobDefinition{
		ID:                 job.ID,
		JobRequestID:       job.JobRequestID,
		RepoURL:            job.RepoURL,
		Commit:             job.Commit,
		Workspace:          job.Workspace,
		Action:             job.Action,
		CreatedAt:          job.CreatedAt,
		Image:              image,
		Args:               argv,
		OutputSpec:         job.OutputSpec,
		AllowNetworkAccess: job.AllowNetworkAccess,
		RequiresDB:         job.RequiresDB,
		Cancelled:          job.Cancelled,
	}
}

