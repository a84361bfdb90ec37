package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oasisrun/agentplatform/internal/auth"
	"github.com/oasisrun/agentplatform/internal/platform"
)

func buildUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage platform users",
	}

	addCmd := &cobra.Command{
		Use:   "add <user_id>",
		Short: "Create a user (or reset their password)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := platform.Load(configPath)
			if err != nil {
				return err
			}
			store, err := auth.NewPasswordStore(cfg.Auth.UsersFile)
			if err != nil {
				return err
			}
			password, err := readPassword()
			if err != nil {
				return err
			}
			if err := store.SetPassword(args[0], password); err != nil {
				return err
			}
			fmt.Printf("user %s saved to %s\n", args[0], cfg.Auth.UsersFile)
			return nil
		},
	}

	userCmd.AddCommand(addCmd)
	return userCmd
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// buildTasksCmd provides command-line cron CRUD against a running
// scheduler surface.
func buildTasksCmd() *cobra.Command {
	var schedulerURL string

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage cron trigger jobs on a running scheduler",
	}
	tasksCmd.PersistentFlags().StringVar(&schedulerURL, "scheduler-url", "http://127.0.0.1:8102", "Scheduler base URL")

	client := &http.Client{Timeout: 10 * time.Second}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(schedulerURL + "/tasks")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var body struct {
				Tasks []struct {
					TaskID         string    `json:"task_id"`
					UserID         string    `json:"user_id"`
					SessionID      string    `json:"session_id"`
					CronExpression string    `json:"cron_expression"`
					Text           string    `json:"text"`
					NextFireTime   time.Time `json:"next_fire_time"`
				} `json:"tasks"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			for _, t := range body.Tasks {
				fmt.Printf("%s  %-14s %s#%s  next=%s  %q\n",
					t.TaskID, t.CronExpression, t.UserID, t.SessionID,
					t.NextFireTime.Format(time.RFC3339), t.Text)
			}
			return nil
		},
	}

	var userID, sessionID string
	addCmd := &cobra.Command{
		Use:   "add <cron> <text>",
		Short: "Register a job firing text into a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]string{
				"user_id":    userID,
				"session_id": sessionID,
				"cron":       args[0],
				"text":       args[1],
			})
			resp, err := client.Post(schedulerURL+"/tasks", "application/json", strings.NewReader(string(payload)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("scheduler returned %s: %v", resp.Status, body["error"])
			}
			fmt.Printf("task %v scheduled, next run %v\n", body["task_id"], body["next_run"])
			return nil
		},
	}
	addCmd.Flags().StringVar(&userID, "user", "", "User id the trigger fires as")
	addCmd.Flags().StringVar(&sessionID, "session", "", "Session id the trigger fires into")
	addCmd.MarkFlagRequired("user")
	addCmd.MarkFlagRequired("session")

	deleteCmd := &cobra.Command{
		Use:   "delete <task_id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, schedulerURL+"/tasks/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("scheduler returned %s", resp.Status)
			}
			fmt.Println("deleted")
			return nil
		},
	}

	tasksCmd.AddCommand(listCmd, addCmd, deleteCmd)
	return tasksCmd
}
