// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/dag"
	"github.com/taskmesh/engine/internal/obs"
	"github.com/taskmesh/engine/internal/queue"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var version = "dev"

// enginectl drives the engine through its own Go API. It has no HTTP
// surface for submit/status/stats/cancel, only the ambient metrics and
// health endpoints.
func main() {
	var (
		configPath string
		cmd        string
		jobType    string
		payload    string
		jobID      string
		workflowID string
		workflowFile string
		limit      int
		showVersion bool
	)
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&cmd, "cmd", "serve", "Command: serve|submit|status|stats|dead-letters|submit-workflow|workflow-status|cancel-workflow")
	fs.StringVar(&jobType, "type", "", "Job type for submit")
	fs.StringVar(&payload, "payload", "{}", "JSON payload for submit")
	fs.StringVar(&jobID, "job-id", "", "Job id for status")
	fs.StringVar(&workflowID, "workflow-id", "", "Workflow id for workflow-status/cancel-workflow")
	fs.StringVar(&workflowFile, "workflow-file", "", "Path to a workflow definition (JSON, or YAML for .yaml/.yml) for submit-workflow")
	fs.IntVar(&limit, "limit", 20, "Limit for dead-letters")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	eng, err := wireEngine(cfg, logger)
	if err != nil {
		logger.Fatal("wiring engine", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if cmd == "serve" {
		runServe(ctx, cfg, eng, logger)
		return
	}
	runOnce(ctx, eng, logger, cmd, jobType, payload, jobID, workflowID, workflowFile, limit)
}

// runServe starts every background loop the engine needs to actually
// process work (dispatch, recurring schedule, reaper) plus the ambient
// metrics/health HTTP server, and blocks until the context is cancelled.
func runServe(ctx context.Context, cfg *config.Config, eng *engine, logger *zap.Logger) {
	metricsSrv := obs.StartMetricsServer(cfg.Observability.MetricsPort)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	healthSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort+1, map[string]obs.ReadinessCheck{
		"queue": func(ctx context.Context) (bool, string) {
			if err := eng.queue.Health(); err != nil {
				return false, err.Error()
			}
			return true, "ok"
		},
		"cache": func(ctx context.Context) (bool, string) {
			if err := eng.store.Health(); err != nil {
				return false, err.Error()
			}
			return true, "ok"
		},
	})
	defer func() { _ = healthSrv.Shutdown(context.Background()) }()

	go eng.reaper.Run(ctx)
	eng.cron.Start()
	defer eng.cron.Stop()
	go eng.router.StartHealthProbing(ctx)
	defer eng.router.Stop()

	logger.Info("enginectl serving", obs.Int("worker_fanout", cfg.Queue.WorkerFanout))
	eng.queue.Run(ctx, cfg.Queue.PollInterval)
}

// runOnce dispatches a single admin-style subcommand and exits: one
// command in, one JSON result out. It starts the queue's dispatch loop in
// the background first so submit commands actually make progress while
// the process is up.
func runOnce(ctx context.Context, eng *engine, logger *zap.Logger, cmd, jobType, payload, jobID, workflowID, workflowFile string, limit int) {
	go eng.queue.Run(ctx, eng.cfg.Queue.PollInterval)
	defer eng.queue.Stop()

	switch cmd {
	case "submit":
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			logger.Fatal("invalid --payload JSON", obs.Err(err))
		}
		id, err := eng.queue.Add(queue.Job{Type: jobType, Payload: decoded})
		if err != nil {
			logger.Fatal("submit error", obs.Err(err))
		}
		printJSON(map[string]any{"jobId": id})

	case "status":
		if jobID == "" {
			logger.Fatal("status requires --job-id")
		}
		job, ok := eng.queue.Get(jobID)
		if !ok {
			logger.Fatal("job not found", obs.String("jobId", jobID))
		}
		printJSON(job)

	case "stats":
		printJSON(eng.queue.Stats())

	case "dead-letters":
		printJSON(eng.queue.DeadLetter(limit))

	case "submit-workflow":
		if workflowFile == "" {
			logger.Fatal("submit-workflow requires --workflow-file")
		}
		wf, err := loadWorkflowFile(workflowFile)
		if err != nil {
			logger.Fatal("loading workflow file", obs.Err(err))
		}
		submitted, err := eng.dag.Submit(wf)
		if err != nil {
			logger.Fatal("submit-workflow error", obs.Err(err))
		}
		printJSON(submitted)

	case "workflow-status":
		if workflowID == "" {
			logger.Fatal("workflow-status requires --workflow-id")
		}
		wf, ok := eng.dag.Get(workflowID)
		if !ok {
			logger.Fatal("workflow not found", obs.String("workflowId", workflowID))
		}
		printJSON(wf)

	case "cancel-workflow":
		if workflowID == "" {
			logger.Fatal("cancel-workflow requires --workflow-id")
		}
		if err := eng.dag.Cancel(workflowID); err != nil {
			logger.Fatal("cancel-workflow error", obs.Err(err))
		}
		fmt.Println("workflow cancelled")

	default:
		logger.Fatal("unknown command", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// workflowSpec is the on-disk workflow definition format accepted by
// submit-workflow, in JSON or YAML.
type workflowSpec struct {
	Nodes []struct {
		ID           string `json:"id" yaml:"id"`
		Type         string `json:"type" yaml:"type"`
		Payload      any    `json:"payload" yaml:"payload"`
		Dependencies []struct {
			Parent    string `json:"parent" yaml:"parent"`
			Condition string `json:"condition" yaml:"condition"`
		} `json:"dependencies" yaml:"dependencies"`
	} `json:"nodes" yaml:"nodes"`
}

func loadWorkflowFile(path string) (*dag.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec workflowSpec
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(raw, &spec)
	} else {
		err = json.Unmarshal(raw, &spec)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding workflow %s: %w", path, err)
	}

	wf := &dag.Workflow{Nodes: make(map[string]*dag.Node, len(spec.Nodes))}
	for _, n := range spec.Nodes {
		node := &dag.Node{ID: n.ID, Type: n.Type, Payload: n.Payload}
		for _, d := range n.Dependencies {
			cond := dag.Condition(d.Condition)
			if d.Condition == "" {
				cond = dag.OnSuccess
			}
			node.Dependencies = append(node.Dependencies, dag.Dependency{ParentID: d.Parent, Condition: cond})
		}
		wf.Nodes[n.ID] = node
	}
	return wf, nil
}
