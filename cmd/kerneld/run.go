package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/goa-ai/runtime/kernel/agenthandler"
	"goa.design/goa-ai/runtime/kernel/config"
	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/executor"
	"goa.design/goa-ai/runtime/kernel/multikernel"
	"goa.design/goa-ai/runtime/kernel/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		emitType   string
		kernelID   string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every kernel described by a deployment file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeployment(cmd, configPath, kernelID, emitType, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the deployment YAML file (required)")
	cmd.Flags().StringVar(&emitType, "emit", "", "if set, emit one event of this type into --kernel after startup")
	cmd.Flags().StringVar(&kernelID, "kernel", "", "kernel id to target with --emit")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runDeployment(cmd *cobra.Command, configPath, kernelID, emitType string, debug bool) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}
	specs, bridges, err := doc.Build()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("kerneld: %s defines no kernels", configPath)
	}

	logger := telemetry.NewClueLogger()
	mgr := multikernel.New(logger)
	for _, spec := range specs {
		mgr.AddKernelSpec(spec)
	}
	for _, bridge := range bridges {
		mgr.AddBridge(bridge)
	}

	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("kerneld: initialize: %w", err)
	}

	for id, state := range mgr.Status() {
		fmt.Fprintf(cmd.OutOrStdout(), "kernel %-20s %s\n", id, state)
	}

	for _, spec := range specs {
		k, err := mgr.Kernel(spec.KernelID)
		if err != nil {
			continue // not initialized (status failed); nothing to wire
		}
		ah, err := agenthandler.New(k, demoPlanner{}, map[string]agenthandler.ToolFunc{
			"echo": func(_ context.Context, call executor.ToolCall) (executor.ActionResult, error) {
				return executor.ActionResult{Type: "final_answer", Content: call.Input}, nil
			},
		})
		if err != nil {
			return fmt.Errorf("kerneld: build agent handler for %s: %w", spec.KernelID, err)
		}
		if _, err := ah.Register(spec.TenantID); err != nil {
			return fmt.Errorf("kerneld: register agent handler for %s: %w", spec.KernelID, err)
		}
	}

	if emitType == "" {
		return nil
	}
	if kernelID == "" {
		return fmt.Errorf("kerneld: --kernel is required alongside --emit")
	}
	k, err := mgr.Kernel(kernelID)
	if err != nil {
		return err
	}
	evt := event.Event{
		ID:   uuid.NewString(),
		Type: emitType,
		TS:   time.Now().UnixMilli(),
	}
	if _, err := k.Emit(ctx, evt); err != nil {
		return fmt.Errorf("kerneld: emit %s into %s: %w", emitType, kernelID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "emitted %s (id=%s) into %s\n", emitType, evt.ID, kernelID)
	return nil
}
